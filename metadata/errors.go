// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package metadata

import "errors"

// Sentinel errors for the metadata-store-level invariant violations of
// spec §7's "Internal invariant violations" group. Loader and swap
// errors (object file not found, unresolved symbol, and so on) are
// defined in their own packages, since they're raised there.
var (
	// ErrMissingReverseEdge indicates a StrongDependency was found with
	// no matching WeakDependent, violating the invariant spec §3/§8
	// item 2 requires; it should never occur outside of a bug in the
	// loader or swap engine.
	ErrMissingReverseEdge = errors.New("metadata: strong dependency has no matching reverse edge")

	// ErrDanglingWeakRef is returned by callers that choose to treat a
	// failed weak-reference upgrade as an error rather than silently
	// pruning it (spec §7 says pruning is the default; this sentinel
	// exists for code paths, like invariant checks in tests, that want
	// to notice instead).
	ErrDanglingWeakRef = errors.New("metadata: weak reference upgrade failed, target has been retired")
)
