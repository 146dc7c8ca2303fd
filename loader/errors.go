// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import "errors"

// Sentinel errors for the loader error group of spec §7.
var (
	ErrObjectFileNotFound    = errors.New("loader: object file not found")
	ErrUnsupportedSection    = errors.New("loader: section type unsupported")
	ErrUnresolvedSymbol      = errors.New("loader: unresolved symbol")
	ErrUnsupportedRelocation = errors.New("loader: unsupported relocation type")
	ErrAlignmentMismatch     = errors.New("loader: alignment mismatch")
	ErrMapperFailure         = errors.New("loader: mapper failure")
)
