// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

import "errors"

// Allocation errors, grouped per spec §7. All of these are recoverable:
// a failed allocation never modifies allocator state.
var (
	// ErrAddressNotFree is returned when a specific-address allocation
	// request overlaps frames that are not currently free, and the
	// request doesn't qualify for the "extend reserved" fallback.
	ErrAddressNotFree = errors.New("frame: requested address range is not free")

	// ErrOutOfRange is returned by BootstrapAllocator.Promote before
	// Init, and by a specific-address request that still cannot be
	// satisfied after the allocator has extended its reserved list to
	// cover it. A request outside every general region is otherwise
	// served by that extension rather than failing.
	ErrOutOfRange = errors.New("frame: requested address range is outside the allocator's known regions")

	// ErrOutOfAddressSpace is returned when an any-address allocation
	// cannot find a free range large enough to satisfy it.
	ErrOutOfAddressSpace = errors.New("frame: no free range large enough to satisfy the request")

	// ErrChunkNotFound reports that a contiguous chunk could not be
	// located. No function in this package currently returns it.
	ErrChunkNotFound = errors.New("frame: contiguous chunk not found")

	// ErrZeroFrames is returned by Allocate(..., 0) and
	// AllocateBytes(..., 0): allocating zero frames is never valid.
	ErrZeroFrames = errors.New("frame: cannot allocate zero frames")

	// ErrAlreadyInitialized is returned by Init if called more than
	// once on the same Allocator.
	ErrAlreadyInitialized = errors.New("frame: allocator already initialized")

	// ErrOverlappingReserved is returned by Init if, after coalescing,
	// two reserved regions still overlap.
	ErrOverlappingReserved = errors.New("frame: reserved regions overlap after coalescing")
)
