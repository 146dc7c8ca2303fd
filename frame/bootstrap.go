// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

// bootstrapCapacity is the number of regions a BootstrapAllocator can
// track, mirroring the 32-slot fixed array the Rust source uses before
// heap allocation is available (spec §9, "Static-before-heap
// bootstrap"). A hosted Go program always has a heap, so this package's
// interval trees never actually need a non-heap representation; this
// type exists to preserve the two-phase API shape -- and its region
// cap -- documented in the original design, not because Go needs a
// separate non-allocating data structure.
const bootstrapCapacity = 32

// BootstrapAllocator is an Allocator restricted to bootstrapCapacity
// regions. Use it for the frame allocator's earliest initialization,
// before it's known whether the system can tolerate arbitrarily large
// region lists, then call Promote to lift the cap.
type BootstrapAllocator struct {
	Allocator
}

// NewBootstrapAllocator returns an Allocator capped at bootstrapCapacity
// free and reserved regions.
func NewBootstrapAllocator() *BootstrapAllocator {
	b := &BootstrapAllocator{Allocator: Allocator{reservedDescriptions: map[Range]string{}}}
	b.maxRegions = bootstrapCapacity
	return b
}

// Promote lifts the region-count cap, returning the same underlying
// Allocator for continued use. Every Frames value already handed out
// remains valid; only the cap on Init's region lists is lifted, and
// Promote refuses to run before Init has been called at least once.
func (b *BootstrapAllocator) Promote() (*Allocator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, ErrOutOfRange
	}
	b.maxRegions = 0
	return &b.Allocator, nil
}
