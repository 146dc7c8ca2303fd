// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mapper implements the C2 "Mapper" contract from spec §4.2: a
// virtual-memory region backed by specific physical frames at specific
// permissions. Spec scopes the real page-table walker/MMU out as an
// external collaborator; this package is the reference implementation a
// hosted Go program can actually run, simulating the address space with
// a heap-allocated byte arena per MappedPages, indexed by byte offset
// within the mapping, rather than real page tables. Callers that only use the Mapper interface (AsSlice,
// AsSliceMut, Remap) can't tell the difference.
package mapper

import (
	"fmt"
	"sync"

	"github.com/crateos/liveupdate/frame"
)

// AllocatedPages is a virtual address range reserved for a mapping, the
// virtual-side counterpart to frame.AllocatedFrames. This package's
// reference implementation just reserves a range in its own simulated
// address space; a real implementation would reserve page-table
// entries.
type AllocatedPages struct {
	base uint64
	size uint64
}

// NewAllocatedPages describes size bytes of virtual address space
// starting at base. It only records the range; it checks nothing and
// reserves nothing. VirtualAllocator.Reserve is this package's way to
// obtain a range that no other reservation overlaps.
func NewAllocatedPages(base, size uint64) AllocatedPages {
	return AllocatedPages{base, size}
}

func (p AllocatedPages) Base() uint64 { return p.base }
func (p AllocatedPages) Size() uint64 { return p.size }

// Flags are the memory-permission bits of a mapping.
type Flags struct {
	Writable bool
	Execute  bool
}

func (f Flags) String() string {
	r, w, x := "r", "-", "-"
	if f.Writable {
		w = "w"
	}
	if f.Execute {
		x = "x"
	}
	return r + w + x
}

// ReadExecute, ReadOnly and ReadWrite build the Flags for each
// permission class, as three named constructors kept here rather than
// a function over package obj's types (importing obj would be a
// layering inversion).
func ReadExecute() Flags  { return Flags{Writable: false, Execute: true} }
func ReadOnly() Flags     { return Flags{Writable: false, Execute: false} }
func ReadWrite() Flags    { return Flags{Writable: true, Execute: false} }

// MappedPages is a virtual memory region backed by specific physical
// frames at specific permissions. The loader and swap engine treat this
// as opaque beyond AsSlice/AsSliceMut/Remap, per spec §4.2.
type MappedPages struct {
	mu       sync.Mutex
	pages    AllocatedPages
	frames   frame.MappedFrames
	flags    Flags
	unmapped bool

	arena []byte // the simulated backing memory
}

// Map consumes one allocated virtual range and one allocated physical
// range of the same length and returns a handle backed by them. It
// refuses if the lengths differ.
//
// Unlike the Rust original, the returned MappedPages retains the live,
// type-checked frame.MappedFrames value for its entire lifetime rather
// than reducing it to a bare address range: a hosted Go mapper has no
// reason to give that up. This means Unmap can transition it straight
// back to Frames<Unmapped> (see the Unmap method) without needing the
// frame-allocator callback from spec §6 -- that callback
// (Allocator.UnmapCallback) still exists and is exercised directly by
// tests and by callers that only have a bare frame.Range on hand (e.g.
// after a restart, with no live Frames value to transition).
func Map(pages AllocatedPages, frames frame.AllocatedFrames, flags Flags) (*MappedPages, error) {
	rng := frames.Range()
	if pages.size != rng.SizeInBytes() {
		return nil, fmt.Errorf("mapper: page range size %d does not match frame range size %d", pages.size, rng.SizeInBytes())
	}
	mp := &MappedPages{
		pages:  pages,
		frames: frames.IntoMapped(),
		flags:  flags,
		arena:  make([]byte, pages.size),
	}
	return mp, nil
}

// Remap adjusts mp's permission bits.
func (mp *MappedPages) Remap(newFlags Flags) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.flags = newFlags
}

// Flags returns mp's current permission bits.
func (mp *MappedPages) Flags() Flags {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.flags
}

// Pages returns the virtual range mp backs.
func (mp *MappedPages) Pages() AllocatedPages { return mp.pages }

// AsSlice returns a bounds-checked view, for reading, of the length
// bytes starting at byte offset. Generics would let this
// be type-safe in the Rust original's sense; this package keeps the
// teacher's byte-oriented Data/Reader style instead (see package obj)
// and only bounds-checks the byte range, leaving interpretation to the
// caller, exactly like obj.Section.Data.
func (mp *MappedPages) AsSlice(offset, length uint64) ([]byte, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if offset+length < offset || offset+length > uint64(len(mp.arena)) {
		return nil, fmt.Errorf("mapper: requested range [%d,%d) is outside mapped region of size %d", offset, offset+length, len(mp.arena))
	}
	return mp.arena[offset : offset+length], nil
}

// AsSliceMut is AsSlice for a caller that intends to write: it refuses
// unless the mapping is currently writable. The returned slice aliases
// the same arena AsSlice returns views of (Go has no const slices).
func (mp *MappedPages) AsSliceMut(offset, length uint64) ([]byte, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if !mp.flags.Writable {
		return nil, fmt.Errorf("mapper: mapping at offset %d is not currently writable", offset)
	}
	if offset+length < offset || offset+length > uint64(len(mp.arena)) {
		return nil, fmt.Errorf("mapper: requested range [%d,%d) is outside mapped region of size %d", offset, offset+length, len(mp.arena))
	}
	return mp.arena[offset : offset+length], nil
}

// Unmap tears down the mapping, converting its backing frames back to
// Frames<Unmapped>. It is idempotent; calling it again returns the zero
// UnmappedFrames.
func (mp *MappedPages) Unmap() frame.UnmappedFrames {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.unmapped {
		return frame.UnmappedFrames{}
	}
	mp.unmapped = true
	return mp.frames.IntoUnmapped()
}
