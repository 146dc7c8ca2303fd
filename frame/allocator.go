// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

import (
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/crateos/liveupdate/internal/imap"
)

// Allocator owns every physical page frame known to the system and
// hands out state-tagged ranges. Its free list is a pair of interval
// trees (general-purpose and reserved), matching spec §3's "Region
// list": two disjoint sorted collections of Frames<Free>, adapted here
// from the teacher's internal/imap interval tree, which already merges
// adjacent equal-valued intervals on Insert -- exactly the free-range
// coalescing spec invariant 3 requires.
type Allocator struct {
	mu          sync.Mutex
	initialized bool

	freeGeneral  imap.Imap
	freeReserved imap.Imap

	// generalRegions and reservedRegions are the fixed (generalRegions)
	// and growable (reservedRegions) lists of regions this allocator
	// knows about at all, irrespective of current free/allocated state.
	// They back the "lies outside every general region" extension rule
	// in Allocate.
	generalRegions  []Range
	reservedRegions []Range

	// reservedDescriptions records why a reserved region exists, purely
	// for diagnostics (SPEC_FULL.md supplemented feature #5).
	reservedDescriptions map[Range]string

	maxRegions int // 0 means unbounded; set by NewBootstrapAllocator
}

// New returns an uninitialized Allocator with unbounded region
// capacity. Call Init before using it.
func New() *Allocator {
	return &Allocator{reservedDescriptions: map[Range]string{}}
}

// toInterval converts a closed frame Range to the half-open interval
// imap expects.
func toInterval(r Range) imap.Interval {
	if r.Empty() {
		return imap.Interval{}
	}
	return imap.Interval{Low: uint64(r.First), High: uint64(r.Last) + 1}
}

func fromInterval(i imap.Interval) Range {
	if i.Empty() {
		return Range{1, 0}
	}
	return Range{Frame(i.Low), Frame(i.High - 1)}
}

// Init initializes the allocator with the given free and reserved
// regions. reserved must be re-iterable (here: a plain slice) because
// overlap coalescing may need to scan it multiple times, mirroring the
// Rust source's requirement that the reserved iterator be Clone since
// this runs before heap allocation is available.
//
// descriptions optionally names why each reserved region was carved
// out (e.g. "kernel text", "bootloader-reclaimable"), purely for
// diagnostics; it has no effect on allocation behavior and may be nil.
// A description is looked up by the reserved Range as it stands after
// coalescing, so a reserved region that Init merges with another keeps
// a description only if descriptions has an entry for the merged Range.
//
// Overlapping reserved regions are coalesced. Reserved regions take
// priority: any part of a free region that overlaps a reserved region
// is excluded from the free list.
func (a *Allocator) Init(free, reserved []Range, descriptions map[Range]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized {
		return ErrAlreadyInitialized
	}

	reservedCoalesced := coalesce(reserved)
	for i := 0; i < len(reservedCoalesced); i++ {
		for j := i + 1; j < len(reservedCoalesced); j++ {
			if reservedCoalesced[i].Overlaps(reservedCoalesced[j]) {
				return ErrOverlappingReserved
			}
		}
	}
	if a.maxRegions > 0 && len(reservedCoalesced) > a.maxRegions {
		return fmt.Errorf("frame: %d reserved regions exceeds bootstrap capacity %d", len(reservedCoalesced), a.maxRegions)
	}

	var generalRegions []Range
	for _, f := range free {
		if a.maxRegions > 0 && len(generalRegions) >= a.maxRegions {
			return fmt.Errorf("frame: more than %d free regions exceeds bootstrap capacity", a.maxRegions)
		}
		// Split f around every reserved region it overlaps.
		remaining := []Range{f}
		for _, res := range reservedCoalesced {
			var next []Range
			for _, r := range remaining {
				if !r.Overlaps(res) {
					next = append(next, r)
					continue
				}
				below, above := r.Subtract(res)
				if !below.Empty() {
					next = append(next, below)
				}
				if !above.Empty() {
					next = append(next, above)
				}
			}
			remaining = next
		}
		for _, r := range remaining {
			if r.Empty() {
				continue
			}
			generalRegions = append(generalRegions, r)
			a.freeGeneral.Insert(toInterval(r), KindFree)
		}
	}

	for _, r := range reservedCoalesced {
		a.reservedRegions = append(a.reservedRegions, r)
		a.freeReserved.Insert(toInterval(r), KindReserved)
		if desc, ok := descriptions[r]; ok {
			a.reservedDescriptions[r] = desc
		}
	}

	sort.Slice(generalRegions, func(i, j int) bool { return generalRegions[i].First < generalRegions[j].First })
	a.generalRegions = generalRegions
	a.initialized = true
	return nil
}

// coalesce merges overlapping ranges in rs until no two overlap.
func coalesce(rs []Range) []Range {
	out := append([]Range(nil), rs...)
	changed := true
	for changed {
		changed = false
		for i := 0; i < len(out); i++ {
			for j := i + 1; j < len(out); j++ {
				if out[i].Overlaps(out[j]) || out[i].Adjacent(out[j]) {
					merged, ok := out[i].Merge(out[j])
					if ok {
						out[i] = merged
						out = append(out[:j], out[j+1:]...)
						changed = true
						break
					}
				}
			}
			if changed {
				break
			}
		}
	}
	return out
}

// DeferredAction is an RAII-style handle for free-list insertions that
// may themselves allocate on the heap (inserting into an imap.Imap
// allocates AVL nodes). Low-level callers that cannot tolerate a heap
// allocation at a particular instruction -- notably the heap
// implementation itself, while it is still bootstrapping -- receive
// this handle instead of having the insertion happen inline, and decide
// when to call Commit. If a DeferredAction is dropped without an
// explicit Commit, its finalizer performs the insertion anyway, logging
// that it did so outside the caller's control.
type DeferredAction struct {
	a       *Allocator
	pending []regionInsert
	done    bool
}

type regionInsert struct {
	rng  Range
	kind Kind
}

func newDeferredAction(a *Allocator, pending []regionInsert) *DeferredAction {
	d := &DeferredAction{a: a, pending: pending}
	if len(pending) > 0 {
		runtime.SetFinalizer(d, finalizeDeferredAction)
	}
	return d
}

func finalizeDeferredAction(d *DeferredAction) {
	if d.done {
		return
	}
	slog.Warn("frame: DeferredAction finalized without an explicit Commit; performing it now")
	d.Commit()
}

// Commit performs the deferred free-list insertions. It is idempotent.
func (d *DeferredAction) Commit() {
	if d.done {
		return
	}
	d.done = true
	runtime.SetFinalizer(d, nil)
	if d.a == nil {
		return
	}
	d.a.mu.Lock()
	defer d.a.mu.Unlock()
	for _, p := range d.pending {
		d.a.insertFreeLocked(p.rng, p.kind)
	}
}

func (a *Allocator) insertFreeLocked(rng Range, kind Kind) {
	if rng.Empty() {
		return
	}
	if kind == KindReserved {
		a.freeReserved.Insert(toInterval(rng), KindReserved)
	} else {
		a.freeGeneral.Insert(toInterval(rng), KindFree)
	}
}

// release returns rng to the appropriate free list immediately. It
// implements the tail of the Frames drop chain (Allocated -> Free).
func (a *Allocator) release(rng Range, kind Kind) error {
	return a.reinsertNow(rng, kind)
}

func (a *Allocator) reinsertNow(rng Range, kind Kind) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.insertFreeLocked(rng, kind)
	return nil
}

// ReservedDescription returns the diagnostic string Init recorded for
// the reserved region r, or ("", false) if r wasn't given one.
func (a *Allocator) ReservedDescription(r Range) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	desc, ok := a.reservedDescriptions[r]
	return desc, ok
}

// classify reports which known region (if any) contains rng, for use
// by the mapper unmap callback, which only receives a bare Range.
func (a *Allocator) classify(rng Range) Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.reservedRegions {
		if r.ContainsRange(rng) {
			return KindReserved
		}
	}
	for _, r := range a.generalRegions {
		if r.ContainsRange(rng) {
			return KindFree
		}
	}
	return KindUnknown
}

// UnmapCallback returns the function the memory subsystem should hand
// to the mapper at init time (spec §6's "Mapper callback"): converting
// a bare FrameRange into a Frames<Unmapped> owned by this allocator.
// This indirection -- a closure rather than a direct method call --
// exists so the mapper never needs to hold a live reference to this
// Allocator's internal Frames bookkeeping, only the callback.
func (a *Allocator) UnmapCallback() func(Range) UnmappedFrames {
	return func(rng Range) UnmappedFrames {
		f := &frames{rng: rng, kind: a.classify(rng), owner: a}
		f.arm(tagUnmapped)
		return UnmappedFrames{f}
	}
}

// Allocate allocates count frames. If start is nil, any sufficiently
// large free range is chosen (highest address first). If start is
// non-nil, the range [start, start+count) is allocated exactly, or the
// call fails.
func (a *Allocator) Allocate(start *Frame, count uint64) (AllocatedFrames, *DeferredAction, error) {
	if count == 0 {
		return AllocatedFrames{}, nil, ErrZeroFrames
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if start != nil {
		return a.allocateAtLocked(*start, count)
	}
	return a.allocateAnyLocked(count)
}

// AllocateBytes is Allocate, rounding size up to a whole number of
// frames.
func (a *Allocator) AllocateBytes(start *Frame, size uint64) (AllocatedFrames, *DeferredAction, error) {
	if size == 0 {
		return AllocatedFrames{}, nil, ErrZeroFrames
	}
	count := (size + Size - 1) / Size
	return a.Allocate(start, count)
}

// allocateAnyLocked scans the general free list from the highest
// address downward, which is O(1) until fragmentation sets in (per
// spec §4.1), and carves count frames out of the first range found that
// is large enough.
func (a *Allocator) allocateAnyLocked(count uint64) (AllocatedFrames, *DeferredAction, error) {
	it := a.freeGeneral.Last()
	for it.Valid() {
		rng := fromInterval(it.Key())
		if rng.NumFrames() >= count {
			// Take the top count frames of this range, so repeated
			// any-address allocations continue to favor the high end
			// (matching scenario 1's "returns [190,199]" expectation).
			wantFirst := rng.Last - Frame(count) + 1
			return a.carveLocked(&a.freeGeneral, rng, Range{wantFirst, rng.Last}, KindFree)
		}
		it.Prev()
	}
	return AllocatedFrames{}, nil, ErrOutOfAddressSpace
}

// allocateAtLocked allocates the specific range [start, start+count).
func (a *Allocator) allocateAtLocked(start Frame, count uint64) (AllocatedFrames, *DeferredAction, error) {
	want := Range{start, start + Frame(count) - 1}

	if f, d, ok, err := a.tryExactLocked(&a.freeReserved, want, KindReserved); ok || err != nil {
		return f, d, err
	}
	if f, d, ok, err := a.tryExactLocked(&a.freeGeneral, want, KindFree); ok || err != nil {
		return f, d, err
	}

	// Not currently tracked. If it lies entirely outside every general
	// region, extend the reserved region list to cover it and retry
	// from there; otherwise it's a genuine conflict.
	for _, g := range a.generalRegions {
		if g.Overlaps(want) {
			return AllocatedFrames{}, nil, ErrAddressNotFree
		}
	}
	a.reservedRegions = append(a.reservedRegions, want)
	a.freeReserved.Insert(toInterval(want), KindReserved)
	if f, d, ok, err := a.tryExactLocked(&a.freeReserved, want, KindReserved); ok || err != nil {
		return f, d, err
	}
	return AllocatedFrames{}, nil, ErrOutOfRange
}

// tryExactLocked attempts to satisfy want entirely from tree, merging
// at most one level of adjacent free ranges if want straddles two of
// them (spec §4.1: "attempts a one-level merge, but not iterative
// merges beyond that").
func (a *Allocator) tryExactLocked(tree *imap.Imap, want Range, kind Kind) (AllocatedFrames, *DeferredAction, bool, error) {
	key, val := tree.Find(uint64(want.First))
	if val == nil {
		return AllocatedFrames{}, nil, false, nil
	}
	have := fromInterval(key)
	if have.ContainsRange(want) {
		f, d, err := a.carveLocked(tree, have, want, kind)
		return f, d, true, err
	}

	// want's low end is covered by `have` but its high end spills into
	// the next range. Try a single-level merge with have's immediate
	// successor.
	if have.Last+1 != want.First && have.Last < want.Last {
		nextKey, nextVal := tree.Find(uint64(have.Last) + 1)
		if nextVal != nil {
			next := fromInterval(nextKey)
			merged, ok := have.Merge(next)
			if ok && merged.ContainsRange(want) {
				tree.Remove(toInterval(have))
				tree.Remove(toInterval(next))
				f, d, err := a.carveLocked(tree, merged, want, kind)
				return f, d, true, err
			}
		}
	}
	return AllocatedFrames{}, nil, false, ErrAddressNotFree
}

// carveLocked removes want from have (already known to contain it),
// transitions want to Allocated, and schedules the leftover before/
// after pieces for reinsertion via a DeferredAction.
func (a *Allocator) carveLocked(tree *imap.Imap, have, want Range, kind Kind) (AllocatedFrames, *DeferredAction, error) {
	tree.Remove(toInterval(have))

	var pending []regionInsert
	before, after := have.Subtract(want)
	if !before.Empty() {
		pending = append(pending, regionInsert{before, kind})
	}
	if !after.Empty() {
		pending = append(pending, regionInsert{after, kind})
	}

	free := newFree(a, want, kind)
	allocated := free.IntoAllocated()
	return allocated, newDeferredAction(a, pending), nil
}
