// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

import (
	"fmt"
	"log/slog"
	"runtime"
)

// stateTag is the runtime-visible state of a frames value, used to
// dispatch the correct chain of transitions when a value is garbage
// collected without being explicitly consumed.
type stateTag uint8

const (
	tagFree stateTag = iota
	tagAllocated
	tagMapped
	tagUnmapped
)

func (s stateTag) String() string {
	switch s {
	case tagFree:
		return "Free"
	case tagAllocated:
		return "Allocated"
	case tagMapped:
		return "Mapped"
	case tagUnmapped:
		return "Unmapped"
	default:
		return "?"
	}
}

// frames is the shared representation behind every Frames<S> state
// type. It is never exposed directly; callers only ever see one of
// FreeFrames, AllocatedFrames, MappedFrames, UnmappedFrames, which have
// no common supertype, so the type system (aided by the runtime
// finalizer below, which stands in for Drop) makes illegal transitions
// unrepresentable at the API boundary.
type frames struct {
	rng      Range
	kind     Kind
	owner    *Allocator
	state    stateTag
	consumed bool // set once a transition or explicit Release has taken ownership
}

// consume marks f as moved-from. It panics on double use, which would
// otherwise indicate the same Range was transitioned or released twice
// -- a bug in the caller, not a recoverable runtime condition.
func (f *frames) consume() *frames {
	if f.consumed {
		panic(fmt.Sprintf("frame: use of %s after it was consumed by a state transition", f.rng))
	}
	f.consumed = true
	return f
}

// arm (re-)registers the finalizer that implements automatic Drop
// semantics for f, tagged with the given state.
func (f *frames) arm(s stateTag) *frames {
	f.state = s
	f.consumed = false
	runtime.SetFinalizer(f, finalizeFrames)
	return f
}

// finalizeFrames is the Drop implementation shared by every state. It
// inspects the runtime-visible state tag and performs the chain of
// transitions mandated by spec: dropping Unmapped converts to Allocated
// and re-drops; dropping Allocated converts to Free and re-drops;
// dropping Free returns the range to the allocator's free list; dropping
// Mapped is a programming error, since mapped ranges must be explicitly
// unmapped first (the mapper is the only thing that can safely tear
// down a mapping).
func finalizeFrames(f *frames) {
	if f.consumed {
		// Ownership was explicitly transferred away (a transition
		// method ran); nothing to do here.
		return
	}
	switch f.state {
	case tagMapped:
		slog.Error("frame: Mapped frames dropped without being unmapped first; leaking",
			"range", f.rng.String())
		return
	case tagUnmapped:
		f.state = tagAllocated
		fallthrough
	case tagAllocated:
		f.state = tagFree
		fallthrough
	case tagFree:
		if f.owner == nil {
			return
		}
		if err := f.owner.release(f.rng, f.kind); err != nil {
			// Drop runs in contexts that cannot propagate errors (and,
			// in the systems this package models, may run during stack
			// unwinding); log and leak the range rather than panic.
			slog.Error("frame: failed to return range to free list on drop; leaking",
				"range", f.rng.String(), "error", err)
		}
	}
}

// release is called once a transition has taken ownership of f away
// from automatic drop handling, so the finalizer never fires twice.
func release(f *frames) {
	runtime.SetFinalizer(f, nil)
}

// FreeFrames is a uniquely owned, currently-unallocated range of
// frames. It is typically only seen by the allocator itself (as the
// contents of its free lists); callers receive one from
// AllocatedFrames.IntoFree or UnmappedFrames.IntoFree but normally
// interact with AllocatedFrames.
type FreeFrames struct{ f *frames }

// AllocatedFrames is a uniquely owned range of frames reserved for a
// single consumer but not yet mapped into any virtual address space.
type AllocatedFrames struct{ f *frames }

// MappedFrames is a uniquely owned range of frames currently backing a
// virtual mapping. Constructing one is the Mapper's responsibility (see
// package mapper); this package only defines the transition into and
// out of this state.
type MappedFrames struct{ f *frames }

// UnmappedFrames is a uniquely owned range of frames that was mapped
// and has since been unmapped, but not yet returned to the free list or
// reallocated.
type UnmappedFrames struct{ f *frames }

// newFree constructs the initial FreeFrames value for a range freshly
// known to the allocator (either at init or via a reinserted split).
// It must not be called with a range that overlaps any other live
// Frames value.
func newFree(owner *Allocator, rng Range, kind Kind) FreeFrames {
	f := &frames{rng: rng, kind: kind, owner: owner}
	f.arm(tagFree)
	return FreeFrames{f}
}

// Range returns the frame range owned by f.
func (f FreeFrames) Range() Range { return f.f.rng }

// Kind returns the region kind f was carved from.
func (f FreeFrames) Kind() Kind { return f.f.kind }

// IntoAllocated transitions f into the Allocated state, taking it out
// of automatic drop handling. This is normally only called by the
// Allocator itself when satisfying an allocation request.
func (f FreeFrames) IntoAllocated() AllocatedFrames {
	release(f.f.consume())
	return AllocatedFrames{f.f.arm(tagAllocated)}
}

// Range returns the frame range owned by f.
func (f AllocatedFrames) Range() Range { return f.f.rng }

// Kind returns the region kind f was carved from.
func (f AllocatedFrames) Kind() Kind { return f.f.kind }

// IntoMapped transitions f into the Mapped state. Called by package
// mapper once it has established a virtual mapping backed by f.
func (f AllocatedFrames) IntoMapped() MappedFrames {
	release(f.f.consume())
	return MappedFrames{f.f.arm(tagMapped)}
}

// IntoFree transitions f directly back to Free without ever being
// mapped, e.g. when a load attempt is unwound. This corresponds to the
// Allocated -> Free leg of the drop chain, performed explicitly instead
// of via the finalizer.
func (f AllocatedFrames) IntoFree() (FreeFrames, error) {
	release(f.f.consume())
	ff := f.f
	ff.arm(tagFree)
	if ff.owner != nil {
		if err := ff.owner.reinsertNow(ff.rng, ff.kind); err != nil {
			return FreeFrames{}, err
		}
	}
	return FreeFrames{ff}, nil
}

// Range returns the frame range owned by f.
func (f MappedFrames) Range() Range { return f.f.rng }

// Kind returns the region kind f was carved from.
func (f MappedFrames) Kind() Kind { return f.f.kind }

// IntoUnmapped transitions f into the Unmapped state. Called by package
// mapper when a MappedPages region is dropped/unmapped.
func (f MappedFrames) IntoUnmapped() UnmappedFrames {
	release(f.f.consume())
	return UnmappedFrames{f.f.arm(tagUnmapped)}
}

// Range returns the frame range owned by f.
func (f UnmappedFrames) Range() Range { return f.f.rng }

// Kind returns the region kind f was carved from.
func (f UnmappedFrames) Kind() Kind { return f.f.kind }

// IntoAllocated transitions f back into the Allocated state, e.g. to
// immediately remap the same frames rather than returning them to the
// free list first.
func (f UnmappedFrames) IntoAllocated() AllocatedFrames {
	release(f.f.consume())
	return AllocatedFrames{f.f.arm(tagAllocated)}
}

// IntoFree returns f to the allocator's free list immediately, rather
// than waiting for finalization. This is the explicit equivalent of
// letting f be garbage collected.
func (f UnmappedFrames) IntoFree() (FreeFrames, error) {
	release(f.f.consume())
	ff := f.f
	ff.arm(tagFree)
	if ff.owner != nil {
		if err := ff.owner.reinsertNow(ff.rng, ff.kind); err != nil {
			return FreeFrames{}, err
		}
	}
	return FreeFrames{ff}, nil
}
