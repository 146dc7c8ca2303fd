// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metadata holds the in-memory representation of every loaded
// crate: its sections, the bidirectional dependency graph induced by
// relocations, and the namespace that maps crate and symbol names to
// them (spec §3, §4.3). It plays the role package symtab plays for a
// single object file's symbol table, but for a live, mutable graph of
// many crates that sections can be added to, depended on, and removed
// from over the process lifetime.
package metadata

import (
	"sync"
	"sync/atomic"

	"github.com/crateos/liveupdate/mapper"
	"github.com/crateos/liveupdate/obj"
)

// RelocationEntry is the linker-level instruction for patching one
// section's bytes with a value derived from another section's address
// (spec §3). Type is one of the R_X86_64_* constants package obj
// already parses out of the ELF relocation table; Addend and Offset are
// kept signed/unsigned respectively to match the values obj.Reloc
// yields.
type RelocationEntry struct {
	Type   uint32
	Addend int64
	Offset uint64
}

// SectionRef is a weak reference to a LoadedSection: it does not keep
// the section's crate alive by itself. Go has no built-in weak
// pointer (this module targets go1.22, before the experimental weak
// package), so this type simulates one with a validity flag set false
// when the referenced section is retired (see LoadedSection.invalidate)
// rather than by actually releasing memory for early collection. An
// Upgrade after that point reports the same "stale -- ignore" outcome
// spec §4.3 requires of a failed weak-pointer upgrade.
type SectionRef struct {
	sec *LoadedSection
}

// Ref returns a SectionRef pointing at sec, or the zero SectionRef if
// sec is nil.
func Ref(sec *LoadedSection) SectionRef {
	return SectionRef{sec: sec}
}

// Upgrade returns the referenced section and true if it's still live,
// or (nil, false) if sec was never set or has since been invalidated.
func (r SectionRef) Upgrade() (*LoadedSection, bool) {
	if r.sec == nil || !r.sec.isValid() {
		return nil, false
	}
	return r.sec, true
}

// StrongDependency is the forward half of a dependency edge: "this
// section reads or calls Target". Held in a section's
// sections_i_depend_on list; its strong (ordinary Go pointer) target
// keeps the target's crate reachable as long as any dependent section
// exists, matching the Arc<LoadedSection> semantics spec §3 describes.
type StrongDependency struct {
	Target *LoadedSection
	Reloc  RelocationEntry
}

// WeakDependent is the reverse half of a dependency edge: "Source reads
// or calls this section". Held in a section's sections_dependent_on_me
// list as a SectionRef so a dependent can be retired without keeping
// its dependencies' dependent lists artificially alive (spec §9).
type WeakDependent struct {
	Source SectionRef
	Reloc  RelocationEntry
}

// InternalDependency additionally records a same-crate dependency edge
// keyed by the source section's ELF section-header index, rather than
// by section pointer (spec §3). The loader records these; no code in
// this module consumes them, as there is no deep-copy path.
type InternalDependency struct {
	Reloc             RelocationEntry
	SourceSectionIndex obj.SectionID
}

// sectionEdges is the mutable inner record of a LoadedSection's
// dependency lists, guarded by its own reader-writer lock per spec §5:
// iterating sections_dependent_on_me during a swap must exclude
// concurrent relocation writes from a racing load.
type sectionEdges struct {
	mu         sync.RWMutex
	dependsOn  []StrongDependency
	dependents []WeakDependent
	internal   []InternalDependency
}

// LoadedSection is one contiguous region inside a crate's mapped
// backing memory, representing one ELF section (spec §3).
type LoadedSection struct {
	// Name is the fully-qualified hashed symbol name, e.g.
	// "crate::path::name::hHASH", or the raw ELF section name for
	// sections with no linker symbol (most .text sections do carry
	// one; .rodata string-literal sections often don't).
	Name string

	Kind   obj.SectionKind
	Global bool // exported: visible to other crates via the symbol map

	// Pages is the MappedPages region backing this section. It is
	// shared (an ordinary Go pointer doubles as the Arc from spec §3;
	// Go's GC keeps it alive as long as any LoadedSection or crate
	// region tuple references it) among every section carved from the
	// same permission-class region.
	Pages  *mapper.MappedPages
	Offset uint64 // byte offset within Pages
	Start  uint64 // absolute virtual address
	Size   uint64

	// Crate is a weak reference back to the owning LoadedCrate,
	// mirroring the Weak<LoadedCrate> the Rust source holds here to
	// avoid a reference cycle; this module's crate map already holds
	// the strong reference.
	Crate *crateRef

	edges sectionEdges

	valid atomic.Bool
}

// crateRef is the section-side half of the section/crate back-
// reference; kept as its own type so LoadedSection doesn't need to
// import a concrete *LoadedCrate cycle-free (it's in the same package,
// so this is purely documentation of intent, not a compiler necessity).
type crateRef struct {
	crate *LoadedCrate
}

func newCrateRef(c *LoadedCrate) *crateRef { return &crateRef{crate: c} }

// Crate returns the section's owning crate.
func (r *crateRef) Crate() *LoadedCrate { return r.crate }

// NewLoadedSection constructs a section in the valid state, owned by
// crate.
func NewLoadedSection(name string, kind obj.SectionKind, global bool, pages *mapper.MappedPages, offset, start, size uint64, crate *LoadedCrate) *LoadedSection {
	s := &LoadedSection{
		Name:   name,
		Kind:   kind,
		Global: global,
		Pages:  pages,
		Offset: offset,
		Start:  start,
		Size:   size,
		Crate:  newCrateRef(crate),
	}
	s.valid.Store(true)
	return s
}

func (s *LoadedSection) isValid() bool { return s.valid.Load() }

// invalidate marks s as retired: existing SectionRef values upgrading
// it will now report "stale", matching spec §4.3's failed-weak-upgrade
// semantics for sections whose crate has been swapped out or removed.
func (s *LoadedSection) invalidate() { s.valid.Store(false) }

// AddDependency records that s depends on target via reloc: a
// StrongDependency on s and the matching WeakDependent on target,
// established atomically under both sections' write locks in
// declaration order (s, then target) to satisfy spec §5's "never held
// in the reverse of declaration order" rule; when s is target, its one
// lock is taken once. If s and target belong to the same crate, also
// records the InternalDependency.
func (s *LoadedSection) AddDependency(target *LoadedSection, reloc RelocationEntry, sourceIndex obj.SectionID, sameCrate bool) {
	s.edges.mu.Lock()
	if target != s {
		target.edges.mu.Lock()
	}
	s.edges.dependsOn = append(s.edges.dependsOn, StrongDependency{Target: target, Reloc: reloc})
	if sameCrate {
		s.edges.internal = append(s.edges.internal, InternalDependency{Reloc: reloc, SourceSectionIndex: sourceIndex})
	}
	target.edges.dependents = append(target.edges.dependents, WeakDependent{Source: Ref(s), Reloc: reloc})
	if target != s {
		target.edges.mu.Unlock()
	}
	s.edges.mu.Unlock()
}

// DependsOn returns a snapshot of s's forward dependency edges.
func (s *LoadedSection) DependsOn() []StrongDependency {
	s.edges.mu.RLock()
	defer s.edges.mu.RUnlock()
	out := make([]StrongDependency, len(s.edges.dependsOn))
	copy(out, s.edges.dependsOn)
	return out
}

// DependentsOnMe returns a snapshot of s's reverse dependency edges.
// Dangling entries (whose Source has since been invalidated) are
// silently pruned, per spec §7's "dangling weak references during
// iteration are silently pruned".
func (s *LoadedSection) DependentsOnMe() []WeakDependent {
	s.edges.mu.RLock()
	defer s.edges.mu.RUnlock()
	out := make([]WeakDependent, 0, len(s.edges.dependents))
	for _, d := range s.edges.dependents {
		if _, ok := d.Source.Upgrade(); ok {
			out = append(out, d)
		}
	}
	return out
}

// InternalDependencies returns a snapshot of s's same-crate dependency
// records. No code in this module calls it; the loader has no
// deep-copy path.
func (s *LoadedSection) InternalDependencies() []InternalDependency {
	s.edges.mu.RLock()
	defer s.edges.mu.RUnlock()
	out := make([]InternalDependency, len(s.edges.internal))
	copy(out, s.edges.internal)
	return out
}

// AddWeakDependent records only the reverse half of a dependency edge:
// that source depends on s via reloc. Used during swap fix-up (spec
// §4.5 step 3c), where the forward StrongDependency is updated in
// place on source by RetargetDependency and only the matching
// WeakDependent on the new source s is missing.
func (s *LoadedSection) AddWeakDependent(source *LoadedSection, reloc RelocationEntry) {
	s.edges.mu.Lock()
	defer s.edges.mu.Unlock()
	s.edges.dependents = append(s.edges.dependents, WeakDependent{Source: Ref(source), Reloc: reloc})
}

// RetargetDependency updates the single StrongDependency in s's
// sections_i_depend_on list whose target was oldTarget to instead point
// at newTarget, per spec §4.5 step 3c(5). It is a no-op if no such
// entry exists.
func (s *LoadedSection) RetargetDependency(oldTarget, newTarget *LoadedSection) {
	s.edges.mu.Lock()
	defer s.edges.mu.Unlock()
	for i := range s.edges.dependsOn {
		if s.edges.dependsOn[i].Target == oldTarget {
			s.edges.dependsOn[i].Target = newTarget
			return
		}
	}
}
