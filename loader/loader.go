// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loader implements the dynamic crate loader (C4): turning a
// relocatable crate object file into a published LoadedCrate inside a
// CrateNamespace, by walking its sections, carving backing memory for
// each permission class, copying bytes in, applying relocations against
// already-resolved symbols, and finally tightening permissions before
// publication (spec §4.4).
package loader

import (
	"debug/elf"
	"fmt"
	"log/slog"

	"github.com/crateos/liveupdate/frame"
	"github.com/crateos/liveupdate/mapper"
	"github.com/crateos/liveupdate/metadata"
	"github.com/crateos/liveupdate/obj"
)

// Loader owns the physical and virtual allocators every crate it loads
// draws backing memory from.
type Loader struct {
	Frames *frame.Allocator
	VAddr  *mapper.VirtualAllocator
}

// New returns a Loader that allocates physical frames from frames and
// virtual address ranges from vaddr.
func New(frames *frame.Allocator, vaddr *mapper.VirtualAllocator) *Loader {
	return &Loader{Frames: frames, VAddr: vaddr}
}

// Assert that *Loader satisfies the interface package metadata uses to
// invoke it without an import cycle.
var _ metadata.Loader = (*Loader)(nil)

// sectionPlan is the sizing pass's record for one section this loader
// will materialize.
type sectionPlan struct {
	id         obj.SectionID
	sec        *obj.Section
	kind       obj.SectionKind
	region     metadata.Region
	innerOff   uint64 // offset within its region's backing memory
}

// LoadCrate opens objectFile from into's directory and loads it as a
// new crate, publishing it into into on success. Undefined symbols are
// resolved against into's chain only; backup is never searched, and is
// only passed along to into.GetSymbolOrLoad for on-demand loads. If
// verbose is set, each applied relocation is logged at Info level.
func (l *Loader) LoadCrate(objectFile string, into, backup *metadata.CrateNamespace, verbose bool) (*metadata.LoadedCrate, error) {
	parsed, err := obj.ParseCrateFilename(objectFile)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}

	if existing, ok := into.GetCrate(parsed.NameWithHash); ok {
		return existing, nil
	}

	r, err := into.Directory().Open(objectFile)
	if err != nil {
		return nil, fmt.Errorf("loader: opening %q: %w: %v", objectFile, ErrObjectFileNotFound, err)
	}
	of, err := obj.Open(r)
	if err != nil {
		return nil, fmt.Errorf("loader: parsing %q: %w", objectFile, err)
	}
	defer of.Close()

	plans, regionTotals := sizingPass(of)

	regions, unwind, err := allocateRegions(l, regionTotals)
	if err != nil {
		return nil, fmt.Errorf("loader: allocating backing memory for %q: %w", objectFile, err)
	}
	ok := false
	defer func() {
		if !ok {
			unwind()
		}
	}()

	crate := metadata.NewLoadedCrate(parsed.NameNoHash, parsed.NameWithHash, parsed.Category)
	for reg, b := range regions {
		if b.pages == nil {
			continue
		}
		crate.SetRegion(metadata.Region(reg), b.pages, metadata.VirtualRange{
			Start: b.pages.Pages().Base(),
			End:   b.pages.Pages().Base() + b.pages.Pages().Size(),
		})
	}

	names, globals := symbolNames(of)

	loaded := make(map[obj.SectionID]*metadata.LoadedSection, len(plans))
	for _, p := range plans {
		b := regions[p.region]
		start := b.pages.Pages().Base() + p.innerOff

		if !p.kind.IsZeroFill() {
			d, err := p.sec.Data(p.sec.Addr, p.sec.Size)
			if err != nil {
				return nil, fmt.Errorf("loader: reading section %q: %w", p.sec.Name, err)
			}
			dst, err := b.pages.AsSliceMut(p.innerOff, p.sec.Size)
			if err != nil {
				return nil, fmt.Errorf("loader: %w: %v", ErrMapperFailure, err)
			}
			copy(dst, d.B)
		}

		name := p.sec.Name
		global := false
		if n, ok := names[p.id]; ok {
			name = n
			global = globals[p.id]
		}

		ls := metadata.NewLoadedSection(name, p.kind, global, b.pages, p.innerOff, start, p.sec.Size, crate)
		crate.AddSection(p.id, ls)
		loaded[p.id] = ls
	}

	if err := applyRelocations(of, plans, loaded, into, l, backup, verbose); err != nil {
		return nil, fmt.Errorf("loader: relocating %q: %w", objectFile, err)
	}

	finalizePermissions(regions)

	if err := into.InsertCrate(parsed.NameWithHash, crate); err != nil {
		return nil, fmt.Errorf("loader: publishing %q: %w", objectFile, err)
	}
	into.AddSymbols(crate.GlobalSections())

	ok = true
	return crate, nil
}

// sizingPass walks of's allocated, classifiable sections, assigning
// each a permission-class region and a within-region byte offset
// aligned to the section's required alignment (spec §4.4 step 1).
func sizingPass(of obj.File) ([]sectionPlan, [metadata.RegionData + 1]uint64) {
	var totals [metadata.RegionData + 1]uint64
	var plans []sectionPlan
	for _, sec := range of.Sections() {
		if !sec.Allocated() || sec.Size == 0 {
			continue
		}
		kind, ok := obj.ClassifySectionName(sec.Name)
		if !ok {
			continue
		}
		region := permToRegion(kind.Perm())
		align := sec.Align
		if align < 1 {
			align = 1
		}
		off := roundUp(totals[region], align)
		totals[region] = off + sec.Size

		plans = append(plans, sectionPlan{
			id:       sec.ID,
			sec:      sec,
			kind:     kind,
			region:   region,
			innerOff: off,
		})
	}
	return plans, totals
}

func permToRegion(p obj.PermClass) metadata.Region {
	switch p {
	case obj.PermRX:
		return metadata.RegionText
	case obj.PermRW:
		return metadata.RegionData
	default:
		return metadata.RegionRodata
	}
}

func roundUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

// regionBacking is the allocateRegions result for one permission class.
type regionBacking struct {
	pages *mapper.MappedPages
}

// allocateRegions requests one Frames<Allocated> range and one matching
// AllocatedPages range per non-empty permission class, and maps them
// read-write so section materialization can copy bytes in. The returned
// unwind function releases every region allocated so far; callers must
// invoke it on any later failure and must not invoke it after success.
func allocateRegions(l *Loader, totals [metadata.RegionData + 1]uint64) ([metadata.RegionData + 1]regionBacking, func(), error) {
	var out [metadata.RegionData + 1]regionBacking
	var mapped []*mapper.MappedPages

	unwind := func() {
		for _, mp := range mapped {
			u := mp.Unmap()
			if _, err := u.IntoFree(); err != nil {
				// Nothing more useful to do with this error: we're
				// already unwinding a failed load.
				_ = err
			}
		}
	}

	for region, total := range totals {
		if total == 0 {
			continue
		}
		af, deferred, err := l.Frames.AllocateBytes(nil, total)
		if err != nil {
			return out, unwind, fmt.Errorf("frames for region %s: %w", metadata.Region(region), err)
		}
		deferred.Commit()

		pages, err := l.VAddr.Reserve(total)
		if err != nil {
			if _, ferr := af.IntoFree(); ferr != nil {
				_ = ferr
			}
			return out, unwind, fmt.Errorf("virtual address space for region %s: %w", metadata.Region(region), err)
		}

		mp, err := mapper.Map(pages, af, mapper.ReadWrite())
		if err != nil {
			return out, unwind, fmt.Errorf("%w: %v", ErrMapperFailure, err)
		}
		mapped = append(mapped, mp)
		out[region] = regionBacking{pages: mp}
	}
	return out, unwind, nil
}

// symbolNames scans of's symbol table once, choosing a preferred name
// for each section from the text, data, rodata and BSS symbols defined
// in it: the first non-local one, since crate object files built with
// one item per section generally carry at most one meaningful exported
// symbol per section, or else the last local one. Sections with no
// such symbol (e.g. anonymous rodata) keep their raw ELF name, handled
// by the caller.
func symbolNames(of obj.File) (names map[obj.SectionID]string, global map[obj.SectionID]bool) {
	names = make(map[obj.SectionID]string)
	global = make(map[obj.SectionID]bool)
	n := of.NumSyms()
	for i := obj.SymID(0); i < n; i++ {
		sym := of.Sym(i)
		if sym.Section == nil {
			continue
		}
		if sym.Kind != obj.SymText && sym.Kind != obj.SymData && sym.Kind != obj.SymROData && sym.Kind != obj.SymBSS {
			continue
		}
		id := sym.Section.ID
		_, have := names[id]
		if have && global[id] {
			// A non-local name already won this section; never replace it.
			continue
		}
		names[id] = sym.Name
		global[id] = !sym.Local()
	}
	return names, global
}

// applyRelocations runs the relocation-application pass (spec §4.4 step
// 4): for every relocation against a loaded section, resolves its
// symbol -- first against this object file's own section table, then
// against the destination namespace, loading on demand as a last resort
// -- and writes the relocated value into the section's backing memory.
func applyRelocations(of obj.File, plans []sectionPlan, loaded map[obj.SectionID]*metadata.LoadedSection, into *metadata.CrateNamespace, ld *Loader, backup *metadata.CrateNamespace, verbose bool) error {
	for _, p := range plans {
		target, ok := loaded[p.id]
		if !ok {
			continue
		}
		d, err := p.sec.Data(p.sec.Addr, p.sec.Size)
		if err != nil {
			return fmt.Errorf("reading relocations for %q: %w", p.sec.Name, err)
		}
		for _, reloc := range d.R {
			if err := applyOneRelocation(of, p.sec, target, reloc, loaded, into, ld, backup, verbose); err != nil {
				return fmt.Errorf("section %q: %w", p.sec.Name, err)
			}
		}
	}
	return nil
}

func applyOneRelocation(of obj.File, targetSec *obj.Section, target *metadata.LoadedSection, reloc obj.Reloc, loaded map[obj.SectionID]*metadata.LoadedSection, into *metadata.CrateNamespace, ld *Loader, backup *metadata.CrateNamespace, verbose bool) error {
	sym := of.Sym(reloc.Symbol)

	var source *metadata.LoadedSection
	sourceSectionIndex := obj.SectionID(0)
	sameCrate := false
	if sym.Section != nil {
		s, ok := loaded[sym.Section.ID]
		if !ok {
			return fmt.Errorf("%w: symbol %q resolves to section %q, which wasn't loaded", ErrUnresolvedSymbol, sym.Name, sym.Section.Name)
		}
		source = s
		sourceSectionIndex = sym.Section.ID
		sameCrate = true
	} else {
		if s, ok := into.GetSymbol(sym.Name); ok {
			source = s
		} else {
			s, err := into.GetSymbolOrLoad(sym.Name, ld, backup, verbose)
			if err != nil {
				return fmt.Errorf("%w: %q: %v", ErrUnresolvedSymbol, sym.Name, err)
			}
			source = s
		}
	}

	sourceAddr := source.Start
	targetOffInSection := reloc.Addr - targetSec.Addr
	writeOffset := target.Offset + targetOffInSection
	runtimeAddr := target.Start + targetOffInSection

	class, rawVal := reloc.Type.Raw()
	if class != obj.ClassX86_64 {
		return fmt.Errorf("%w: relocation class %v", ErrUnsupportedRelocation, class)
	}

	layout := of.Info().Arch.Layout
	buf, err := target.Pages.AsSliceMut(writeOffset, 8)
	if err != nil {
		// Fall back to a 4-byte request for relocation types that only
		// need (and may only have room for) 4 bytes at the tail of a
		// section.
		buf, err = target.Pages.AsSliceMut(writeOffset, 4)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMapperFailure, err)
		}
	}

	switch elf.R_X86_64(rawVal) {
	case elf.R_X86_64_64:
		layout.PutUint64(buf[:8], uint64(int64(sourceAddr)+reloc.Addend))
	case elf.R_X86_64_32, elf.R_X86_64_32S:
		layout.PutUint32(buf[:4], uint32(int64(sourceAddr)+reloc.Addend))
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		layout.PutUint32(buf[:4], uint32(int64(sourceAddr)+reloc.Addend-int64(runtimeAddr)))
	case elf.R_X86_64_TPOFF32:
		// This module doesn't model a per-task thread-local-storage
		// block (out of scope, like the rest of task scheduling), so the
		// value written is the source section's own byte offset within
		// its backing region rather than a real TLS block offset.
		layout.PutUint32(buf[:4], uint32(source.Offset))
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedRelocation, reloc.Type)
	}

	target.AddDependency(source, metadata.RelocationEntry{
		Type:   uint32(rawVal),
		Addend: reloc.Addend,
		Offset: targetOffInSection,
	}, sourceSectionIndex, sameCrate)

	if verbose {
		slog.Info("loader: applied relocation", "section", target.Name, "type", reloc.Type, "offset", targetOffInSection, "source", source.Name)
	}

	return nil
}

// finalizePermissions tightens each region's mapping to its final
// permission bits now that section materialization and relocation are
// done (spec §4.4 step 5): text becomes read+execute, rodata becomes
// read-only, data/bss stays read-write.
func finalizePermissions(regions [metadata.RegionData + 1]regionBacking) {
	if regions[metadata.RegionText].pages != nil {
		regions[metadata.RegionText].pages.Remap(mapper.ReadExecute())
	}
	if regions[metadata.RegionRodata].pages != nil {
		regions[metadata.RegionRodata].pages.Remap(mapper.ReadOnly())
	}
}
