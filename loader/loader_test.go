// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crateos/liveupdate/frame"
	"github.com/crateos/liveupdate/mapper"
	"github.com/crateos/liveupdate/metadata"
	"github.com/crateos/liveupdate/obj"
)

// The tests in this file synthesize minimal x86-64 ET_REL object files by
// hand, byte for byte, rather than reading fixtures off disk: package obj
// parses ELF with the standard library's debug/elf decoder, so a file that
// satisfies the real ELF64 format is enough to exercise the loader without
// needing a cross-compiler in the test environment.

// secSpec is one section of a hand-built object file, identified by index
// in the order sections are appended (index 0 is always the mandatory
// null section, appended automatically by buildELFObject).
type secSpec struct {
	name    string
	typ     elf.SectionType
	flags   uint64
	data    []byte
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
}

// buildStrtab concatenates names into an ELF string table, starting with
// the mandatory empty string at offset 0, and returns each name's offset.
func buildStrtab(names []string) (data []byte, offsets map[string]uint32) {
	data = []byte{0}
	offsets = map[string]uint32{"": 0}
	for _, n := range names {
		if _, ok := offsets[n]; ok {
			continue
		}
		offsets[n] = uint32(len(data))
		data = append(data, []byte(n)...)
		data = append(data, 0)
	}
	return data, offsets
}

// buildELFObject assembles a minimal little-endian ELF64 ET_REL/EM_X86_64
// object file from specs, auto-prepending the null section and
// auto-appending a .shstrtab built from every section's name.
func buildELFObject(specs []secSpec) []byte {
	names := make([]string, 0, len(specs)+1)
	for _, s := range specs {
		names = append(names, s.name)
	}
	names = append(names, ".shstrtab")
	shstrtabData, nameOff := buildStrtab(names)

	full := make([]secSpec, 0, len(specs)+2)
	full = append(full, secSpec{}) // SHT_NULL
	full = append(full, specs...)
	shstrtabIdx := len(full)
	full = append(full, secSpec{name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstrtabData})

	var buf bytes.Buffer
	buf.Write(make([]byte, 64)) // Ehdr, patched in below
	offsets := make([]uint64, len(full))
	for i, s := range full {
		offsets[i] = uint64(buf.Len())
		buf.Write(s.data)
	}
	shoff := uint64(buf.Len())
	for i, s := range full {
		var hdr [64]byte
		binary.LittleEndian.PutUint32(hdr[0:4], nameOff[s.name])
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(s.typ))
		binary.LittleEndian.PutUint64(hdr[8:16], s.flags)
		binary.LittleEndian.PutUint64(hdr[16:24], 0) // sh_addr: unassigned in a relocatable object
		binary.LittleEndian.PutUint64(hdr[24:32], offsets[i])
		binary.LittleEndian.PutUint64(hdr[32:40], uint64(len(s.data)))
		binary.LittleEndian.PutUint32(hdr[40:44], s.link)
		binary.LittleEndian.PutUint32(hdr[44:48], s.info)
		binary.LittleEndian.PutUint64(hdr[48:56], s.align)
		binary.LittleEndian.PutUint64(hdr[56:64], s.entsize)
		buf.Write(hdr[:])
	}

	out := buf.Bytes()
	out[0], out[1], out[2], out[3] = 0x7f, 'E', 'L', 'F'
	out[4] = 2 // ELFCLASS64
	out[5] = 1 // ELFDATA2LSB
	out[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(out[16:18], uint16(elf.ET_REL))
	binary.LittleEndian.PutUint16(out[18:20], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(out[20:24], 1) // e_version
	binary.LittleEndian.PutUint64(out[40:48], shoff)
	binary.LittleEndian.PutUint16(out[52:54], 64) // e_ehsize
	binary.LittleEndian.PutUint16(out[58:60], 64) // e_shentsize
	binary.LittleEndian.PutUint16(out[60:62], uint16(len(full)))
	binary.LittleEndian.PutUint16(out[62:64], uint16(shstrtabIdx))
	return out
}

// crateSym describes one symbol-table entry of a synthetic crate object.
// shndx is the section this crate build gives its rodata section (2) for
// a locally-defined symbol, or 0 (SHN_UNDEF) for a symbol this crate
// object references but doesn't define.
type crateSym struct {
	name   string
	shndx  uint16
	global bool
	typ    elf.SymType
	value  uint64
	size   uint64
}

// crateReloc describes one .rela.text entry. symIdx is the 1-based index
// of the symbol within this build's own symbol list (ELF symbol table
// index, the null symbol occupying index 0).
type crateReloc struct {
	offset uint64
	symIdx uint32
	typ    elf.R_X86_64
	addend int64
}

// buildCrateObject lays out a single-crate object file with a fixed
// section order (.text=1, .rodata=2, .symtab=3, .strtab=4, .rela.text=5,
// .shstrtab=6 implicit) so crateSym.shndx values stay meaningful across
// every test crate built this way.
func buildCrateObject(textData []byte, relocs []crateReloc, rodata []byte, syms []crateSym) []byte {
	names := make([]string, 0, len(syms))
	for _, s := range syms {
		names = append(names, s.name)
	}
	strtab, nameOff := buildStrtab(names)

	symtab := make([]byte, 24) // null symbol
	for _, s := range syms {
		var e [24]byte
		bind := byte(elf.STB_LOCAL)
		if s.global {
			bind = byte(elf.STB_GLOBAL)
		}
		binary.LittleEndian.PutUint32(e[0:4], nameOff[s.name])
		e[4] = (bind << 4) | byte(s.typ)
		e[5] = 0
		binary.LittleEndian.PutUint16(e[6:8], s.shndx)
		binary.LittleEndian.PutUint64(e[8:16], s.value)
		binary.LittleEndian.PutUint64(e[16:24], s.size)
		symtab = append(symtab, e[:]...)
	}

	rela := make([]byte, 0, 24*len(relocs))
	for _, r := range relocs {
		var e [24]byte
		binary.LittleEndian.PutUint64(e[0:8], r.offset)
		info := uint64(r.symIdx)<<32 | uint64(r.typ)
		binary.LittleEndian.PutUint64(e[8:16], info)
		binary.LittleEndian.PutUint64(e[16:24], uint64(r.addend))
		rela = append(rela, e[:]...)
	}

	specs := []secSpec{
		{name: ".text", typ: elf.SHT_PROGBITS, flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR), data: textData, align: 1},
		{name: ".rodata", typ: elf.SHT_PROGBITS, flags: uint64(elf.SHF_ALLOC), data: rodata, align: 1},
		{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtab, link: 4, info: 1, entsize: 24},
		{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab},
		{name: ".rela.text", typ: elf.SHT_RELA, data: rela, link: 3, info: 1, entsize: 24},
	}
	return buildELFObject(specs)
}

// fakeDir is an in-memory metadata.Directory backed by a name->bytes map.
type fakeDir struct {
	files map[string][]byte
}

func (d *fakeDir) Open(name string) (io.ReaderAt, error) {
	b, ok := d.files[name]
	if !ok {
		return nil, fmt.Errorf("fakeDir: no such object file %q", name)
	}
	return bytes.NewReader(b), nil
}

func (d *fakeDir) List() ([]string, error) {
	out := make([]string, 0, len(d.files))
	for n := range d.files {
		out = append(out, n)
	}
	return out, nil
}

// newTestLoader returns a Loader with its own frame and virtual-address
// allocators, and a root namespace backed by files.
func newTestLoader(t *testing.T, files map[string][]byte) (*Loader, *metadata.CrateNamespace) {
	t.Helper()
	fr := frame.New()
	require.NoError(t, fr.Init([]frame.Range{frame.NewRange(0, 63)}, nil, nil))
	vaddr := mapper.NewVirtualAllocator(0x1000_0000)
	ld := New(fr, vaddr)
	ns := metadata.NewCrateNamespace("test", &fakeDir{files: files}, nil)
	return ld, ns
}

// findSectionByKind returns the single section of the given kind in c, or
// fails the test if there isn't exactly one.
func findSectionByKind(t *testing.T, c *metadata.LoadedCrate, kind obj.SectionKind) *metadata.LoadedSection {
	t.Helper()
	var found *metadata.LoadedSection
	for _, s := range c.Sections() {
		if s.Kind == kind {
			require.Nil(t, found, "more than one section of kind %v", kind)
			found = s
		}
	}
	require.NotNil(t, found, "no section of kind %v", kind)
	return found
}

func TestLoadCrateInternalRelocation(t *testing.T) {
	alphaObj := buildCrateObject(
		make([]byte, 16),
		[]crateReloc{{offset: 8, symIdx: 1, typ: elf.R_X86_64_PC32, addend: -4}},
		[]byte{1, 2, 3, 4, 5, 6, 7, 8},
		[]crateSym{{name: "alpha::VALUE::h1111", shndx: 2, global: true, typ: elf.STT_OBJECT, value: 0, size: 8}},
	)

	ld, ns := newTestLoader(t, map[string][]byte{"k#alpha-aaaa.o": alphaObj})

	crate, err := ld.LoadCrate("k#alpha-aaaa.o", ns, nil, false)
	require.NoError(t, err)
	require.Equal(t, "alpha", crate.Name)
	require.Equal(t, "alpha-aaaa", crate.NameWithHash)

	got, ok := ns.GetCrate("alpha-aaaa")
	require.True(t, ok)
	require.Same(t, crate, got)

	exported, ok := ns.GetSymbol("alpha::VALUE::h1111")
	require.True(t, ok)

	text := findSectionByKind(t, crate, obj.SectionText)
	rodata := findSectionByKind(t, crate, obj.SectionRodata)
	require.Same(t, rodata, exported)

	patched, err := text.Pages.AsSlice(text.Offset+8, 4)
	require.NoError(t, err)
	runtimeAddr := text.Start + 8
	want := uint32(int64(rodata.Start) - 4 - int64(runtimeAddr))
	require.Equal(t, want, binary.LittleEndian.Uint32(patched))
}

func TestLoadCrateIdempotent(t *testing.T) {
	alphaObj := buildCrateObject(
		make([]byte, 16), nil,
		[]byte{1, 2, 3, 4, 5, 6, 7, 8},
		[]crateSym{{name: "alpha::VALUE::h1111", shndx: 2, global: true, typ: elf.STT_OBJECT, size: 8}},
	)
	ld, ns := newTestLoader(t, map[string][]byte{"k#alpha-aaaa.o": alphaObj})

	first, err := ld.LoadCrate("k#alpha-aaaa.o", ns, nil, false)
	require.NoError(t, err)
	second, err := ld.LoadCrate("k#alpha-aaaa.o", ns, nil, false)
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestLoadCrateUnsupportedRelocation(t *testing.T) {
	gammaObj := buildCrateObject(
		make([]byte, 16),
		[]crateReloc{{offset: 8, symIdx: 1, typ: elf.R_X86_64_TLSGD, addend: 0}},
		[]byte{1, 2, 3, 4, 5, 6, 7, 8},
		[]crateSym{{name: "gamma::V::h1", shndx: 2, global: true, typ: elf.STT_OBJECT, size: 8}},
	)
	ld, ns := newTestLoader(t, map[string][]byte{"k#gamma-cccc.o": gammaObj})

	_, err := ld.LoadCrate("k#gamma-cccc.o", ns, nil, false)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnsupportedRelocation))

	_, ok := ns.GetCrate("gamma-cccc")
	require.False(t, ok, "a failed load must leave no trace")
}

func TestLoadCrateCrossCrateNamespaceResolution(t *testing.T) {
	alphaObj := buildCrateObject(
		make([]byte, 16), nil,
		[]byte{1, 2, 3, 4, 5, 6, 7, 8},
		[]crateSym{{name: "alpha::VALUE::h1111", shndx: 2, global: true, typ: elf.STT_OBJECT, size: 8}},
	)
	betaObj := buildCrateObject(
		make([]byte, 16),
		[]crateReloc{{offset: 8, symIdx: 1, typ: elf.R_X86_64_PC32, addend: -4}},
		nil,
		[]crateSym{{name: "alpha::VALUE::h1111", shndx: 0, global: true, typ: elf.STT_NOTYPE}},
	)

	ld, ns := newTestLoader(t, map[string][]byte{
		"k#alpha-aaaa.o": alphaObj,
		"k#beta-bbbb.o":  betaObj,
	})

	alpha, err := ld.LoadCrate("k#alpha-aaaa.o", ns, nil, false)
	require.NoError(t, err)
	rodata := findSectionByKind(t, alpha, obj.SectionRodata)

	beta, err := ld.LoadCrate("k#beta-bbbb.o", ns, nil, false)
	require.NoError(t, err)
	text := findSectionByKind(t, beta, obj.SectionText)

	patched, err := text.Pages.AsSlice(text.Offset+8, 4)
	require.NoError(t, err)
	runtimeAddr := text.Start + 8
	want := uint32(int64(rodata.Start) - 4 - int64(runtimeAddr))
	require.Equal(t, want, binary.LittleEndian.Uint32(patched))

	deps := text.DependsOn()
	require.Len(t, deps, 1)
	require.Same(t, rodata, deps[0].Target)
}

func TestLoadCrateOnDemandResolution(t *testing.T) {
	alphaObj := buildCrateObject(
		make([]byte, 16), nil,
		[]byte{1, 2, 3, 4, 5, 6, 7, 8},
		[]crateSym{{name: "alpha::VALUE::h1111", shndx: 2, global: true, typ: elf.STT_OBJECT, size: 8}},
	)
	betaObj := buildCrateObject(
		make([]byte, 16),
		[]crateReloc{{offset: 8, symIdx: 1, typ: elf.R_X86_64_PC32, addend: -4}},
		nil,
		[]crateSym{{name: "alpha::VALUE::h1111", shndx: 0, global: true, typ: elf.STT_NOTYPE}},
	)

	ld, ns := newTestLoader(t, map[string][]byte{
		"k#alpha-aaaa.o": alphaObj,
		"k#beta-bbbb.o":  betaObj,
	})

	_, ok := ns.GetCrate("alpha-aaaa")
	require.False(t, ok, "alpha must not be loaded yet")

	_, err := ld.LoadCrate("k#beta-bbbb.o", ns, nil, false)
	require.NoError(t, err)

	_, ok = ns.GetCrate("alpha-aaaa")
	require.True(t, ok, "resolving beta's undefined symbol must load alpha on demand")
}

func TestRoundUp(t *testing.T) {
	require.Equal(t, uint64(0), roundUp(0, 8))
	require.Equal(t, uint64(8), roundUp(1, 8))
	require.Equal(t, uint64(8), roundUp(8, 8))
	require.Equal(t, uint64(16), roundUp(9, 8))
}

func TestPermToRegion(t *testing.T) {
	require.Equal(t, metadata.RegionText, permToRegion(obj.PermRX))
	require.Equal(t, metadata.RegionRodata, permToRegion(obj.PermRO))
	require.Equal(t, metadata.RegionData, permToRegion(obj.PermRW))
}
