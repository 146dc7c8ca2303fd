// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package obj

import (
	"fmt"
	"strings"
)

// SectionKind classifies a Section for the purposes of crate loading:
// which permission class it needs once mapped, and how its dependency
// edges should be recorded. This has no equivalent in the teacher's
// generic obj package, which only tracks ReadOnly/ZeroInitialized flags;
// crate loading needs the finer eight-way split from spec §3.
type SectionKind uint8

const (
	SectionUnknown SectionKind = iota
	SectionText
	SectionRodata
	SectionData
	SectionBss
	SectionTlsData
	SectionTlsBss
	SectionGccExceptTable
	SectionEhFrame
)

func (k SectionKind) String() string {
	switch k {
	case SectionText:
		return "Text"
	case SectionRodata:
		return "Rodata"
	case SectionData:
		return "Data"
	case SectionBss:
		return "Bss"
	case SectionTlsData:
		return "TlsData"
	case SectionTlsBss:
		return "TlsBss"
	case SectionGccExceptTable:
		return "GccExceptTable"
	case SectionEhFrame:
		return "EhFrame"
	default:
		return "Unknown"
	}
}

// PermClass is the memory-permission class a SectionKind maps to.
type PermClass uint8

const (
	// PermRX is read+execute: text sections.
	PermRX PermClass = iota
	// PermRO is read-only: rodata, TLS initializer data (never written
	// at runtime through its own section, only copied per-thread),
	// gcc_except_table, and eh_frame.
	PermRO
	// PermRW is read+write: data and bss sections.
	PermRW
)

func (p PermClass) String() string {
	switch p {
	case PermRX:
		return "R-X"
	case PermRO:
		return "R--"
	default:
		return "RW-"
	}
}

// Perm returns the memory-permission class for k.
func (k SectionKind) Perm() PermClass {
	switch k {
	case SectionText:
		return PermRX
	case SectionData, SectionBss, SectionTlsBss:
		return PermRW
	default:
		return PermRO
	}
}

// IsDataOrBss reports whether k is one of the writable data kinds that
// participate in swap-time state transfer (spec §4.5.3b).
func (k SectionKind) IsDataOrBss() bool {
	return k == SectionData || k == SectionBss || k == SectionTlsData || k == SectionTlsBss
}

// IsZeroFill reports whether sections of this kind are zero-initialized
// on disk (no bytes to copy, just bytes to clear).
func (k SectionKind) IsZeroFill() bool {
	return k == SectionBss || k == SectionTlsBss
}

// sectionKindPrefixes is checked in order; the first match wins, and
// longer/more specific prefixes are listed first so e.g. ".tdata" is
// classified as TlsData rather than falling through to a ".data" rule
// that doesn't exist here anyway (ELF section names don't nest that
// way, but this keeps the table self-documenting).
var sectionKindPrefixes = []struct {
	prefix string
	kind   SectionKind
}{
	{".text", SectionText},
	{".rodata", SectionRodata},
	{".tdata", SectionTlsData},
	{".tbss", SectionTlsBss},
	{".data", SectionData},
	{".bss", SectionBss},
	{".gcc_except_table", SectionGccExceptTable},
	{".eh_frame", SectionEhFrame},
}

// dataRelRoPrefix is stripped for symbol-name purposes per spec §6: a
// compiler may emit read-only-after-relocation data in a
// ".data.rel.ro.<name>" section, which still holds read-only
// initialized data once relocations have been applied.
const dataRelRoPrefix = ".data.rel.ro."

// ClassifySectionName maps an ELF section name to a SectionKind,
// stripping a leading ".data.rel.ro." prefix first. It returns
// SectionUnknown (and false) if the name doesn't match any known
// prefix; callers should skip such sections rather than load them,
// unless they are debug sections being loaded for a separate reason.
func ClassifySectionName(name string) (SectionKind, bool) {
	name = strings.TrimPrefix(name, dataRelRoPrefix)
	for _, e := range sectionKindPrefixes {
		if strings.HasPrefix(name, e.prefix) {
			return e.kind, true
		}
	}
	return SectionUnknown, false
}

// CrateCategory is the namespace category encoded by the single-
// character prefix of a crate object file's basename (spec §6).
type CrateCategory byte

const (
	CategoryKernel      CrateCategory = 'k'
	CategoryApplication CrateCategory = 'a'
	CategoryUser        CrateCategory = 'u'
	CategoryExecutable  CrateCategory = 'e'
)

func (c CrateCategory) String() string {
	switch c {
	case CategoryKernel:
		return "kernel"
	case CategoryApplication:
		return "application"
	case CategoryUser:
		return "user"
	case CategoryExecutable:
		return "executable"
	default:
		return fmt.Sprintf("unknown(%c)", byte(c))
	}
}

// Valid reports whether c is one of the four recognized categories.
func (c CrateCategory) Valid() bool {
	switch c {
	case CategoryKernel, CategoryApplication, CategoryUser, CategoryExecutable:
		return true
	default:
		return false
	}
}

// ParsedCrateFilename is the result of parsing an object file basename
// of the form "<prefix>#<crate_name>-<hash>.o" (spec §6).
type ParsedCrateFilename struct {
	Category       CrateCategory
	CrateName      string // e.g. "my_crate"
	Hash           string // e.g. "7f3a9c21"
	NameWithHash   string // "my_crate-7f3a9c21", i.e. CrateName + "-" + Hash
	NameNoHash     string // alias of CrateName, kept for symmetry with symbol parsing
}

// ParseCrateFilename parses an object file basename of the form
// "<prefix>#<crate_name>-<hash>.o", recovered from
// CrateType::from_module_name in the Theseus sources (SPEC_FULL.md
// supplemented feature #2; spec.md §6 only describes the format in
// prose).
func ParseCrateFilename(basename string) (ParsedCrateFilename, error) {
	var p ParsedCrateFilename
	name := strings.TrimSuffix(basename, ".o")
	if name == basename {
		return p, fmt.Errorf("obj: crate object filename %q doesn't end in .o", basename)
	}

	hashIdx := strings.Index(name, "#")
	if hashIdx < 0 {
		return p, fmt.Errorf("obj: crate object filename %q has no '#' namespace-tag separator", basename)
	}
	prefix := name[:hashIdx]
	if len(prefix) != 1 {
		return p, fmt.Errorf("obj: crate object filename %q has a multi-character namespace prefix %q", basename, prefix)
	}
	category := CrateCategory(prefix[0])
	if !category.Valid() {
		return p, fmt.Errorf("obj: crate object filename %q has unrecognized namespace prefix %q", basename, prefix)
	}

	rest := name[hashIdx+1:]
	dashIdx := strings.LastIndex(rest, "-")
	if dashIdx < 0 {
		return p, fmt.Errorf("obj: crate object filename %q is missing a '-<hash>' suffix", basename)
	}
	crateName, hash := rest[:dashIdx], rest[dashIdx+1:]
	if crateName == "" || hash == "" {
		return p, fmt.Errorf("obj: crate object filename %q has an empty crate name or hash", basename)
	}

	p.Category = category
	p.CrateName = crateName
	p.Hash = hash
	p.NameWithHash = rest
	p.NameNoHash = crateName
	return p, nil
}

// ParsedSymbolName is the result of parsing a crate-qualified symbol
// name of the form "<crate>::<path>::<name>::h<hash>" (spec §6).
type ParsedSymbolName struct {
	Crate string
	Path  string // everything between crate and the leaf name, "" if none
	Name  string
	Hash  string // without the leading 'h'
}

// ParseSymbolName parses a fully-qualified hashed crate symbol name. It
// requires at least "<crate>::<name>::h<hash>"; the two outer
// components are mandatory and everything in between becomes Path.
func ParseSymbolName(sym string) (ParsedSymbolName, error) {
	var p ParsedSymbolName
	parts := strings.Split(sym, "::")
	if len(parts) < 3 {
		return p, fmt.Errorf("obj: symbol name %q doesn't have the <crate>::...::<name>::h<hash> shape", sym)
	}
	hashPart := parts[len(parts)-1]
	if !strings.HasPrefix(hashPart, "h") {
		return p, fmt.Errorf("obj: symbol name %q doesn't end in an 'h<hash>' component", sym)
	}
	p.Crate = parts[0]
	p.Name = parts[len(parts)-2]
	p.Hash = strings.TrimPrefix(hashPart, "h")
	if mid := parts[1 : len(parts)-2]; len(mid) > 0 {
		p.Path = strings.Join(mid, "::")
	}
	return p, nil
}

// NameWithoutHash returns sym with its trailing "::h<hash>" component
// removed, e.g. for the fuzzy-prefix matching spec §4.3/§4.6 describe
// (get_symbol_starting_with): two builds of the same symbol differ only
// in their hash suffix.
func NameWithoutHash(sym string) string {
	idx := strings.LastIndex(sym, "::h")
	if idx < 0 {
		return sym
	}
	return sym[:idx]
}
