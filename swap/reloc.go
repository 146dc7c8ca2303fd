// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swap

import (
	"debug/elf"
	"fmt"

	"github.com/crateos/liveupdate/arch"
	"github.com/crateos/liveupdate/mapper"
	"github.com/crateos/liveupdate/metadata"
)

// retargetRelocation rewrites the bytes target's backing memory holds
// for reloc so they now resolve against newSource instead of whatever
// section reloc previously pointed at (spec §4.5 step 3c: "rewrite
// relocation at target.start+relocation.offset using new source
// section's address"). It temporarily remaps target's backing pages
// writable if they aren't already, restoring the original permission
// afterward -- published regions are ordinarily read-only or
// read-execute by the time a swap runs, mirroring the loader's own
// write-then-tighten discipline for the same reason.
//
// This duplicates loader.applyOneRelocation's switch rather than
// sharing it, because the loader's version resolves a *symbol* out of
// an ELF object (obj.Sym, obj.Reloc) where this one only ever has the
// already-resolved metadata.RelocationEntry recorded at load time --
// the two have no common input type to factor a helper over without
// one package importing the other's internals.
func retargetRelocation(target *metadata.LoadedSection, reloc metadata.RelocationEntry, newSource *metadata.LoadedSection) error {
	pages := target.Pages
	original := pages.Flags()
	if !original.Writable {
		pages.Remap(mapper.ReadWrite())
		defer pages.Remap(original)
	}

	writeOffset := target.Offset + reloc.Offset
	runtimeAddr := target.Start + reloc.Offset

	buf, err := pages.AsSliceMut(writeOffset, 8)
	if err != nil {
		buf, err = pages.AsSliceMut(writeOffset, 4)
		if err != nil {
			return fmt.Errorf("swap: %w", err)
		}
	}

	layout := arch.AMD64.Layout
	switch elf.R_X86_64(reloc.Type) {
	case elf.R_X86_64_64:
		layout.PutUint64(buf[:8], uint64(int64(newSource.Start)+reloc.Addend))
	case elf.R_X86_64_32, elf.R_X86_64_32S:
		layout.PutUint32(buf[:4], uint32(int64(newSource.Start)+reloc.Addend))
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		layout.PutUint32(buf[:4], uint32(int64(newSource.Start)+reloc.Addend-int64(runtimeAddr)))
	case elf.R_X86_64_TPOFF32:
		// See loader.applyOneRelocation: this module models a TLS
		// relocation's value as the source section's own backing
		// offset rather than a real per-task TLS block offset, since
		// task scheduling is out of scope.
		layout.PutUint32(buf[:4], uint32(newSource.Offset))
	default:
		return fmt.Errorf("swap: unsupported relocation type %d during retarget", reloc.Type)
	}
	return nil
}
