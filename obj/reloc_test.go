// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package obj

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

// TestRelocTypeSizeMatchesX86asm cross-checks elfRelocsX86_64's PLT32
// size against a real x86-64 CALL rel32 encoding decoded by x86asm,
// since the loader writes exactly Size() bytes at a relocation site
// and x86asm's operand width is the ground truth for what the CPU
// will actually read.
func TestRelocTypeSizeMatchesX86asm(t *testing.T) {
	typ := makeRelocType(rcElfX86_64, uint32(elf.R_X86_64_PLT32))
	if got := typ.Size(); got != 4 {
		t.Fatalf("R_X86_64_PLT32 size = %d, want 4", got)
	}

	// call rel32: E8 <4-byte little-endian displacement, relative to
	// the address of the next instruction>.
	const pc = 0x1000
	const target = 0x2000
	const instLen = 5 // opcode + 4-byte operand
	disp := int32(target - (pc + instLen))

	code := make([]byte, instLen)
	code[0] = 0xE8
	binary.LittleEndian.PutUint32(code[1:], uint32(disp))

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		t.Fatalf("x86asm.Decode: %v", err)
	}
	if inst.Op != x86asm.CALL {
		t.Fatalf("decoded op = %v, want CALL", inst.Op)
	}
	if inst.Len != instLen {
		t.Fatalf("decoded length = %d, want %d", inst.Len, instLen)
	}
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		t.Fatalf("Args[0] is %T, want x86asm.Rel", inst.Args[0])
	}
	if int32(rel) != disp {
		t.Fatalf("decoded displacement = %d, want %d", int32(rel), disp)
	}

	resolved := uint64(int64(pc) + int64(inst.Len) + int64(rel))
	if resolved != target {
		t.Fatalf("resolved call target = %#x, want %#x", resolved, target)
	}
}
