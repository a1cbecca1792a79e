package codebuf

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Patcher rewrites the direct branches that chain one block to another. It is
// the only code that knows how a host encodes a jump; everything else treats
// generated code as opaque bytes.
type Patcher interface {
	PatchBranch(code []byte, at, target int) error
	BranchTarget(code []byte, at int) (int, error)
	BranchSize() int
}

// PatcherFor returns the branch patcher for a host architecture
func PatcherFor(arch string) (Patcher, error) {
	switch arch {
	case "amd64", "386":
		return AMD64Patcher{}, nil
	case "arm64":
		return ARM64Patcher{}, nil
	default:
		return nil, fmt.Errorf("no branch patcher for host architecture %q", arch)
	}
}

// AMD64Patcher patches "jmp rel32" (E9 xx xx xx xx)
type AMD64Patcher struct{}

const (
	amd64JmpOpcode = 0xE9
	amd64JmpSize   = 5
)

func (AMD64Patcher) BranchSize() int { return amd64JmpSize }

func (AMD64Patcher) PatchBranch(code []byte, at, target int) error {
	if at < 0 || at+amd64JmpSize > len(code) {
		return fmt.Errorf("jmp at 0x%x outside code", at)
	}
	rel := int64(target) - int64(at+amd64JmpSize)
	if rel < -1<<31 || rel >= 1<<31 {
		return fmt.Errorf("jmp 0x%x -> 0x%x out of rel32 range", at, target)
	}
	if code[at] != amd64JmpOpcode {
		code[at] = amd64JmpOpcode
	}
	disp := code[at+1 : at+amd64JmpSize]
	// An aligned displacement is swapped in one store so a CPU running the
	// old block sees either the old or the new target, never a mix.
	if uintptr(unsafe.Pointer(&disp[0]))&3 == 0 {
		atomic.StoreUint32((*uint32)(unsafe.Pointer(&disp[0])), uint32(int32(rel)))
		return nil
	}
	binary.LittleEndian.PutUint32(disp, uint32(int32(rel)))
	return nil
}

func (AMD64Patcher) BranchTarget(code []byte, at int) (int, error) {
	if at < 0 || at+amd64JmpSize > len(code) {
		return 0, fmt.Errorf("jmp at 0x%x outside code", at)
	}
	if code[at] != amd64JmpOpcode {
		return 0, fmt.Errorf("no jmp rel32 at 0x%x (opcode 0x%02x)", at, code[at])
	}
	rel := int32(binary.LittleEndian.Uint32(code[at+1:]))
	return at + amd64JmpSize + int(rel), nil
}

// ARM64Patcher patches "b imm26"
type ARM64Patcher struct{}

const (
	arm64BOpcode   = 0x14000000
	arm64BMask     = 0xFC000000
	arm64Imm26Mask = 0x03FFFFFF
	arm64InsnSize  = 4
)

func (ARM64Patcher) BranchSize() int { return arm64InsnSize }

func (ARM64Patcher) PatchBranch(code []byte, at, target int) error {
	if at < 0 || at+arm64InsnSize > len(code) {
		return fmt.Errorf("b at 0x%x outside code", at)
	}
	if at&3 != 0 || target&3 != 0 {
		return fmt.Errorf("b 0x%x -> 0x%x is not instruction aligned", at, target)
	}
	words := int64(target-at) >> 2
	if words < -1<<25 || words >= 1<<25 {
		return fmt.Errorf("b 0x%x -> 0x%x out of imm26 range", at, target)
	}
	insn := uint32(arm64BOpcode) | uint32(words)&arm64Imm26Mask
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&code[at])), insn)
	return nil
}

func (ARM64Patcher) BranchTarget(code []byte, at int) (int, error) {
	if at < 0 || at+arm64InsnSize > len(code) {
		return 0, fmt.Errorf("b at 0x%x outside code", at)
	}
	insn := binary.LittleEndian.Uint32(code[at:])
	if insn&arm64BMask != arm64BOpcode {
		return 0, fmt.Errorf("no b imm26 at 0x%x (insn 0x%08x)", at, insn)
	}
	// sign-extend imm26
	words := int32(insn<<6) >> 6
	return at + int(words)*4, nil
}
