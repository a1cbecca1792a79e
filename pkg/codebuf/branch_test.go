package codebuf

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func TestAMD64PatchBranch(t *testing.T) {
	code := make([]byte, 256)
	asm := NewAssembler(code)
	asm.Nop()
	at := asm.JmpPatchable()
	if (at+1)&3 != 0 {
		t.Fatalf("jmp displacement at 0x%x is not 4-byte aligned", at+1)
	}

	p := AMD64Patcher{}
	for _, target := range []int{0, at, at + 5, 200} {
		if err := p.PatchBranch(code, at, target); err != nil {
			t.Fatalf("PatchBranch(0x%x, 0x%x): %v", at, target, err)
		}
		got, err := p.BranchTarget(code, at)
		if err != nil {
			t.Fatalf("BranchTarget: %v", err)
		}
		if got != target {
			t.Errorf("BranchTarget = 0x%x, want 0x%x", got, target)
		}

		inst, err := x86asm.Decode(code[at:], 64)
		if err != nil {
			t.Fatalf("decode patched jmp: %v", err)
		}
		if inst.Op != x86asm.JMP || inst.Len != 5 {
			t.Fatalf("decoded %v (len %d), want 5-byte JMP", inst, inst.Len)
		}
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			t.Fatalf("jmp operand %T, want Rel", inst.Args[0])
		}
		if at+inst.Len+int(rel) != target {
			t.Errorf("decoded target 0x%x, want 0x%x", at+inst.Len+int(rel), target)
		}
	}
}

func TestAMD64BranchTargetRejectsOtherOpcodes(t *testing.T) {
	code := []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
	if _, err := (AMD64Patcher{}).BranchTarget(code, 0); err == nil {
		t.Fatal("expected error decoding a nop as jmp")
	}
	if err := (AMD64Patcher{}).PatchBranch(code, 3, 0); err == nil {
		t.Fatal("expected error patching past the end of code")
	}
}

func TestARM64PatchBranch(t *testing.T) {
	code := make([]byte, 64)
	p := ARM64Patcher{}

	tests := []struct {
		at, target int
	}{
		{0, 32},
		{32, 0},
		{16, 16},
		{60, 4},
	}
	for _, tt := range tests {
		if err := p.PatchBranch(code, tt.at, tt.target); err != nil {
			t.Fatalf("PatchBranch(%d, %d): %v", tt.at, tt.target, err)
		}
		got, err := p.BranchTarget(code, tt.at)
		if err != nil {
			t.Fatalf("BranchTarget(%d): %v", tt.at, err)
		}
		if got != tt.target {
			t.Errorf("BranchTarget(%d) = %d, want %d", tt.at, got, tt.target)
		}
	}

	if err := p.PatchBranch(code, 2, 8); err == nil {
		t.Error("expected misaligned branch to be rejected")
	}
}

func TestARM64BranchRange(t *testing.T) {
	p := ARM64Patcher{}
	code := make([]byte, 8)
	if err := p.PatchBranch(code, 0, 128<<20); err == nil {
		t.Error("expected a 128MiB forward branch to be out of range")
	}
}

func TestPatcherFor(t *testing.T) {
	for arch, size := range map[string]int{"amd64": 5, "arm64": 4} {
		p, err := PatcherFor(arch)
		if err != nil {
			t.Fatalf("PatcherFor(%s): %v", arch, err)
		}
		if p.BranchSize() != size {
			t.Errorf("%s branch size = %d, want %d", arch, p.BranchSize(), size)
		}
	}
	if _, err := PatcherFor("mips"); err == nil {
		t.Error("expected no patcher for mips")
	}
}
