package codebuf

import "fmt"

// PrologueLayout locates the trampoline inside the prologue region. Entry is
// called as entry(env, code) with the System V ABI; Exit is where every block
// returns to, with its exit value in RAX.
type PrologueLayout struct {
	Entry int
	Exit  int
}

var calleeSaved = []Reg{RBP, RBX, R12, R13, R14, R15}

// EnvReg holds the CPU state pointer while generated code runs
const EnvReg = R14

// EmitPrologue writes the entry/exit trampoline into the reserved region
func (b *Buffer) EmitPrologue() (PrologueLayout, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.arch != "amd64" {
		return PrologueLayout{}, fmt.Errorf("no prologue generator for %s", b.arch)
	}

	asm := NewAssembler(b.mem[b.prologueOff:])
	layout := PrologueLayout{Entry: b.prologueOff}

	for _, r := range calleeSaved {
		asm.Push(r)
	}
	// keep the stack 16-byte aligned across helper calls
	asm.Push(RAX)
	asm.MovRegReg(EnvReg, RDI)
	asm.JmpReg(RSI)

	layout.Exit = b.prologueOff + asm.Offset()
	asm.Pop(RCX)
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		asm.Pop(calleeSaved[i])
	}
	asm.Ret()

	b.prologue = layout
	return layout, nil
}

// Trampoline returns the layout recorded by EmitPrologue
func (b *Buffer) Trampoline() PrologueLayout {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prologue
}
