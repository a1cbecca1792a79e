package codebuf

import (
	"encoding/binary"
)

// Reg is an x86-64 general purpose register number as encoded in ModR/M
// and REX.B
type Reg byte

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

func (r Reg) low() byte { return byte(r) & 7 }
func (r Reg) ext() bool { return r >= R8 }

// Assembler writes the block glue: trampoline pushes and pops, patchable
// exits, traps. Guest instruction bodies come from the frontend.
type Assembler struct {
	out []byte
	pos int
}

func NewAssembler(out []byte) *Assembler {
	return &Assembler{out: out}
}

// Offset is the number of bytes written so far
func (a *Assembler) Offset() int {
	return a.pos
}

func (a *Assembler) put(b ...byte) {
	a.pos += copy(a.out[a.pos:], b)
}

// rexB emits REX.B when rm is one of R8-R15
func (a *Assembler) rexB(rm Reg) {
	if rm.ext() {
		a.put(0x41)
	}
}

// MovRegReg: mov dst, src (64-bit)
func (a *Assembler) MovRegReg(dst, src Reg) {
	prefix := byte(0x48)
	if src.ext() {
		prefix |= 0x04
	}
	if dst.ext() {
		prefix |= 0x01
	}
	a.put(prefix, 0x89, 0xC0|src.low()<<3|dst.low())
}

// JmpRel32: jmp rel32, relative to the end of the instruction
func (a *Assembler) JmpRel32(rel int32) {
	a.put(0xE9, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(a.out[a.pos-4:], uint32(rel))
}

// JmpPatchable emits a jmp rel32 whose displacement is 4-byte aligned so it
// can be rewritten atomically, falling through to the next instruction until
// it is patched. Returns the offset of the jmp.
func (a *Assembler) JmpPatchable() int {
	for (a.pos+1)&3 != 0 {
		a.Nop()
	}
	at := a.pos
	a.JmpRel32(0)
	return at
}

// JmpReg: jmp *reg
func (a *Assembler) JmpReg(r Reg) {
	a.rexB(r)
	a.put(0xFF, 0xE0|r.low())
}

func (a *Assembler) Push(r Reg) {
	a.rexB(r)
	a.put(0x50 | r.low())
}

func (a *Assembler) Pop(r Reg) {
	a.rexB(r)
	a.put(0x58 | r.low())
}

func (a *Assembler) Ret() { a.put(0xC3) }
func (a *Assembler) Nop() { a.put(0x90) }

// Int3 is the trap a frontend plants where a breakpoint stops translation
func (a *Assembler) Int3() { a.put(0xCC) }
