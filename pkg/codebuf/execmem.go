package codebuf

import (
	"fmt"
	"sync"
	"unsafe"

	"dbt/pkg/constants"
)

// Buffer is the single executable region holding all generated host code.
// The last CodeGenPrologueSize bytes are reserved for the entry/exit
// trampoline; blocks are bump-allocated from the start.
type Buffer struct {
	mem         []byte
	prologueOff int // start of the prologue region
	usable      int // a new block may start below this offset
	used        int
	arch        string
	patcher     Patcher
	prologue    PrologueLayout
	mu          sync.Mutex
}

// New reserves size bytes of writable and executable memory. The caller
// treats an error as fatal: there is nowhere else to put generated code.
func New(size uint64, arch string) (*Buffer, error) {
	if size < constants.MinCodeGenBufferSize {
		return nil, fmt.Errorf("code buffer size 0x%x below minimum 0x%x", size, constants.MinCodeGenBufferSize)
	}
	if limit := MaxFor(arch); size > limit {
		return nil, fmt.Errorf("code buffer size 0x%x exceeds branch range 0x%x for %s", size, limit, arch)
	}
	patcher, err := PatcherFor(arch)
	if err != nil {
		return nil, err
	}

	mem, err := mapExec(int(size))
	if err != nil {
		return nil, fmt.Errorf("failed to mmap code buffer: %w", err)
	}

	prologueOff := len(mem) - constants.CodeGenPrologueSize
	return &Buffer{
		mem:         mem,
		prologueOff: prologueOff,
		usable:      prologueOff - constants.CodeGenMaxBlockSize,
		arch:        arch,
		patcher:     patcher,
	}, nil
}

// Reserve returns the offset of the next block and the bytes it may fill.
// Nothing is consumed until Commit.
func (b *Buffer) Reserve() (int, []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	end := b.used + constants.CodeGenMaxBlockSize
	if end > b.prologueOff {
		end = b.prologueOff
	}
	return b.used, b.mem[b.used:end]
}

// Commit marks n bytes at off as used and aligns the cursor for the next block
func (b *Buffer) Commit(off, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if off != b.used {
		panic(fmt.Sprintf("codebuf: commit at 0x%x but cursor is at 0x%x", off, b.used))
	}
	if off+n > b.prologueOff {
		panic(fmt.Sprintf("codebuf: block at 0x%x size %d overruns prologue at 0x%x", off, n, b.prologueOff))
	}
	b.used = alignUp(off+n, constants.CodeGenAlign)
}

// Rewind discards everything from off onwards. Only the most recent block
// can be given back.
func (b *Buffer) Rewind(off int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if off < 0 || off > b.used {
		panic(fmt.Sprintf("codebuf: rewind to 0x%x outside [0, 0x%x]", off, b.used))
	}
	b.used = off
}

// Full reports that no further block is guaranteed to fit
func (b *Buffer) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used > b.usable
}

// Reset clears the used counter, allowing memory to be reused
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used = 0
}

// Used returns the amount of memory currently in use
func (b *Buffer) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Capacity returns the bytes available to blocks, excluding the prologue
func (b *Buffer) Capacity() int {
	return b.prologueOff
}

// Usable returns the offset past which no new block is started
func (b *Buffer) Usable() int {
	return b.usable
}

// Arch returns the host architecture the buffer patches branches for
func (b *Buffer) Arch() string {
	return b.arch
}

// BaseAddress returns the host address of the first byte
func (b *Buffer) BaseAddress() uintptr {
	if len(b.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.mem[0]))
}

// Addr converts a buffer offset into a host code address
func (b *Buffer) Addr(off int) uintptr {
	return b.BaseAddress() + uintptr(off)
}

// Offset converts a host code address back into a buffer offset
func (b *Buffer) Offset(addr uintptr) (int, bool) {
	base := b.BaseAddress()
	if addr < base || addr >= base+uintptr(len(b.mem)) {
		return 0, false
	}
	return int(addr - base), true
}

// Bytes returns a view of n bytes at off
func (b *Buffer) Bytes(off, n int) []byte {
	if off < 0 || n < 0 || off+n > len(b.mem) {
		return nil
	}
	return b.mem[off : off+n : off+n]
}

// Prologue returns the reserved trampoline region
func (b *Buffer) Prologue() []byte {
	return b.mem[b.prologueOff:]
}

// PrologueOffset returns the offset of the trampoline region
func (b *Buffer) PrologueOffset() int {
	return b.prologueOff
}

// PatchBranch rewrites the direct branch at offset at to land on target
func (b *Buffer) PatchBranch(at, target int) error {
	if at < 0 || target < 0 || at >= len(b.mem) || target >= len(b.mem) {
		return fmt.Errorf("codebuf: branch 0x%x -> 0x%x outside buffer", at, target)
	}
	return b.patcher.PatchBranch(b.mem, at, target)
}

// BranchTarget decodes the direct branch at offset at
func (b *Buffer) BranchTarget(at int) (int, error) {
	return b.patcher.BranchTarget(b.mem, at)
}

// BranchSize returns the byte length of a patchable branch on this host
func (b *Buffer) BranchSize() int {
	return b.patcher.BranchSize()
}

// Free releases the executable memory
func (b *Buffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mem == nil {
		return nil
	}
	err := unmapExec(b.mem)
	b.mem = nil
	b.used = 0
	return err
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
