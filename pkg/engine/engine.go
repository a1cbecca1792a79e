package engine

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"dbt/pkg/codebuf"
	"dbt/pkg/config"
	"dbt/pkg/constants"
	"dbt/pkg/physmem"
	"dbt/pkg/ram"
	"dbt/pkg/tb"
)

var Logger = log.Default()

// ErrResume aborts a store that modified the block executing on the storing
// CPU. The executor must leave the block and return ExitResume; the store is
// replayed by a single-instruction block.
var ErrResume = errors.New("current block modified, resume from the faulting instruction")

// Frontend is the guest instruction set: it decodes and emits blocks.
type Frontend interface {
	// CodePhysAddr translates a guest virtual pc to a guest physical address
	// for instruction fetch.
	CodePhysAddr(cpu *CPU, pc uint64) (uint64, error)

	// Generate emits host code for b into out, starting at guest b.PC and
	// honouring the instruction limit in b.CFlags. It sets b.Size and the
	// jump slot offsets and returns the host bytes written.
	Generate(cpu *CPU, b *tb.Block, out []byte) (int, error)

	// RestoreState recovers the guest state of the instruction inside b that
	// is executing on cpu and returns the key to resume it from.
	RestoreState(cpu *CPU, b *tb.Block) (tb.Key, error)
}

// Engine ties the code buffer, the block cache and the physical address
// space together. mu is the memory map lock: every change to the cache or
// the code buffer happens under it. It is never held while guest code runs.
type Engine struct {
	mu    sync.Mutex
	cfg   config.Config
	fe    Frontend
	code  *codebuf.Buffer
	cache *tb.Cache
	ram   *ram.List
	mem   *physmem.Memory

	cpus         []*CPU
	generation   uint64 // bumped by every flush
	replacements int
}

// New brings up the core. Any error here is fatal to the caller: without a
// code buffer or guest RAM nothing can run.
func New(cfg config.Config, fe Frontend) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	size := codebuf.SizeFor(cfg.CodeGenBufferSize, cfg.RAMSize, cfg.HostArch)
	code, err := codebuf.New(size, cfg.HostArch)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate code buffer: %w", err)
	}
	if _, err := code.EmitPrologue(); err != nil {
		Logger.Printf("engine: %v, executor must provide its own entry", err)
	}
	Logger.Printf("engine: code buffer 0x%x bytes at 0x%x for %s", size, code.BaseAddress(), cfg.HostArch)

	rl := ram.NewList(cfg.MemPath, cfg.MemPrealloc)
	e := &Engine{
		cfg:  cfg,
		fe:   fe,
		code: code,
		ram:  rl,
		mem:  physmem.New(rl),
	}
	e.cache = tb.New(code, tb.Options{
		MaxBlocks:    codebuf.MaxBlocks(size),
		SMCThreshold: cfg.SMCBitmapThreshold,
		Protector:    codeProtector{rl},
	})
	e.mem.SetCodeWatcher(e)

	if cfg.RAMSize > 0 {
		off, err := e.AllocRAM("pc.ram", cfg.RAMSize, nil)
		if err != nil {
			code.Free()
			return nil, err
		}
		err = e.mem.Register(physmem.Region{Start: 0, Size: cfg.RAMSize, Kind: physmem.KindRAM, RAMOffset: off})
		if err != nil {
			code.Free()
			return nil, fmt.Errorf("failed to map guest ram: %w", err)
		}
	}
	return e, nil
}

// Close releases the code buffer and every RAM block
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for _, b := range e.ram.Blocks() {
		if err := e.ram.Free(b.Offset); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.code.Free(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (e *Engine) Memory() *physmem.Memory { return e.mem }
func (e *Engine) RAM() *ram.List          { return e.ram }
func (e *Engine) Cache() *tb.Cache        { return e.cache }
func (e *Engine) Code() *codebuf.Buffer   { return e.code }

// AllocRAM adds a RAM block and returns its offset. The block is not visible
// to the guest until it is registered in the physical address space.
func (e *Engine) AllocRAM(name string, size uint64, host []byte) (uint64, error) {
	off, err := e.ram.Alloc(name, size, host)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate ram block %q: %w", name, err)
	}
	return off, nil
}

// FreeRAM drops the RAM block at offset and every block translated from it
func (e *Engine) FreeRAM(offset uint64) error {
	blk, ok := e.ram.BlockOf(offset)
	if !ok || blk.Offset != offset {
		return fmt.Errorf("no ram block at offset 0x%x", offset)
	}

	e.mu.Lock()
	e.cache.InvalidateRange(blk.Offset, blk.Offset+blk.Length, tb.NoTB, false)
	e.mu.Unlock()

	return e.ram.Free(offset)
}

// Flush drops every translated block
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked("requested")
}

func (e *Engine) flushLocked(reason string) {
	n := e.cache.Stats().Blocks
	e.cache.Flush()
	e.generation++
	Logger.Printf("engine: flushed %d blocks (%s)", n, reason)
}

// Stats summarises the engine
type Stats struct {
	tb.Stats
	CodeCapacity int
	RAMBytes     uint64
	CPUs         int
	Replacements int // single-instruction blocks run and discarded
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		Stats:        e.cache.Stats(),
		CodeCapacity: e.code.Capacity(),
		CPUs:         len(e.cpus),
		Replacements: e.replacements,
	}
	for _, b := range e.ram.Blocks() {
		s.RAMBytes += b.Length
	}
	return s
}

// codeProtector routes writes to RAM pages holding code through the
// not-dirty slot by clearing their code flag.
type codeProtector struct {
	ram *ram.List
}

func (p codeProtector) ProtectCode(page uint64) {
	p.ram.ClearDirtyFlags(page, constants.CodeDirtyFlag)
}

func (p codeProtector) UnprotectCode(page uint64) {
	p.ram.SetDirtyFlags(page, constants.CodeDirtyFlag)
}
