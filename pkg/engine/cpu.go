package engine

import (
	"fmt"
	"sync"

	"dbt/pkg/constants"
	"dbt/pkg/physmem"
	"dbt/pkg/tb"
)

// SMCState tracks a CPU through the replacement of a block it modified
type SMCState int

const (
	SMCNormal SMCState = iota
	// a store hit the executing block; the block has been abandoned and the
	// faulting instruction waits to be replayed
	SMCInvalidatingCurrent
	// the single-instruction replacement block is running
	SMCReplacingCurrent
)

func (s SMCState) String() string {
	switch s {
	case SMCNormal:
		return "normal"
	case SMCInvalidatingCurrent:
		return "invalidating-current"
	case SMCReplacingCurrent:
		return "replacing-current"
	default:
		return fmt.Sprintf("SMCState(%d)", int(s))
	}
}

// CPU is one virtual CPU as seen by the core. The guest register file lives
// in State and belongs to the frontend. PC, CSBase and Flags form the key of
// the next block to run.
type CPU struct {
	Index  int
	State  any
	PC     uint64
	CSBase uint64
	Flags  uint32

	jc    *tb.JumpCache
	watch *physmem.WatchList

	current *tb.Block
	smc     SMCState
	replay  tb.Key

	mu          sync.Mutex
	breakpoints []uint64
	singleStep  bool

	exitRequest ExitReason
	watchReplay bool
}

// NewCPU creates a CPU and registers its jump cache and watch list
func (e *Engine) NewCPU(state any) (*CPU, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.cpus) >= e.cfg.MaxCPUs {
		return nil, fmt.Errorf("cpu limit %d reached", e.cfg.MaxCPUs)
	}
	cpu := &CPU{
		Index: len(e.cpus),
		State: state,
		jc:    tb.NewJumpCache(),
		watch: physmem.NewWatchList(),
	}
	e.cache.RegisterJumpCache(cpu.jc)
	e.mem.AttachWatchList(cpu.watch)
	e.cpus = append(e.cpus, cpu)
	return cpu, nil
}

// RemoveCPU unregisters cpu from the cache and the address space
func (e *Engine) RemoveCPU(cpu *CPU) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, c := range e.cpus {
		if c == cpu {
			e.cpus = append(e.cpus[:i], e.cpus[i+1:]...)
			break
		}
	}
	e.cache.UnregisterJumpCache(cpu.jc)
	e.mem.DetachWatchList(cpu.watch)
}

// WatchList makes a CPU a physmem.Initiator
func (c *CPU) WatchList() *physmem.WatchList {
	return c.watch
}

func (c *CPU) Key() tb.Key {
	return tb.Key{PC: c.PC, CSBase: c.CSBase, Flags: c.Flags}
}

func (c *CPU) setKey(k tb.Key) {
	c.PC, c.CSBase, c.Flags = k.PC, k.CSBase, k.Flags
}

// Current returns the block executing on c, if any
func (c *CPU) Current() *tb.Block {
	return c.current
}

func (c *CPU) SMCState() SMCState {
	return c.smc
}

// HasBreakpoint is asked by the frontend while translating pc
func (c *CPU) HasBreakpoint(pc uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, bp := range c.breakpoints {
		if bp == pc {
			return true
		}
	}
	return false
}

func (c *CPU) Breakpoints() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.breakpoints...)
}

// SingleStep reports whether every block must hold one instruction
func (c *CPU) SingleStep() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.singleStep
}

// RequestExit asks the execution loop to stop with reason once the running
// block returns. Executors poll ExitRequested between instructions.
func (c *CPU) RequestExit(reason ExitReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exitRequest = reason
}

func (c *CPU) ExitRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitRequest != ExitNext
}

func (c *CPU) takeExitRequest() ExitReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.exitRequest
	c.exitRequest = ExitNext
	return r
}

// FlushPage forgets cpu's cached lookups of blocks that may start in the
// virtual page of vaddr. Frontends call it when the guest changes the
// mapping of that page.
func (e *Engine) FlushPage(cpu *CPU, vaddr uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cpu.jc.ClearPage(vaddr &^ (constants.TargetPageSize - 1))
}

// InsertBreakpoint makes the next translation of pc trap. Any block already
// covering pc is invalidated.
func (e *Engine) InsertBreakpoint(cpu *CPU, pc uint64) error {
	cpu.mu.Lock()
	for _, bp := range cpu.breakpoints {
		if bp == pc {
			cpu.mu.Unlock()
			return nil
		}
	}
	cpu.breakpoints = append(cpu.breakpoints, pc)
	cpu.mu.Unlock()

	return e.invalidatePC(cpu, pc)
}

func (e *Engine) RemoveBreakpoint(cpu *CPU, pc uint64) error {
	cpu.mu.Lock()
	found := false
	for i, bp := range cpu.breakpoints {
		if bp == pc {
			cpu.breakpoints = append(cpu.breakpoints[:i], cpu.breakpoints[i+1:]...)
			found = true
			break
		}
	}
	cpu.mu.Unlock()

	if !found {
		return fmt.Errorf("no breakpoint at 0x%x", pc)
	}
	return e.invalidatePC(cpu, pc)
}

// invalidatePC evicts the blocks covering the instruction at pc
func (e *Engine) invalidatePC(cpu *CPU, pc uint64) error {
	phys, err := e.fe.CodePhysAddr(cpu, pc)
	if err != nil {
		return fmt.Errorf("failed to translate breakpoint 0x%x: %w", pc, err)
	}
	ramAddr, err := e.mem.RAMAddr(phys)
	if err != nil {
		// nothing can have been translated from there
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.InvalidateRange(ramAddr, ramAddr+1, tb.NoTB, false)
	return nil
}

// InsertWatchpoint watches guest physical [addr, addr+length) on cpu
func (e *Engine) InsertWatchpoint(cpu *CPU, addr, length uint64, flags physmem.WatchFlags) error {
	_, err := cpu.watch.Insert(addr, length, flags)
	return err
}

func (e *Engine) RemoveWatchpoint(cpu *CPU, addr, length uint64, flags physmem.WatchFlags) error {
	return cpu.watch.Remove(addr, length, flags)
}

// SetSingleStep switches cpu in or out of single-step mode. Blocks
// translated for the other mode are useless, so the cache is flushed.
func (e *Engine) SetSingleStep(cpu *CPU, on bool) {
	cpu.mu.Lock()
	changed := cpu.singleStep != on
	cpu.singleStep = on
	cpu.mu.Unlock()

	if changed {
		e.mu.Lock()
		e.flushLocked("single-step switched")
		e.mu.Unlock()
	}
}
