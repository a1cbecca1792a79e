package engine

import (
	"context"
	"fmt"

	"dbt/pkg/constants"
	"dbt/pkg/tb"
)

type ExitReason int

const (
	// ExitNext leaves the block towards Exit.Next, through direct jump slot
	// Exit.Slot or through an indirect jump when Slot is -1
	ExitNext ExitReason = iota
	// ExitResume abandons the block after a store returned ErrResume
	ExitResume
	// ExitDebug stops for a breakpoint, watchpoint or single step
	ExitDebug
	// ExitException reports a guest access fault carried in Exit.Err
	ExitException
	ExitHalt
)

func (r ExitReason) String() string {
	switch r {
	case ExitNext:
		return "next"
	case ExitResume:
		return "resume"
	case ExitDebug:
		return "debug"
	case ExitException:
		return "exception"
	case ExitHalt:
		return "halt"
	default:
		return fmt.Sprintf("ExitReason(%d)", int(r))
	}
}

// Exit is how a block returns control to the execution loop
type Exit struct {
	Reason ExitReason
	Slot   int
	Next   tb.Key
	Err    error
}

// Executor runs a block's host code for cpu.
//
// A load or store through Engine.Load/Store that hits a stop-after
// watchpoint completes and returns nil, but leaves an exit request on the
// CPU. Executors must check CPU.ExitRequested after every instruction that
// accessed memory and leave the block with ExitNext, Slot -1 and Next set
// to the following instruction; Run then stops with ExitDebug. A store
// returning ErrResume must end the block with ExitResume.
type Executor interface {
	Exec(cpu *CPU, b *tb.Block) Exit
}

type ExecutorFunc func(cpu *CPU, b *tb.Block) Exit

func (f ExecutorFunc) Exec(cpu *CPU, b *tb.Block) Exit {
	return f(cpu, b)
}

// FindOrGenerate returns the block for (pc, csBase, flags), translating it
// if no valid block exists. The CPU's jump cache is consulted first, then
// the physical hash. A jump cache hit counts only if the block was
// translated from the pages pc maps to now.
func (e *Engine) FindOrGenerate(cpu *CPU, pc, csBase uint64, flags uint32) (*tb.Block, error) {
	key := tb.Key{PC: pc, CSBase: csBase, Flags: flags}

	e.mu.Lock()
	defer e.mu.Unlock()

	ramPC, err := e.codeAddr(cpu, pc)
	if err != nil {
		return nil, err
	}
	page2 := func(virt uint64) (uint64, bool) {
		addr, err := e.codeAddr(cpu, virt)
		return addr, err == nil
	}

	if id := cpu.jc.Lookup(pc); id != tb.NoTB {
		if b := e.cache.Get(id); b != nil && b.Valid() && b.Key() == key && b.PhysPC() == ramPC && samePage2(b, page2) {
			return b, nil
		}
	}

	b := e.cache.Lookup(ramPC, key, page2)
	if b == nil {
		cflags := uint32(0)
		if cpu.SingleStep() {
			cflags = 1
		}
		if b, err = e.genCodeLocked(cpu, key, cflags); err != nil {
			return nil, err
		}
	}
	cpu.jc.Set(pc, b.ID)
	return b, nil
}

// samePage2 reports whether the second page of b is still where its guest
// bytes past the first page are fetched from
func samePage2(b *tb.Block, page2 func(virt uint64) (uint64, bool)) bool {
	if !b.CrossesPage() {
		return true
	}
	phys2, ok := page2(b.PC&constants.TargetPageMask + constants.TargetPageSize)
	return ok && phys2 == b.PageAddr[1]
}

// GenCode translates a fresh block for key. A cflags instruction count of 1
// produces a single-instruction block.
func (e *Engine) GenCode(cpu *CPU, key tb.Key, cflags uint32) (*tb.Block, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.genCodeLocked(cpu, key, cflags)
}

func (e *Engine) genCodeLocked(cpu *CPU, key tb.Key, cflags uint32) (*tb.Block, error) {
	ramPC, err := e.codeAddr(cpu, key.PC)
	if err != nil {
		return nil, err
	}

	b, ok := e.cache.Alloc(key.PC)
	if !ok {
		e.flushLocked("cache full")
		if b, ok = e.cache.Alloc(key.PC); !ok {
			return nil, fmt.Errorf("empty cache cannot hold block at 0x%x", key.PC)
		}
	}
	b.CSBase = key.CSBase
	b.Flags = key.Flags
	b.CFlags = cflags

	n, err := e.fe.Generate(cpu, b, e.cache.Output(b))
	if err != nil {
		e.cache.Free(b)
		return nil, fmt.Errorf("failed to translate 0x%x: %w", key.PC, err)
	}
	e.cache.Commit(b, n)

	page2 := tb.NoPage
	last := key.PC + uint64(b.Size) - 1
	if b.Size > 0 && last&constants.TargetPageMask != key.PC&constants.TargetPageMask {
		ram2, err := e.codeAddr(cpu, last&constants.TargetPageMask)
		if err != nil {
			e.cache.Free(b)
			return nil, err
		}
		page2 = ram2 & constants.TargetPageMask
	}
	if err := e.cache.Link(b, ramPC, page2); err != nil {
		e.cache.Free(b)
		return nil, err
	}
	return b, nil
}

// codeAddr resolves a guest virtual pc to the RAM offset it is fetched from
func (e *Engine) codeAddr(cpu *CPU, pc uint64) (uint64, error) {
	phys, err := e.fe.CodePhysAddr(cpu, pc)
	if err != nil {
		return 0, err
	}
	return e.mem.RAMAddr(phys)
}

// Chain patches exit slot of from to jump straight into to
func (e *Engine) Chain(from *tb.Block, slot int, to *tb.Block) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.AddJump(from, slot, to)
}

// chainSince chains only if no flush happened since from was executed, as
// a flush hands from's arena slot to another block. A target spanning two
// pages is always entered through FindOrGenerate so its second page is
// checked against the current mapping.
func (e *Engine) chainSince(gen uint64, from *tb.Block, slot int, to *tb.Block) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation || to.CrossesPage() {
		return nil
	}
	return e.cache.AddJump(from, slot, to)
}

func (e *Engine) currentGeneration() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// Run executes cpu until a block asks to stop or ctx is done. Blocks left
// through a direct jump slot are chained to their successor.
func (e *Engine) Run(ctx context.Context, cpu *CPU, exec Executor) (ExitReason, error) {
	if wp := cpu.watch.Hit(); wp != nil {
		// the access stopped before is replayed on its own so the list,
		// quiet until ClearHit, lets it through exactly once
		if cpu.watchReplay {
			exit, err := e.execOnce(cpu, cpu.Key(), exec)
			if err != nil {
				return ExitException, err
			}
			cpu.watchReplay = false
			cpu.watch.ClearHit()
			if stop, reason, err := e.handleExit(cpu, exit); stop {
				return reason, err
			}
		} else {
			cpu.watch.ClearHit()
		}
	}

	var prev *tb.Block
	var prevGen uint64
	prevSlot := -1

	for {
		if err := ctx.Err(); err != nil {
			return ExitHalt, err
		}

		if cpu.smc == SMCInvalidatingCurrent {
			exit, err := e.execOnce(cpu, cpu.replay, exec)
			if err != nil {
				return ExitException, err
			}
			prev = nil
			if stop, reason, err := e.handleExit(cpu, exit); stop {
				return reason, err
			}
			continue
		}

		b, err := e.FindOrGenerate(cpu, cpu.PC, cpu.CSBase, cpu.Flags)
		if err != nil {
			return ExitException, err
		}
		if prev != nil && prevSlot >= 0 && !cpu.SingleStep() {
			if err := e.chainSince(prevGen, prev, prevSlot, b); err != nil {
				return ExitException, err
			}
		}

		prevGen = e.currentGeneration()
		cpu.current = b
		exit := exec.Exec(cpu, b)
		cpu.current = nil

		if exit.Reason == ExitResume && cpu.smc != SMCInvalidatingCurrent {
			return ExitException, fmt.Errorf("%s returned resume without a self-modifying store", b)
		}
		prev, prevSlot = b, exit.Slot
		if exit.Reason != ExitNext {
			prev = nil
		}
		if stop, reason, err := e.handleExit(cpu, exit); stop {
			return reason, err
		}
	}
}

// handleExit updates cpu from exit and decides whether Run returns
func (e *Engine) handleExit(cpu *CPU, exit Exit) (bool, ExitReason, error) {
	if exit.Reason == ExitResume {
		return false, ExitNext, nil
	}
	cpu.setKey(exit.Next)

	if req := cpu.takeExitRequest(); req != ExitNext && exit.Reason == ExitNext {
		return true, req, nil
	}
	switch exit.Reason {
	case ExitNext:
		if cpu.SingleStep() {
			return true, ExitDebug, nil
		}
		return false, ExitNext, nil
	case ExitException:
		return true, ExitException, exit.Err
	default:
		return true, exit.Reason, nil
	}
}

// execOnce translates key as a single-instruction block, runs it and
// discards it. This replays an instruction whose store modified its own
// block, or whose access a watchpoint stopped.
func (e *Engine) execOnce(cpu *CPU, key tb.Key, exec Executor) (Exit, error) {
	b, err := e.GenCode(cpu, key, 1)
	if err != nil {
		return Exit{}, err
	}

	cpu.smc = SMCReplacingCurrent
	cpu.current = b
	exit := exec.Exec(cpu, b)
	cpu.current = nil
	cpu.smc = SMCNormal

	e.mu.Lock()
	e.cache.Free(b)
	e.replacements++
	e.mu.Unlock()

	if exit.Reason == ExitResume {
		return exit, fmt.Errorf("single-instruction block at 0x%x asked to resume", key.PC)
	}
	return exit, nil
}
