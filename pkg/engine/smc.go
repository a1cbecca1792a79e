package engine

import (
	"errors"

	"dbt/pkg/physmem"
	"dbt/pkg/tb"
)

// CodeWritten is called by the not-dirty slot before a store lands on a RAM
// page whose code flag is clear. Blocks overlapping the store are
// invalidated. If the storing CPU's own block is among them the store is
// refused with ErrResume and the faulting instruction is queued for replay.
func (e *Engine) CodeWritten(init physmem.Initiator, ramAddr uint64, n int) error {
	cpu, _ := init.(*CPU)

	e.mu.Lock()
	defer e.mu.Unlock()

	if cpu == nil {
		e.cache.InvalidateRange(ramAddr, ramAddr+uint64(n), tb.NoTB, false)
		return nil
	}

	current := tb.NoTB
	if cpu.current != nil {
		current = cpu.current.ID
	}
	if !e.cache.InvalidatePageFast(ramAddr, n, current) {
		return nil
	}

	key, err := e.fe.RestoreState(cpu, cpu.current)
	if err != nil {
		return err
	}
	cpu.smc = SMCInvalidatingCurrent
	cpu.replay = key
	return ErrResume
}

// Store performs a guest store for cpu. ErrResume means the executor must
// abandon the running block; other errors are access faults for the guest.
func (e *Engine) Store(cpu *CPU, addr uint64, val uint32, size int) error {
	return e.accessResult(cpu, e.mem.WriteFrom(cpu, addr, val, size))
}

// Load performs a guest load for cpu
func (e *Engine) Load(cpu *CPU, addr uint64, size int) (uint32, error) {
	val, err := e.mem.ReadFrom(cpu, addr, size)
	return val, e.accessResult(cpu, err)
}

// accessResult turns watchpoint hits into exit requests. A stop-after hit
// completed the access and only asks the loop to stop once the instruction
// is done. A stop-before hit is returned so the executor stops at the
// faulting instruction, which is replayed on the next Run.
func (e *Engine) accessResult(cpu *CPU, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, physmem.ErrWatchAfter):
		cpu.RequestExit(ExitDebug)
		return nil
	case errors.Is(err, physmem.ErrWatchBefore):
		cpu.watchReplay = true
		return err
	default:
		return err
	}
}
