package physmem

import (
	"fmt"

	"dbt/pkg/constants"
)

// IOIndex numbers a slot of the I/O dispatch table
type IOIndex int

// ReadFunc and WriteFunc serve one access width of a device region. addr is
// the offset into the region plus the region offset it was registered with.
type ReadFunc func(opaque any, addr uint64) uint32

type WriteFunc func(opaque any, addr uint64, val uint32)

// IOFuncs holds a device's handlers for 1, 2 and 4 byte accesses. A nil
// entry behaves like unassigned memory.
type IOFuncs struct {
	Read   [3]ReadFunc
	Write  [3]WriteFunc
	Opaque any
}

type ioSlot struct {
	name string
	fn   IOFuncs
	sub  *subpage
}

func (m *Memory) initFixedSlots() {
	for idx, name := range map[IOIndex]string{
		constants.IOMemRAM:        "ram",
		constants.IOMemROM:        "rom",
		constants.IOMemUnassigned: "unassigned",
		constants.IOMemNotDirty:   "notdirty",
		constants.IOMemWatch:      "watch",
		constants.IOMemSubpageRAM: "subpage-ram",
	} {
		m.io[idx] = &ioSlot{name: name}
	}
}

// RegisterIOMem claims a free device slot for fn
func (m *Memory) RegisterIOMem(name string, fn IOFuncs) (IOIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocSlot(&ioSlot{name: name, fn: fn})
}

func (m *Memory) allocSlot(s *ioSlot) (IOIndex, error) {
	for idx := IOIndex(constants.IOMemFirstDevice); idx < constants.IOMemNBEntries; idx++ {
		if m.io[idx] == nil {
			m.io[idx] = s
			return idx, nil
		}
	}
	return 0, fmt.Errorf("no free io memory slot for %q (%d in use)", s.name, constants.IOMemNBEntries)
}

// UnregisterIOMem releases a device slot. Pages still tagged with it behave
// as unassigned until they are registered again.
func (m *Memory) UnregisterIOMem(idx IOIndex) {
	if idx < constants.IOMemFirstDevice || idx >= constants.IOMemNBEntries {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.io[idx] = nil
}

// ioFuncs returns the handlers of a device slot, if it is still registered
func (m *Memory) ioFuncs(idx IOIndex) (IOFuncs, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx < 0 || idx >= constants.IOMemNBEntries {
		return IOFuncs{}, false
	}
	s := m.io[idx]
	if s == nil || s.sub != nil || idx < constants.IOMemFirstDevice {
		return IOFuncs{}, false
	}
	return s.fn, true
}

// SlotName returns the diagnostic name of a slot
func (m *Memory) SlotName(idx IOIndex) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx < 0 || idx >= constants.IOMemNBEntries || m.io[idx] == nil {
		return ""
	}
	return m.io[idx].name
}

func widthIndex(size int) (int, bool) {
	switch size {
	case 1:
		return 0, true
	case 2:
		return 1, true
	case 4:
		return 2, true
	}
	return 0, false
}
