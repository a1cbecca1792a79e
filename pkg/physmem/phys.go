package physmem

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"dbt/pkg/constants"
	dbterrors "dbt/pkg/errors"
	"dbt/pkg/ram"
)

const pageOffsetMask = constants.TargetPageSize - 1

// PhysOffset is the dispatch tag of a guest physical page. For RAM, ROM and
// ROMD pages the page-aligned bits hold the RAM offset of the page. The low
// bits hold the I/O slot shifted by IOMemShift plus the ROMD and subpage
// flags.
type PhysOffset uint64

// IOMem encodes an I/O slot into the low bits of a phys offset
func IOMem(idx IOIndex) PhysOffset {
	return PhysOffset(uint64(idx) << constants.IOMemShift)
}

var (
	PhysRAM        = IOMem(constants.IOMemRAM)
	PhysROM        = IOMem(constants.IOMemROM)
	PhysUnassigned = IOMem(constants.IOMemUnassigned)
)

func (p PhysOffset) IOIndex() IOIndex {
	return IOIndex((uint64(p) & pageOffsetMask) >> constants.IOMemShift)
}

func (p PhysOffset) IsRAM() bool {
	return uint64(p)&pageOffsetMask == constants.IOMemRAM
}

func (p PhysOffset) IsROMD() bool {
	return uint64(p)&constants.IOMemROMD != 0
}

func (p PhysOffset) IsSubpage() bool {
	return uint64(p)&constants.IOMemSubpage != 0
}

// IsDirectRead reports whether reads are served straight from RAM: RAM, ROM
// and ROM-shadowed device pages.
func (p PhysOffset) IsDirectRead() bool {
	return uint64(p)&pageOffsetMask <= uint64(PhysROM) || p.IsROMD()
}

// RAMAddr returns the RAM offset of the page start
func (p PhysOffset) RAMAddr() uint64 {
	return uint64(p) & constants.TargetPageMask
}

// PhysPageDesc is the dispatch record of one resident guest physical page.
// A device handler receives RegionOffset plus the offset inside the page.
type PhysPageDesc struct {
	PhysOffset   PhysOffset
	RegionOffset uint64
}

// mapping is the resolved form of a page or subpage entry
type mapping struct {
	slot       IOIndex
	romd       bool
	ramBase    uint64 // RAM offset of the page start
	regionBase uint64 // handler argument of the page start
}

var unassignedMapping = mapping{slot: constants.IOMemUnassigned}

func (pd PhysPageDesc) mapping() mapping {
	return mapping{
		slot:       pd.PhysOffset.IOIndex(),
		romd:       pd.PhysOffset.IsROMD(),
		ramBase:    pd.PhysOffset.RAMAddr(),
		regionBase: pd.RegionOffset,
	}
}

func (mp mapping) isRAM() bool {
	return mp.slot == constants.IOMemRAM || mp.slot == constants.IOMemSubpageRAM
}

func (mp mapping) directRead() bool {
	return mp.isRAM() || mp.slot == constants.IOMemROM || mp.romd
}

// Memory is the guest physical address space: the physical page table, the
// I/O dispatch table and the RAM it resolves into.
type Memory struct {
	mu    sync.RWMutex // guards pages and io
	pages map[uint64]PhysPageDesc
	io    [constants.IOMemNBEntries]*ioSlot

	ram     *ram.List
	watcher CodeWatcher

	watchMu  sync.Mutex
	watched  map[uint64]int // page index -> watchpoints on it
	nwatched atomic.Int32

	bounce bounceState
}

// New creates an empty address space over a RAM block list
func New(rl *ram.List) *Memory {
	m := &Memory{
		pages:   make(map[uint64]PhysPageDesc),
		ram:     rl,
		watched: make(map[uint64]int),
	}
	m.initFixedSlots()
	m.bounce.init()
	return m
}

// SetCodeWatcher installs the callback consulted before a store lands on a
// page that may hold translated code.
func (m *Memory) SetCodeWatcher(w CodeWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watcher = w
}

func (m *Memory) codeWatcher() CodeWatcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watcher
}

func (m *Memory) RAM() *ram.List {
	return m.ram
}

// Lookup returns the descriptor of the page holding addr. Absence means the
// page is unassigned.
func (m *Memory) Lookup(addr uint64) (PhysPageDesc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pd, ok := m.pages[addr>>constants.TargetPageBits]
	return pd, ok
}

// resolve finds the mapping serving the byte at addr
func (m *Memory) resolve(addr uint64) mapping {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pd, ok := m.pages[addr>>constants.TargetPageBits]
	if !ok {
		return unassignedMapping
	}
	if pd.PhysOffset.IsSubpage() {
		if s := m.io[pd.PhysOffset.IOIndex()]; s != nil && s.sub != nil {
			return s.sub.entries[addr&pageOffsetMask]
		}
		return unassignedMapping
	}
	return pd.mapping()
}

// RAMAddr translates a guest physical address into the RAM offset that code
// is fetched from. Only RAM, ROM and ROMD pages hold executable code.
func (m *Memory) RAMAddr(addr uint64) (uint64, error) {
	mp := m.resolve(addr)
	if !mp.directRead() {
		return 0, dbterrors.AccessErrorf(dbterrors.NotCode, addr, 1, false,
			"execution outside RAM or ROM (slot %d)", mp.slot)
	}
	return mp.ramBase + addr&pageOffsetMask, nil
}

// Run is a span of consecutive pages sharing one dispatch target
type Run struct {
	Start      uint64
	Size       uint64
	Slot       IOIndex
	Name       string
	RAMAddr    uint64
	Subpage    bool
	DirectRead bool
}

// Runs summarises the physical page table in address order
func (m *Memory) Runs() []Run {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := make([]uint64, 0, len(m.pages))
	for page := range m.pages {
		idx = append(idx, page)
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })

	var runs []Run
	for _, page := range idx {
		pd := m.pages[page]
		start := page << constants.TargetPageBits
		slot := pd.PhysOffset.IOIndex()
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			contiguous := last.Start+last.Size == start && last.Slot == slot && !pd.PhysOffset.IsSubpage() && !last.Subpage
			if contiguous && (!last.DirectRead || last.RAMAddr+last.Size == pd.PhysOffset.RAMAddr()) {
				last.Size += constants.TargetPageSize
				continue
			}
		}
		r := Run{
			Start:      start,
			Size:       constants.TargetPageSize,
			Slot:       slot,
			Subpage:    pd.PhysOffset.IsSubpage(),
			DirectRead: pd.PhysOffset.IsDirectRead() && !pd.PhysOffset.IsSubpage(),
		}
		if s := m.io[slot]; s != nil {
			r.Name = s.name
		}
		if r.DirectRead {
			r.RAMAddr = pd.PhysOffset.RAMAddr()
		}
		runs = append(runs, r)
	}
	return runs
}

func (r Run) String() string {
	end := r.Start + r.Size - 1
	switch {
	case r.Subpage:
		return fmt.Sprintf("0x%012x-0x%012x subpage (slot %d)", r.Start, end, r.Slot)
	case r.DirectRead:
		return fmt.Sprintf("0x%012x-0x%012x %s ram 0x%x", r.Start, end, r.Name, r.RAMAddr)
	default:
		return fmt.Sprintf("0x%012x-0x%012x %s (slot %d)", r.Start, end, r.Name, r.Slot)
	}
}
