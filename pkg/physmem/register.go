package physmem

import (
	"fmt"
	"log"

	"dbt/pkg/constants"
)

// Kind selects how a registered region is served
type Kind int

const (
	KindRAM Kind = iota
	KindROM
	KindROMD // reads from RAM, writes to a device slot
	KindIO
	KindUnassigned
)

func (k Kind) String() string {
	switch k {
	case KindRAM:
		return "ram"
	case KindROM:
		return "rom"
	case KindROMD:
		return "romd"
	case KindIO:
		return "io"
	case KindUnassigned:
		return "unassigned"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Region describes one registration. RAMOffset is the RAM offset backing
// Start (RAM, ROM, ROMD); IO is the device slot (IO, ROMD). Handlers see
// (addr - Start) + RegionOffset.
type Region struct {
	Start        uint64
	Size         uint64
	Kind         Kind
	RAMOffset    uint64
	IO           IOIndex
	RegionOffset uint64
}

// Register installs a region, replacing whatever covered its pages before.
// Pages it covers only partially are split so the rest of the page keeps its
// previous mapping.
func (m *Memory) Register(r Region) error {
	if r.Size == 0 {
		return nil
	}
	var phys PhysOffset
	switch r.Kind {
	case KindRAM, KindROM, KindROMD:
		if r.RAMOffset&pageOffsetMask != r.Start&pageOffsetMask {
			return fmt.Errorf("%s region at 0x%x: ram offset 0x%x has a different page offset", r.Kind, r.Start, r.RAMOffset)
		}
		phys = PhysOffset(r.RAMOffset - r.Start&pageOffsetMask)
		switch r.Kind {
		case KindROM:
			phys |= PhysROM
		case KindROMD:
			if r.IO < constants.IOMemFirstDevice {
				return fmt.Errorf("romd region at 0x%x needs a device slot, got %d", r.Start, r.IO)
			}
			phys |= IOMem(r.IO) | PhysOffset(constants.IOMemROMD)
		}
	case KindIO:
		if r.IO < constants.IOMemFirstDevice || r.IO >= constants.IOMemNBEntries {
			return fmt.Errorf("io region at 0x%x: invalid device slot %d", r.Start, r.IO)
		}
		phys = IOMem(r.IO)
	case KindUnassigned:
		phys = PhysUnassigned
	default:
		return fmt.Errorf("unknown region kind %d", r.Kind)
	}
	return m.RegisterPhys(r.Start, r.Size, phys, r.RegionOffset)
}

// RegisterPhys installs the raw encoding phys over [start, start+size). For
// RAM, ROM and ROMD the RAM offset in phys belongs to the page holding start
// and advances linearly across the following pages.
func (m *Memory) RegisterPhys(start, size uint64, phys PhysOffset, regionOffset uint64) error {
	if size == 0 {
		return nil
	}
	end := start + size
	if end < start {
		return fmt.Errorf("region 0x%x+0x%x wraps the address space", start, size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	first := start &^ pageOffsetMask
	base := PhysPageDesc{PhysOffset: phys}.mapping()
	for page := first; page < end && page >= first; page += constants.TargetPageSize {
		mp := base
		if phys.IsDirectRead() {
			mp.ramBase = base.ramBase + (page - first)
		}
		mp.regionBase = regionOffset + (page - start)

		lo := uint64(0)
		if start > page {
			lo = start - page
		}
		hi := constants.TargetPageSize - 1
		if end-page < constants.TargetPageSize {
			hi = end - page - 1
		}

		idx := page >> constants.TargetPageBits
		if lo == 0 && hi == constants.TargetPageSize-1 {
			m.dropSubpage(idx)
			if phys == PhysUnassigned {
				delete(m.pages, idx)
				continue
			}
			pd := PhysPageDesc{PhysOffset: phys &^ PhysOffset(constants.TargetPageMask), RegionOffset: mp.regionBase}
			if phys.IsDirectRead() {
				pd.PhysOffset |= PhysOffset(mp.ramBase)
			}
			m.pages[idx] = pd
			continue
		}

		sp, err := m.subpageFor(page, idx)
		if err != nil {
			return err
		}
		if mp.slot == constants.IOMemRAM {
			mp.slot = constants.IOMemSubpageRAM
		}
		sp.register(lo, hi, mp)
	}
	return nil
}

// subpage dispatches one guest page byte by byte when several regions share it
type subpage struct {
	base    uint64
	slot    IOIndex
	entries []mapping
}

func (s *subpage) register(lo, hi uint64, mp mapping) {
	for i := lo; i <= hi; i++ {
		s.entries[i] = mp
	}
}

// subpageFor returns the subpage of a page, converting its current mapping
// into one first. Caller holds m.mu.
func (m *Memory) subpageFor(page, idx uint64) (*subpage, error) {
	orig, ok := m.pages[idx]
	if ok && orig.PhysOffset.IsSubpage() {
		if s := m.io[orig.PhysOffset.IOIndex()]; s != nil && s.sub != nil {
			return s.sub, nil
		}
	}

	fill := unassignedMapping
	if ok {
		fill = orig.mapping()
		if fill.slot == constants.IOMemRAM {
			fill.slot = constants.IOMemSubpageRAM
		}
	}
	sp := &subpage{base: page, entries: make([]mapping, constants.TargetPageSize)}
	for i := range sp.entries {
		sp.entries[i] = fill
	}
	slot, err := m.allocSlot(&ioSlot{name: fmt.Sprintf("subpage@0x%x", page), sub: sp})
	if err != nil {
		return nil, err
	}
	sp.slot = slot
	m.pages[idx] = PhysPageDesc{PhysOffset: IOMem(slot) | PhysOffset(constants.IOMemSubpage)}
	log.Printf("physmem: split page 0x%x into subpage slot %d", page, slot)
	return sp, nil
}

// dropSubpage frees the subpage slot of a page about to be fully replaced.
// Caller holds m.mu.
func (m *Memory) dropSubpage(idx uint64) {
	orig, ok := m.pages[idx]
	if !ok || !orig.PhysOffset.IsSubpage() {
		return
	}
	slot := orig.PhysOffset.IOIndex()
	if s := m.io[slot]; s != nil && s.sub != nil {
		m.io[slot] = nil
	}
}
