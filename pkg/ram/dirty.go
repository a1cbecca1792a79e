package ram

import (
	"dbt/pkg/constants"
)

// Dirty flags are one byte per target page of RAM offset space. Offsets
// outside any allocated block read as clean and ignore updates.

func (l *List) growDirty(end uint64) {
	pages := end >> constants.TargetPageBits
	if uint64(len(l.dirty)) >= pages {
		return
	}
	grown := make([]uint8, pages)
	copy(grown, l.dirty)
	l.dirty = grown
}

func (l *List) fillDirty(start, length uint64, flags uint8) {
	first := start >> constants.TargetPageBits
	last := (start + length + constants.TargetPageSize - 1) >> constants.TargetPageBits
	if last > uint64(len(l.dirty)) {
		last = uint64(len(l.dirty))
	}
	for i := first; i < last; i++ {
		l.dirty[i] = flags
	}
}

func (l *List) page(addr uint64) (uint64, bool) {
	idx := addr >> constants.TargetPageBits
	return idx, idx < uint64(len(l.dirty))
}

// DirtyFlags returns the flag byte of the page holding addr
func (l *List) DirtyFlags(addr uint64) uint8 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if idx, ok := l.page(addr); ok {
		return l.dirty[idx]
	}
	return 0
}

// IsDirty reports whether every flag is set, meaning writes need no tracking
func (l *List) IsDirty(addr uint64) bool {
	return l.DirtyFlags(addr) == constants.AllDirty
}

func (l *List) GetDirty(addr uint64, flag uint8) bool {
	return l.DirtyFlags(addr)&flag != 0
}

func (l *List) SetDirty(addr uint64) {
	l.SetDirtyFlags(addr, constants.AllDirty)
}

func (l *List) SetDirtyFlags(addr uint64, flags uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx, ok := l.page(addr); ok {
		l.dirty[idx] |= flags
	}
}

func (l *List) ClearDirtyFlags(addr uint64, flags uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx, ok := l.page(addr); ok {
		l.dirty[idx] &^= flags
	}
}

// SetDirtyRange ors flags into every page touched by [addr, addr+n)
func (l *List) SetDirtyRange(addr, n uint64, flags uint8) {
	if n == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	first := addr >> constants.TargetPageBits
	last := (addr + n - 1) >> constants.TargetPageBits
	for i := first; i <= last && i < uint64(len(l.dirty)); i++ {
		l.dirty[i] |= flags
	}
}

// ResetDirty clears flags on the pages of [start, end). The bounds are
// rounded out to whole pages.
func (l *List) ResetDirty(start, end uint64, flags uint8) {
	if end <= start {
		return
	}
	start &= constants.TargetPageMask
	end = pageAlign(end)

	l.mu.Lock()
	defer l.mu.Unlock()
	for addr := start; addr < end; addr += constants.TargetPageSize {
		if idx, ok := l.page(addr); ok {
			l.dirty[idx] &^= flags
		}
	}
}

// DirtyPages calls fn with the offset of each page carrying flag, in offset
// order, until fn returns false.
func (l *List) DirtyPages(flag uint8, fn func(addr uint64) bool) {
	l.mu.RLock()
	var pages []uint64
	for i, f := range l.dirty {
		if f&flag != 0 {
			pages = append(pages, uint64(i)<<constants.TargetPageBits)
		}
	}
	l.mu.RUnlock()

	for _, addr := range pages {
		if !fn(addr) {
			return
		}
	}
}
