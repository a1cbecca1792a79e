package physmem

import (
	"errors"
	"fmt"
	"sync"

	"dbt/pkg/constants"
	dbterrors "dbt/pkg/errors"
)

type WatchFlags uint8

const (
	WatchRead WatchFlags = 1 << iota
	WatchWrite
	WatchStopBeforeAccess
	WatchGDB
	WatchHit // set on the watchpoint that triggered
)

const WatchAccess = WatchRead | WatchWrite

// Causes carried by a WatchpointHit access error. After a stop-after hit the
// access has completed; after a stop-before hit it has not been performed.
var (
	ErrWatchBefore = errors.New("watchpoint hit before access")
	ErrWatchAfter  = errors.New("watchpoint hit after access")
)

type Watchpoint struct {
	Addr  uint64
	Len   uint64
	Flags WatchFlags
}

func (wp *Watchpoint) overlaps(addr uint64, size int) bool {
	return addr < wp.Addr+wp.Len && wp.Addr < addr+uint64(size)
}

// WatchList holds one CPU's watchpoints. Once a watchpoint triggers, the
// list stays quiet until ClearHit so the interrupted access can complete.
type WatchList struct {
	mu  sync.Mutex
	wps []*Watchpoint
	hit *Watchpoint
	mem *Memory
}

func NewWatchList() *WatchList {
	return &WatchList{}
}

// Insert adds a watchpoint of 1, 2, 4 or 8 naturally aligned bytes. GDB
// watchpoints are checked first.
func (w *WatchList) Insert(addr, length uint64, flags WatchFlags) (*Watchpoint, error) {
	switch length {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("watchpoint length %d not 1, 2, 4 or 8", length)
	}
	if addr&(length-1) != 0 {
		return nil, fmt.Errorf("watchpoint at 0x%x not aligned to its length %d", addr, length)
	}

	wp := &Watchpoint{Addr: addr, Len: length, Flags: flags &^ WatchHit}

	w.mu.Lock()
	defer w.mu.Unlock()
	if flags&WatchGDB != 0 {
		w.wps = append([]*Watchpoint{wp}, w.wps...)
	} else {
		w.wps = append(w.wps, wp)
	}
	if w.mem != nil {
		w.mem.watchPage(addr, 1)
	}
	return wp, nil
}

// Remove deletes the watchpoint matching addr, length and flags
func (w *WatchList) Remove(addr, length uint64, flags WatchFlags) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, wp := range w.wps {
		if wp.Addr == addr && wp.Len == length && wp.Flags&^WatchHit == flags&^WatchHit {
			w.removeLocked(wp)
			return nil
		}
	}
	return fmt.Errorf("no watchpoint at 0x%x len %d", addr, length)
}

func (w *WatchList) RemoveRef(wp *Watchpoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeLocked(wp)
}

// RemoveAll deletes every watchpoint sharing a flag with mask
func (w *WatchList) RemoveAll(mask WatchFlags) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, wp := range append([]*Watchpoint(nil), w.wps...) {
		if wp.Flags&mask != 0 {
			w.removeLocked(wp)
		}
	}
}

func (w *WatchList) removeLocked(wp *Watchpoint) {
	for i, x := range w.wps {
		if x != wp {
			continue
		}
		w.wps = append(w.wps[:i], w.wps[i+1:]...)
		if w.hit == wp {
			w.hit = nil
		}
		if w.mem != nil {
			w.mem.watchPage(wp.Addr, -1)
		}
		return
	}
}

// Hit returns the watchpoint that triggered last, if it is still pending
func (w *WatchList) Hit() *Watchpoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hit
}

// ClearHit re-arms the list after the hit has been reported
func (w *WatchList) ClearHit() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hit != nil {
		w.hit.Flags &^= WatchHit
		w.hit = nil
	}
}

func (w *WatchList) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.wps)
}

// Watchpoints returns a copy of the list in check order
func (w *WatchList) Watchpoints() []Watchpoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Watchpoint, 0, len(w.wps))
	for _, wp := range w.wps {
		out = append(out, *wp)
	}
	return out
}

// check matches an access against the list
func (w *WatchList) check(addr uint64, size int, flag WatchFlags) *Watchpoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hit != nil {
		return nil
	}
	for _, wp := range w.wps {
		if wp.Flags&flag != 0 && wp.overlaps(addr, size) {
			wp.Flags |= WatchHit
			w.hit = wp
			return wp
		}
	}
	return nil
}

// AttachWatchList makes the pages watched by w dispatch through the watch
// slot, now and as watchpoints are added.
func (m *Memory) AttachWatchList(w *WatchList) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mem == m {
		return
	}
	w.mem = m
	for _, wp := range w.wps {
		m.watchPage(wp.Addr, 1)
	}
}

func (m *Memory) DetachWatchList(w *WatchList) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mem != m {
		return
	}
	for _, wp := range w.wps {
		m.watchPage(wp.Addr, -1)
	}
	w.mem = nil
}

func (m *Memory) watchPage(addr uint64, delta int) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	idx := addr >> constants.TargetPageBits
	n := m.watched[idx] + delta
	if n <= 0 {
		delete(m.watched, idx)
	} else {
		m.watched[idx] = n
	}
	m.nwatched.Add(int32(delta))
}

func (m *Memory) isWatched(addr uint64) bool {
	if m.nwatched.Load() == 0 {
		return false
	}
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	return m.watched[addr>>constants.TargetPageBits] > 0
}

// checkWatch runs the initiator's watch list for an access on a watched
// page. A stop-before hit comes back as err and the access must not happen;
// a stop-after hit comes back as after, to be returned once it has.
func (m *Memory) checkWatch(init Initiator, addr uint64, size int, flag WatchFlags) (after error, err error) {
	if init == nil {
		return nil, nil
	}
	wl := init.WatchList()
	if wl == nil {
		return nil, nil
	}
	wp := wl.check(addr, size, flag)
	if wp == nil {
		return nil, nil
	}
	isWrite := flag == WatchWrite
	if wp.Flags&WatchStopBeforeAccess != 0 {
		return nil, dbterrors.WrapAccessError(ErrWatchBefore, dbterrors.WatchpointHit, addr, size, isWrite)
	}
	return dbterrors.WrapAccessError(ErrWatchAfter, dbterrors.WatchpointHit, addr, size, isWrite), nil
}
