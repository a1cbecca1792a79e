package physmem

import (
	"encoding/binary"
	"fmt"

	"dbt/pkg/constants"
	dbterrors "dbt/pkg/errors"
)

// Initiator is whoever performs an access. CPUs return their watch list;
// devices and DMA pass a nil Initiator.
type Initiator interface {
	WatchList() *WatchList
}

// CodeWatcher is told about a store to a RAM page whose code flag is clear,
// before the store lands. Returning an error aborts the store.
type CodeWatcher interface {
	CodeWritten(init Initiator, ramAddr uint64, n int) error
}

// Guest memory is little-endian.

// Read performs a device-initiated load of 1, 2 or 4 bytes
func (m *Memory) Read(addr uint64, size int) (uint32, error) {
	return m.ReadFrom(nil, addr, size)
}

// Write performs a device-initiated store of 1, 2 or 4 bytes
func (m *Memory) Write(addr uint64, val uint32, size int) error {
	return m.WriteFrom(nil, addr, val, size)
}

// ReadFrom performs a load on behalf of init
func (m *Memory) ReadFrom(init Initiator, addr uint64, size int) (uint32, error) {
	if _, ok := widthIndex(size); !ok {
		return 0, fmt.Errorf("invalid access size %d", size)
	}
	if addr&pageOffsetMask+uint64(size) > constants.TargetPageSize {
		var val uint32
		for i := 0; i < size; i++ {
			b, err := m.ReadFrom(init, addr+uint64(i), 1)
			if err != nil {
				return 0, err
			}
			val |= b << (8 * i)
		}
		return val, nil
	}

	mp := m.resolve(addr)
	var after error
	if m.route(addr, false, mp) == constants.IOMemWatch {
		hit, err := m.checkWatch(init, addr, size, WatchRead)
		if err != nil {
			return 0, err
		}
		after = hit
	}
	val, err := m.load(mp, addr, size)
	if err != nil {
		return 0, err
	}
	return val, after
}

// WriteFrom performs a store on behalf of init
func (m *Memory) WriteFrom(init Initiator, addr uint64, val uint32, size int) error {
	if _, ok := widthIndex(size); !ok {
		return fmt.Errorf("invalid access size %d", size)
	}
	if addr&pageOffsetMask+uint64(size) > constants.TargetPageSize {
		for i := 0; i < size; i++ {
			if err := m.WriteFrom(init, addr+uint64(i), val>>(8*i)&0xff, 1); err != nil {
				return err
			}
		}
		return nil
	}

	mp := m.resolve(addr)
	var after error
	if m.route(addr, true, mp) == constants.IOMemWatch {
		hit, err := m.checkWatch(init, addr, size, WatchWrite)
		if err != nil {
			return err
		}
		after = hit
	}
	if err := m.store(init, mp, addr, val, size); err != nil {
		return err
	}
	return after
}

// route names the slot an access at addr is dispatched through: the watch
// slot on watched pages, the not-dirty slot for writes to RAM that is not
// fully dirty, otherwise the page's own slot.
func (m *Memory) route(addr uint64, isWrite bool, mp mapping) IOIndex {
	if m.isWatched(addr) {
		return constants.IOMemWatch
	}
	if isWrite && mp.isRAM() && !m.ram.IsDirty(mp.ramBase+addr&pageOffsetMask) {
		return constants.IOMemNotDirty
	}
	return mp.slot
}

// RouteOf resolves addr and reports the slot an access would use
func (m *Memory) RouteOf(addr uint64, isWrite bool) IOIndex {
	return m.route(addr, isWrite, m.resolve(addr))
}

func (m *Memory) load(mp mapping, addr uint64, size int) (uint32, error) {
	if mp.directRead() {
		ramAddr := mp.ramBase + addr&pageOffsetMask
		host, ok := m.ram.Host(ramAddr, uint64(size))
		if !ok {
			return 0, dbterrors.AccessErrorf(dbterrors.Unassigned, addr, size, false, "no ram at offset 0x%x", ramAddr)
		}
		return loadLE(host, size), nil
	}
	if mp.slot == constants.IOMemUnassigned {
		return 0, &dbterrors.AccessError{Kind: dbterrors.Unassigned, Addr: addr, Size: size}
	}
	fn, ok := m.ioFuncs(mp.slot)
	w, _ := widthIndex(size)
	if !ok || fn.Read[w] == nil {
		return 0, dbterrors.AccessErrorf(dbterrors.Unassigned, addr, size, false, "slot %d has no %d byte reader", mp.slot, size)
	}
	return fn.Read[w](fn.Opaque, mp.regionBase+addr&pageOffsetMask), nil
}

func (m *Memory) store(init Initiator, mp mapping, addr uint64, val uint32, size int) error {
	switch {
	case mp.isRAM():
		var buf [4]byte
		storeLE(buf[:size], val, size)
		return m.ramStore(init, addr, mp.ramBase+addr&pageOffsetMask, buf[:size])
	case mp.slot == constants.IOMemROM:
		return &dbterrors.AccessError{Kind: dbterrors.ReadOnly, Addr: addr, Size: size, Write: true}
	case mp.slot == constants.IOMemUnassigned:
		return &dbterrors.AccessError{Kind: dbterrors.Unassigned, Addr: addr, Size: size, Write: true}
	}
	fn, ok := m.ioFuncs(mp.slot)
	w, _ := widthIndex(size)
	if !ok || fn.Write[w] == nil {
		return dbterrors.AccessErrorf(dbterrors.Unassigned, addr, size, true, "slot %d has no %d byte writer", mp.slot, size)
	}
	fn.Write[w](fn.Opaque, mp.regionBase+addr&pageOffsetMask, val)
	return nil
}

// ramStore copies data into RAM at ramAddr. data never crosses a page. Pages
// that are not fully dirty take the not-dirty path: the code watcher runs
// first, then every flag but the code flag is set.
func (m *Memory) ramStore(init Initiator, addr, ramAddr uint64, data []byte) error {
	host, ok := m.ram.Host(ramAddr, uint64(len(data)))
	if !ok {
		return dbterrors.AccessErrorf(dbterrors.Unassigned, addr, len(data), true, "no ram at offset 0x%x", ramAddr)
	}
	flags := m.ram.DirtyFlags(ramAddr)
	if flags == constants.AllDirty {
		copy(host, data)
		return nil
	}
	if flags&constants.CodeDirtyFlag == 0 {
		if w := m.codeWatcher(); w != nil {
			if err := w.CodeWritten(init, ramAddr, len(data)); err != nil {
				return err
			}
		}
	}
	copy(host, data)
	m.ram.SetDirtyFlags(ramAddr, constants.AllDirty&^constants.CodeDirtyFlag)
	return nil
}

// RW copies between buf and guest memory on behalf of a device. I/O pages
// are accessed with the widest aligned handler that fits.
func (m *Memory) RW(addr uint64, buf []byte, isWrite bool) error {
	return m.rw(nil, addr, buf, isWrite, false)
}

// RWFrom is RW on behalf of init
func (m *Memory) RWFrom(init Initiator, addr uint64, buf []byte, isWrite bool) error {
	return m.rw(init, addr, buf, isWrite, false)
}

// DebugRW is the monitor's view of memory: it ignores watchpoints and writes
// through ROM. Every page is resolved before anything is copied, so a range
// running into unassigned memory fails without side effects.
func (m *Memory) DebugRW(addr uint64, buf []byte, isWrite bool) error {
	if err := m.debugCheck(addr, uint64(len(buf)), isWrite); err != nil {
		return err
	}
	return m.rw(nil, addr, buf, isWrite, true)
}

// debugCheck fails if any page of [addr, addr+n) cannot be reached by a
// debug access
func (m *Memory) debugCheck(addr, n uint64, isWrite bool) error {
	for n > 0 {
		l := constants.TargetPageSize - addr&pageOffsetMask
		if l > n {
			l = n
		}
		mp := m.resolve(addr)
		switch {
		case mp.directRead():
			ramAddr := mp.ramBase + addr&pageOffsetMask
			if _, ok := m.ram.Host(ramAddr, l); !ok {
				return dbterrors.AccessErrorf(dbterrors.Unassigned, addr, int(l), isWrite, "no ram at offset 0x%x", ramAddr)
			}
		case mp.slot == constants.IOMemUnassigned:
			return &dbterrors.AccessError{Kind: dbterrors.Unassigned, Addr: addr, Size: int(l), Write: isWrite}
		}
		addr += l
		n -= l
	}
	return nil
}

func (m *Memory) rw(init Initiator, addr uint64, buf []byte, isWrite, debug bool) error {
	for len(buf) > 0 {
		n := constants.TargetPageSize - addr&pageOffsetMask
		if n > uint64(len(buf)) {
			n = uint64(len(buf))
		}
		chunk := buf[:n]

		mp := m.resolve(addr)
		direct := mp.isRAM() || (!isWrite && mp.directRead()) || (debug && mp.directRead())
		if direct {
			if err := m.rwRAM(init, mp, addr, chunk, isWrite, debug); err != nil {
				return err
			}
		} else {
			if debug && mp.slot == constants.IOMemUnassigned {
				return &dbterrors.AccessError{Kind: dbterrors.Unassigned, Addr: addr, Size: len(chunk), Write: isWrite}
			}
			if err := m.rwIO(init, addr, chunk, isWrite, debug); err != nil {
				return err
			}
		}
		addr += n
		buf = buf[n:]
	}
	return nil
}

// rwRAM copies one page-bounded chunk that is served directly from RAM
func (m *Memory) rwRAM(init Initiator, mp mapping, addr uint64, chunk []byte, isWrite, debug bool) error {
	if !debug && m.isWatched(addr) {
		flag := WatchRead
		if isWrite {
			flag = WatchWrite
		}
		hit, err := m.checkWatch(init, addr, len(chunk), flag)
		if err != nil {
			return err
		}
		if err := m.rwRAM(init, mp, addr, chunk, isWrite, true); err != nil {
			return err
		}
		return hit
	}

	ramAddr := mp.ramBase + addr&pageOffsetMask
	if isWrite {
		return m.ramStore(init, addr, ramAddr, chunk)
	}
	host, ok := m.ram.Host(ramAddr, uint64(len(chunk)))
	if !ok {
		return dbterrors.AccessErrorf(dbterrors.Unassigned, addr, len(chunk), false, "no ram at offset 0x%x", ramAddr)
	}
	copy(chunk, host)
	return nil
}

// rwIO splits a chunk into handler-sized accesses
func (m *Memory) rwIO(init Initiator, addr uint64, chunk []byte, isWrite, debug bool) error {
	for len(chunk) > 0 {
		size := 1
		switch {
		case len(chunk) >= 4 && addr&3 == 0:
			size = 4
		case len(chunk) >= 2 && addr&1 == 0:
			size = 2
		}
		if isWrite {
			val := loadLE(chunk, size)
			var err error
			if debug {
				err = m.store(nil, m.resolve(addr), addr, val, size)
			} else {
				err = m.WriteFrom(init, addr, val, size)
			}
			if err != nil {
				return err
			}
		} else {
			var val uint32
			var err error
			if debug {
				val, err = m.load(m.resolve(addr), addr, size)
			} else {
				val, err = m.ReadFrom(init, addr, size)
			}
			if err != nil {
				return err
			}
			storeLE(chunk, val, size)
		}
		addr += uint64(size)
		chunk = chunk[size:]
	}
	return nil
}

// ReadCode fetches guest instruction bytes. Every page touched must hold RAM
// or ROM.
func (m *Memory) ReadCode(addr uint64, buf []byte) error {
	for len(buf) > 0 {
		n := constants.TargetPageSize - addr&pageOffsetMask
		if n > uint64(len(buf)) {
			n = uint64(len(buf))
		}
		ramAddr, err := m.RAMAddr(addr)
		if err != nil {
			return err
		}
		host, ok := m.ram.Host(ramAddr, n)
		if !ok {
			return dbterrors.AccessErrorf(dbterrors.NotCode, addr, int(n), false, "no ram at offset 0x%x", ramAddr)
		}
		copy(buf[:n], host)
		addr += n
		buf = buf[n:]
	}
	return nil
}

func loadLE(b []byte, size int) uint32 {
	switch size {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	default:
		return binary.LittleEndian.Uint32(b)
	}
}

func storeLE(b []byte, val uint32, size int) {
	switch size {
	case 1:
		b[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(val))
	default:
		binary.LittleEndian.PutUint32(b, val)
	}
}
