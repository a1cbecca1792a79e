package physmem

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"dbt/pkg/constants"
	dbterrors "dbt/pkg/errors"
	"dbt/pkg/ram"
)

func TestMain(m *testing.M) {
	ram.Logger = log.New(io.Discard, "", 0)
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// device records the handler arguments it sees and answers reads with its
// id in the top byte.
type device struct {
	id     uint32
	reads  []uint64
	writes map[uint64]uint32
}

func newDevice(id uint32) *device {
	return &device{id: id, writes: make(map[uint64]uint32)}
}

func (d *device) funcs() IOFuncs {
	read := func(opaque any, addr uint64) uint32 {
		dev := opaque.(*device)
		dev.reads = append(dev.reads, addr)
		return dev.id<<24 | uint32(addr&0xffff)
	}
	write := func(opaque any, addr uint64, val uint32) {
		opaque.(*device).writes[addr] = val
	}
	return IOFuncs{
		Read:   [3]ReadFunc{read, read, read},
		Write:  [3]WriteFunc{write, write, write},
		Opaque: d,
	}
}

type cpu struct {
	wl *WatchList
}

func (c *cpu) WatchList() *WatchList { return c.wl }

type codeWatcher struct {
	calls []codeWrite
	err   error
}

type codeWrite struct {
	CPU     bool
	RAMAddr uint64
	N       int
}

func (w *codeWatcher) CodeWritten(init Initiator, ramAddr uint64, n int) error {
	w.calls = append(w.calls, codeWrite{CPU: init != nil, RAMAddr: ramAddr, N: n})
	return w.err
}

// newTestMemory registers 0x10000 bytes of RAM at guest physical 0 and a
// device page at 0x10000 with region offset 0x100.
func newTestMemory(t *testing.T) (*Memory, *device, IOIndex) {
	t.Helper()
	rl := ram.NewList("", false)
	off, err := rl.Alloc("test.ram", 0x20000, nil)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	m := New(rl)
	if err := m.Register(Region{Start: 0, Size: 0x10000, Kind: KindRAM, RAMOffset: off}); err != nil {
		t.Fatalf("Register ram: %v", err)
	}
	dev := newDevice(0xA)
	slot, err := m.RegisterIOMem("dev", dev.funcs())
	if err != nil {
		t.Fatalf("RegisterIOMem: %v", err)
	}
	if err := m.Register(Region{Start: 0x10000, Size: 0x1000, Kind: KindIO, IO: slot, RegionOffset: 0x100}); err != nil {
		t.Fatalf("Register io: %v", err)
	}
	return m, dev, slot
}

func TestPhysOffsetEncoding(t *testing.T) {
	p := PhysOffset(0x5000) | IOMem(7) | PhysOffset(constants.IOMemROMD)
	if p.IOIndex() != 7 || !p.IsROMD() || p.IsSubpage() || p.RAMAddr() != 0x5000 {
		t.Errorf("decode of 0x%x: idx=%d romd=%v sub=%v ram=0x%x", uint64(p), p.IOIndex(), p.IsROMD(), p.IsSubpage(), p.RAMAddr())
	}
	if !p.IsDirectRead() {
		t.Error("romd page should read directly")
	}
	if !PhysOffset(0x3000).IsRAM() || !(PhysOffset(0x3000) | PhysROM).IsDirectRead() {
		t.Error("ram and rom pages should read directly")
	}
	if IOMem(9).IsDirectRead() {
		t.Error("plain io page must not read directly")
	}
}

func TestDispatchIOArgument(t *testing.T) {
	m, dev, _ := newTestMemory(t)

	for _, addr := range []uint64{0x10000, 0x10004, 0x10ffc} {
		val, err := m.Read(addr, 4)
		if err != nil {
			t.Fatalf("Read(0x%x): %v", addr, err)
		}
		want := (addr - 0x10000) + 0x100
		if got := dev.reads[len(dev.reads)-1]; got != want {
			t.Errorf("handler saw 0x%x for 0x%x, want 0x%x", got, addr, want)
		}
		if val>>24 != 0xA {
			t.Errorf("Read(0x%x) = 0x%x, not from device", addr, val)
		}
	}

	if err := m.Write(0x10010, 0xbeef, 2); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if dev.writes[0x110] != 0xbeef {
		t.Errorf("device writes = %v", dev.writes)
	}
}

func TestDispatchRAM(t *testing.T) {
	m, _, _ := newTestMemory(t)

	if err := m.Write(0x1234, 0xdeadbeef, 4); err != nil {
		t.Fatalf("Write: %v", err)
	}
	host, ok := m.RAM().Host(0x1234, 4)
	if !ok {
		t.Fatal("ram offset not backed")
	}
	if diff := cmp.Diff([]byte{0xef, 0xbe, 0xad, 0xde}, host); diff != "" {
		t.Errorf("ram bytes (-want +got):\n%s", diff)
	}
	val, err := m.Read(0x1236, 2)
	if err != nil || val != 0xdead {
		t.Errorf("Read = 0x%x, %v", val, err)
	}
}

func TestRAMRegionAtOffset(t *testing.T) {
	m, _, _ := newTestMemory(t)
	// map the second half of the block at guest 0x40000
	if err := m.Register(Region{Start: 0x40000, Size: 0x2000, Kind: KindRAM, RAMOffset: 0x18000}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Write(0x41008, 0x55, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	host, _ := m.RAM().Host(0x19008, 1)
	if host[0] != 0x55 {
		t.Errorf("byte landed elsewhere: 0x%x", host[0])
	}
	ramAddr, err := m.RAMAddr(0x41008)
	if err != nil || ramAddr != 0x19008 {
		t.Errorf("RAMAddr = 0x%x, %v", ramAddr, err)
	}
	if err := m.Register(Region{Start: 0x40000, Size: 0x1000, Kind: KindRAM, RAMOffset: 0x18010}); err == nil {
		t.Error("expected misaligned ram offset to be rejected")
	}
}

func TestSubpageIdempotence(t *testing.T) {
	m, _, _ := newTestMemory(t)

	whole := newDevice(1)
	a, b := newDevice(2), newDevice(3)
	wslot, _ := m.RegisterIOMem("whole", whole.funcs())
	aslot, _ := m.RegisterIOMem("a", a.funcs())
	bslot, _ := m.RegisterIOMem("b", b.funcs())

	if err := m.Register(Region{Start: 0x20000, Size: 0x1000, Kind: KindIO, IO: wslot}); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(Region{Start: 0x20100, Size: 0x100, Kind: KindIO, IO: aslot, RegionOffset: 0x10}); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(Region{Start: 0x20800, Size: 0x100, Kind: KindIO, IO: bslot}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		addr uint64
		dev  *device
		arg  uint64
	}{
		{0x20100, a, 0x10},
		{0x201fc, a, 0x10c},
		{0x20800, b, 0},
		{0x20804, b, 4},
		{0x20000, whole, 0},
		{0x20200, whole, 0x200},
		{0x20900, whole, 0x900},
	}
	for _, tt := range tests {
		val, err := m.Read(tt.addr, 4)
		if err != nil {
			t.Fatalf("Read(0x%x): %v", tt.addr, err)
		}
		if val>>24 != tt.dev.id {
			t.Errorf("Read(0x%x) served by device %d, want %d", tt.addr, val>>24, tt.dev.id)
		}
		if got := tt.dev.reads[len(tt.dev.reads)-1]; got != tt.arg {
			t.Errorf("Read(0x%x) handler argument 0x%x, want 0x%x", tt.addr, got, tt.arg)
		}
	}

	pd, ok := m.Lookup(0x20000)
	if !ok || !pd.PhysOffset.IsSubpage() {
		t.Fatalf("page not split: %+v", pd)
	}
	subSlot := pd.PhysOffset.IOIndex()

	// registering the second subrange again must reuse the subpage
	if err := m.Register(Region{Start: 0x20800, Size: 0x100, Kind: KindIO, IO: bslot}); err != nil {
		t.Fatal(err)
	}
	if pd2, _ := m.Lookup(0x20000); pd2 != pd {
		t.Errorf("re-registration replaced the subpage: %+v -> %+v", pd, pd2)
	}

	// a whole-page registration drops the subpage and frees its slot
	if err := m.Register(Region{Start: 0x20000, Size: 0x1000, Kind: KindIO, IO: wslot}); err != nil {
		t.Fatal(err)
	}
	if m.SlotName(subSlot) != "" {
		t.Errorf("subpage slot %d still registered as %q", subSlot, m.SlotName(subSlot))
	}
	if val, _ := m.Read(0x20100, 4); val>>24 != whole.id {
		t.Errorf("whole-page registration did not take over: 0x%x", val)
	}
}

func TestSubpageMixesRAMAndIO(t *testing.T) {
	m, dev, _ := newTestMemory(t)
	slot, _ := m.RegisterIOMem("regs", newDevice(7).funcs())

	// a device window in the middle of a RAM page
	if err := m.Register(Region{Start: 0x3400, Size: 0x10, Kind: KindIO, IO: slot}); err != nil {
		t.Fatal(err)
	}
	if err := m.Write(0x3000, 0x11, 1); err != nil {
		t.Fatal(err)
	}
	host, _ := m.RAM().Host(0x3000, 1)
	if host[0] != 0x11 {
		t.Errorf("ram part of the split page not written")
	}
	if val, _ := m.Read(0x3404, 4); val>>24 != 7 {
		t.Errorf("device part of the split page read 0x%x", val)
	}
	if ramAddr, err := m.RAMAddr(0x3000); err != nil || ramAddr != 0x3000 {
		t.Errorf("RAMAddr in the ram part of a split page = 0x%x, %v", ramAddr, err)
	}
	if _, err := m.RAMAddr(0x3404); err == nil {
		t.Error("code fetch from the device part of a split page should fail")
	}
	if len(dev.reads) != 0 {
		t.Errorf("unrelated device touched: %v", dev.reads)
	}
}

func TestROMAndUnassigned(t *testing.T) {
	m, _, _ := newTestMemory(t)
	if err := m.Register(Region{Start: 0x30000, Size: 0x1000, Kind: KindROM, RAMOffset: 0x1f000}); err != nil {
		t.Fatal(err)
	}

	err := m.Write(0x30000, 1, 1)
	if !dbterrors.IsAccessError(err, dbterrors.ReadOnly) {
		t.Errorf("ROM write error = %v, want read-only", err)
	}
	if err := m.DebugRW(0x30010, []byte{0xAA, 0xBB}, true); err != nil {
		t.Fatalf("DebugRW write to ROM: %v", err)
	}
	val, err := m.Read(0x30010, 2)
	if err != nil || val != 0xBBAA {
		t.Errorf("ROM read = 0x%x, %v", val, err)
	}

	_, err = m.Read(0x80000, 4)
	if !dbterrors.IsAccessError(err, dbterrors.Unassigned) {
		t.Errorf("unassigned read error = %v", err)
	}
	if err := m.DebugRW(0x80000, make([]byte, 4), false); err == nil {
		t.Error("debug read of unassigned memory should fail")
	}

	// unassigning a page removes its descriptor
	if err := m.Register(Region{Start: 0x30000, Size: 0x1000, Kind: KindUnassigned}); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Lookup(0x30000); ok {
		t.Error("unassigned page still has a descriptor")
	}
}

func TestDebugRWAllOrNothing(t *testing.T) {
	m, _, _ := newTestMemory(t)
	if err := m.Register(Region{Start: 0x20000, Size: 0x1000, Kind: KindRAM, RAMOffset: 0x10000}); err != nil {
		t.Fatal(err)
	}

	// the second page of the range is unassigned
	err := m.DebugRW(0x20ff0, bytes.Repeat([]byte{0x5A}, 0x20), true)
	ae, ok := dbterrors.AsAccessError(err)
	if !ok || ae.Kind != dbterrors.Unassigned || ae.Addr != 0x21000 {
		t.Fatalf("DebugRW across into unassigned memory = %v", err)
	}
	got := make([]byte, 0x10)
	if err := m.DebugRW(0x20ff0, got, false); err != nil {
		t.Fatalf("DebugRW read: %v", err)
	}
	if diff := cmp.Diff(make([]byte, 0x10), got); diff != "" {
		t.Errorf("failed debug write touched the first page (-want +got):\n%s", diff)
	}
}

func TestROMDReadsRAMWritesDevice(t *testing.T) {
	m, _, _ := newTestMemory(t)
	flash := newDevice(5)
	slot, _ := m.RegisterIOMem("flash", flash.funcs())
	if err := m.Register(Region{Start: 0x50000, Size: 0x2000, Kind: KindROMD, RAMOffset: 0x1e000, IO: slot, RegionOffset: 0x40}); err != nil {
		t.Fatal(err)
	}
	host, _ := m.RAM().Host(0x1f004, 1)
	host[0] = 0x99

	val, err := m.Read(0x51004, 1)
	if err != nil || val != 0x99 {
		t.Errorf("romd read = 0x%x, %v", val, err)
	}
	if err := m.Write(0x51004, 0x12, 1); err != nil {
		t.Fatal(err)
	}
	if flash.writes[0x1044] != 0x12 {
		t.Errorf("romd write not sent to device: %v", flash.writes)
	}
}

func TestCrossPageAccess(t *testing.T) {
	m, _, _ := newTestMemory(t)
	if err := m.Write(0xffe, 0x04030201, 4); err != nil {
		t.Fatal(err)
	}
	val, err := m.Read(0xffe, 4)
	if err != nil || val != 0x04030201 {
		t.Errorf("Read = 0x%x, %v", val, err)
	}
	if _, err := m.Read(0, 3); err == nil {
		t.Error("expected 3 byte access to be rejected")
	}
}

func TestRWSplitsIOAccesses(t *testing.T) {
	m, dev, _ := newTestMemory(t)
	buf := make([]byte, 7)
	if err := m.RW(0x10001, buf, false); err != nil {
		t.Fatalf("RW: %v", err)
	}
	// 1 byte at 0x..1, 2 at 0x..2, 4 at 0x..4
	if diff := cmp.Diff([]uint64{0x101, 0x102, 0x104}, dev.reads); diff != "" {
		t.Errorf("handler calls (-want +got):\n%s", diff)
	}

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := m.RW(0xffc, data, true); err != nil {
		t.Fatalf("RW write: %v", err)
	}
	got := make([]byte, 8)
	m.RW(0xffc, got, false)
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("ram round trip (-want +got):\n%s", diff)
	}
}

func TestDirtyRoundTrip(t *testing.T) {
	m, _, _ := newTestMemory(t)
	rl := m.RAM()

	buf := make([]byte, 0x100)
	if err := m.RW(0x2000, buf, true); err != nil {
		t.Fatal(err)
	}
	if !rl.GetDirty(0x2000, constants.VGADirtyFlag) {
		t.Fatal("written page not dirty")
	}

	rl.ResetDirty(0, 0x10000, constants.VGADirtyFlag)
	if rl.GetDirty(0x2000, constants.VGADirtyFlag) {
		t.Fatal("page still dirty after reset")
	}
	if m.RouteOf(0x2000, true) != constants.IOMemNotDirty {
		t.Errorf("clean page routes writes through slot %d", m.RouteOf(0x2000, true))
	}

	if err := m.Write(0x2001, 1, 1); err != nil {
		t.Fatal(err)
	}
	var dirty []uint64
	rl.DirtyPages(constants.VGADirtyFlag, func(addr uint64) bool {
		if addr < 0x10000 {
			dirty = append(dirty, addr)
		}
		return true
	})
	if diff := cmp.Diff([]uint64{0x2000}, dirty); diff != "" {
		t.Errorf("dirty pages (-want +got):\n%s", diff)
	}
	if m.RouteOf(0x2000, true) != constants.IOMemRAM {
		t.Errorf("fully dirty page should route to ram")
	}
}

func TestCodeWatcher(t *testing.T) {
	m, _, _ := newTestMemory(t)
	w := &codeWatcher{}
	m.SetCodeWatcher(w)
	rl := m.RAM()

	rl.ClearDirtyFlags(0x1000, constants.CodeDirtyFlag)
	c := &cpu{}
	if err := m.WriteFrom(c, 0x1008, 0xff, 1); err != nil {
		t.Fatal(err)
	}
	want := []codeWrite{{CPU: true, RAMAddr: 0x1008, N: 1}}
	if diff := cmp.Diff(want, w.calls); diff != "" {
		t.Errorf("watcher calls (-want +got):\n%s", diff)
	}
	if rl.GetDirty(0x1000, constants.CodeDirtyFlag) {
		t.Error("store set the code flag")
	}
	if !rl.GetDirty(0x1000, constants.MigrationDirtyFlag) {
		t.Error("store did not set the migration flag")
	}

	// an aborting watcher keeps the store from landing
	w.err = errors.New("resume")
	if err := m.WriteFrom(c, 0x1010, 0x77, 1); !errors.Is(err, w.err) {
		t.Fatalf("WriteFrom error = %v", err)
	}
	host, _ := rl.Host(0x1010, 1)
	if host[0] != 0 {
		t.Errorf("aborted store landed: 0x%x", host[0])
	}

	// pages without the code flag cleared never reach the watcher
	w.err = nil
	w.calls = nil
	m.Write(0x5000, 1, 1)
	if len(w.calls) != 0 {
		t.Errorf("watcher called for a page without code: %v", w.calls)
	}
}

func TestBounceMutualExclusion(t *testing.T) {
	m, dev, _ := newTestMemory(t)

	first, err := m.Map(0x10000, 0x10, false)
	if err != nil {
		t.Fatalf("first Map: %v", err)
	}
	if len(first) != 0x10 || first[3] != 0xA {
		t.Fatalf("bounce not filled from device: % x", first)
	}

	if _, err := m.Map(0x10100, 0x10, true); !errors.Is(err, ErrBounceBusy) {
		t.Fatalf("second Map error = %v, want ErrBounceBusy", err)
	}

	var order []int
	m.RegisterMapClient(func() { order = append(order, 1) })
	c2 := m.RegisterMapClient(func() { order = append(order, 2) })
	m.RegisterMapClient(func() { order = append(order, 3) })
	m.UnregisterMapClient(c2)
	if len(order) != 0 {
		t.Fatal("clients notified before unmap")
	}

	first[0] = 0x42
	if err := m.Unmap(first, true, 1); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if dev.writes[0x100] != 0x42 {
		t.Errorf("bounced write not copied out: %v", dev.writes)
	}
	if diff := cmp.Diff([]int{1, 3}, order); diff != "" {
		t.Errorf("notification order (-want +got):\n%s", diff)
	}

	// clients are notified once
	second, err := m.Map(0x10100, 0x10, true)
	if err != nil {
		t.Fatalf("Map after unmap: %v", err)
	}
	m.Unmap(second, false, 0)
	if len(order) != 2 {
		t.Errorf("clients notified again: %v", order)
	}
}

func TestMapContextWaitsForBounce(t *testing.T) {
	m, _, _ := newTestMemory(t)
	held, err := m.Map(0x10000, 8, false)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		buf, err := m.MapContext(context.Background(), 0x10010, 8, false)
		if err == nil {
			err = m.Unmap(buf, false, 0)
		}
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("MapContext returned while the bounce buffer was held: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	m.Unmap(held, false, 0)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("MapContext: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("MapContext never woke up")
	}

	ctx, cancel := context.WithCancel(context.Background())
	held, _ = m.Map(0x10000, 8, false)
	cancel()
	if _, err := m.MapContext(ctx, 0x10000, 8, false); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled MapContext error = %v", err)
	}
	m.Unmap(held, false, 0)
}

func TestMapRAMContiguity(t *testing.T) {
	m, _, _ := newTestMemory(t)

	buf, err := m.Map(0x800, 0x2000, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != 0x2000 {
		t.Errorf("contiguous ram mapped %d bytes, want 0x2000", len(buf))
	}

	tail, err := m.Map(0xf000, 0x2000, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 0x1000 {
		t.Errorf("mapping stopped at 0x%x, want at the device page", len(tail))
	}

	// unmapping a write marks the pages dirty and reports code writes
	w := &codeWatcher{}
	m.SetCodeWatcher(w)
	m.RAM().ResetDirty(0, 0x10000, constants.AllDirty)
	if err := m.Unmap(buf, true, 0x1000); err != nil {
		t.Fatal(err)
	}
	want := []codeWrite{{RAMAddr: 0x800, N: 0x800}, {RAMAddr: 0x1000, N: 0x800}}
	if diff := cmp.Diff(want, w.calls); diff != "" {
		t.Errorf("watcher calls (-want +got):\n%s", diff)
	}
	if !m.RAM().GetDirty(0x1000, constants.VGADirtyFlag) || m.RAM().GetDirty(0x2000, constants.VGADirtyFlag) {
		t.Error("wrong pages dirtied by unmap")
	}
}

func TestWatchpoints(t *testing.T) {
	m, _, _ := newTestMemory(t)
	c := &cpu{wl: NewWatchList()}
	m.AttachWatchList(c.wl)

	if _, err := c.wl.Insert(0x4003, 4, WatchWrite); err == nil {
		t.Fatal("misaligned watchpoint accepted")
	}
	if _, err := c.wl.Insert(0x4000, 3, WatchWrite); err == nil {
		t.Fatal("3 byte watchpoint accepted")
	}
	before, err := c.wl.Insert(0x4000, 4, WatchWrite|WatchStopBeforeAccess)
	if err != nil {
		t.Fatal(err)
	}
	if m.RouteOf(0x4800, false) != constants.IOMemWatch {
		t.Error("watched page does not route through the watch slot")
	}

	err = m.WriteFrom(c, 0x4002, 0xff, 1)
	if !dbterrors.IsAccessError(err, dbterrors.WatchpointHit) || !errors.Is(err, ErrWatchBefore) {
		t.Fatalf("stop-before write error = %v", err)
	}
	if v, _ := m.Read(0x4002, 1); v != 0 {
		t.Error("stop-before write was performed")
	}
	if c.wl.Hit() != before {
		t.Error("Hit() does not report the triggering watchpoint")
	}

	// pending hit lets the re-executed access through
	if err := m.WriteFrom(c, 0x4002, 0xff, 1); err != nil {
		t.Fatalf("re-executed write: %v", err)
	}
	c.wl.ClearHit()

	// devices are not subject to CPU watchpoints
	if err := m.Write(0x4000, 1, 4); err != nil {
		t.Errorf("device write hit a CPU watchpoint: %v", err)
	}

	c.wl.RemoveRef(before)
	if _, err := c.wl.Insert(0x4008, 8, WatchRead); err != nil {
		t.Fatal(err)
	}
	m.Write(0x400c, 0x1234, 2)
	val, err := m.ReadFrom(c, 0x400c, 2)
	if !errors.Is(err, ErrWatchAfter) {
		t.Fatalf("stop-after read error = %v", err)
	}
	if val != 0x1234 {
		t.Errorf("stop-after read returned 0x%x, want the loaded value", val)
	}
	c.wl.ClearHit()

	// reads outside the watched bytes do not trigger
	if _, err := m.ReadFrom(c, 0x4010, 4); err != nil {
		t.Errorf("unwatched read: %v", err)
	}
	// debug access ignores watchpoints
	if err := m.DebugRW(0x4008, make([]byte, 8), false); err != nil {
		t.Errorf("debug read: %v", err)
	}

	c.wl.RemoveAll(WatchAccess)
	if c.wl.Len() != 0 {
		t.Errorf("RemoveAll left %d watchpoints", c.wl.Len())
	}
	if m.RouteOf(0x4000, false) == constants.IOMemWatch {
		t.Error("page still watched after RemoveAll")
	}
}

func TestWatchListAttachLater(t *testing.T) {
	m, _, _ := newTestMemory(t)
	wl := NewWatchList()
	wl.Insert(0x6000, 1, WatchAccess|WatchGDB)
	wl.Insert(0x6004, 4, WatchRead)
	if m.RouteOf(0x6000, false) == constants.IOMemWatch {
		t.Fatal("detached list affects routing")
	}
	m.AttachWatchList(wl)
	if m.RouteOf(0x6000, false) != constants.IOMemWatch {
		t.Fatal("attached list not routed")
	}
	if wps := wl.Watchpoints(); wps[0].Flags&WatchGDB == 0 {
		t.Errorf("gdb watchpoint not checked first: %+v", wps)
	}
	m.DetachWatchList(wl)
	if m.RouteOf(0x6000, false) == constants.IOMemWatch {
		t.Fatal("detached list still routed")
	}
}

func TestReadCode(t *testing.T) {
	m, _, _ := newTestMemory(t)
	m.RW(0xff0, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, true)

	buf := make([]byte, 20)
	if err := m.ReadCode(0xff0, buf); err != nil {
		t.Fatalf("ReadCode: %v", err)
	}
	if buf[19] != 20 {
		t.Errorf("code bytes % x", buf)
	}
	err := m.ReadCode(0x10000, buf[:4])
	if !dbterrors.IsAccessError(err, dbterrors.NotCode) {
		t.Errorf("fetch from device page error = %v", err)
	}
}

func TestRegisterIOMemExhaustion(t *testing.T) {
	m := New(ram.NewList("", false))
	var last IOIndex
	n := 0
	for {
		idx, err := m.RegisterIOMem("d", IOFuncs{})
		if err != nil {
			break
		}
		last = idx
		n++
	}
	if n != constants.IOMemNBEntries-constants.IOMemFirstDevice {
		t.Errorf("registered %d slots", n)
	}
	m.UnregisterIOMem(last)
	if idx, err := m.RegisterIOMem("again", IOFuncs{}); err != nil || idx != last {
		t.Errorf("freed slot not reused: %d, %v", idx, err)
	}
	// a device without handlers behaves as unassigned
	m.Register(Region{Start: 0, Size: 0x1000, Kind: KindIO, IO: last})
	if _, err := m.Read(0, 4); !dbterrors.IsAccessError(err, dbterrors.Unassigned) {
		t.Errorf("read from handlerless device: %v", err)
	}
}

func TestRuns(t *testing.T) {
	m, _, slot := newTestMemory(t)
	runs := m.Runs()
	if len(runs) != 2 {
		t.Fatalf("runs = %v", runs)
	}
	if runs[0].Start != 0 || runs[0].Size != 0x10000 || !runs[0].DirectRead {
		t.Errorf("ram run = %+v", runs[0])
	}
	if runs[1].Slot != slot || runs[1].Name != "dev" {
		t.Errorf("io run = %+v", runs[1])
	}
	t.Logf("%v\n%v", runs[0], runs[1])
}
