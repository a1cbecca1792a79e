package ram

import (
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"unsafe"

	"dbt/pkg/constants"
)

// Logger receives allocation events; tests may silence it.
var Logger = log.Default()

// Block is one host allocation backing a run of guest RAM offsets
type Block struct {
	Offset uint64
	Length uint64
	Host   []byte
	FD     int    // backing file descriptor, -1 for anonymous or external memory
	IDStr  string // process-wide unique name
	Path   string // backing file directory, empty unless hugepage backed

	file     *os.File
	external bool
}

// List owns every RAM block and the per-page dirty flags covering the whole
// RAM offset space. Blocks are kept largest first.
type List struct {
	mu       sync.RWMutex
	blocks   []*Block
	mru      *Block
	dirty    []uint8 // one byte per target page
	memPath  string
	prealloc bool
}

// NewList creates an empty block list. memPath, when set, names a hugetlbfs
// directory used to back new blocks.
func NewList(memPath string, prealloc bool) *List {
	return &List{memPath: memPath, prealloc: prealloc}
}

// Alloc backs size bytes of guest RAM and returns its RAM offset. host, when
// non-nil, is used as the backing memory instead of a fresh mapping. A
// duplicate name is a programming error and panics.
func (l *List) Alloc(name string, size uint64, host []byte) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("ram block %q has zero size", name)
	}
	size = pageAlign(size)

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, b := range l.blocks {
		if b.IDStr == name {
			panic(fmt.Sprintf("ram: duplicate block name %q", name))
		}
	}

	block := &Block{Length: size, FD: -1, IDStr: name}
	switch {
	case host != nil:
		if uint64(len(host)) < size {
			return 0, fmt.Errorf("ram block %q: host memory is 0x%x bytes, need 0x%x", name, len(host), size)
		}
		block.Host = host[:size:size]
		block.external = true
	case l.memPath != "":
		f, mem, err := mapFile(l.memPath, size, l.prealloc)
		if err != nil {
			Logger.Printf("ram: could not back %q with %s, falling back to anonymous memory: %v", name, l.memPath, err)
			break
		}
		block.Host = mem
		block.file = f
		block.FD = int(f.Fd())
		block.Path = l.memPath
	}
	if block.Host == nil {
		mem, err := mapAnon(size)
		if err != nil {
			return 0, fmt.Errorf("failed to allocate ram block %q: %w", name, err)
		}
		block.Host = mem
	}

	block.Offset = l.findOffset(size)
	l.blocks = append(l.blocks, block)
	sort.SliceStable(l.blocks, func(i, j int) bool {
		return l.blocks[i].Length > l.blocks[j].Length
	})

	l.growDirty(l.lastOffset())
	l.fillDirty(block.Offset, block.Length, constants.AllDirty)

	Logger.Printf("ram: allocated %q at 0x%x size 0x%x", name, block.Offset, block.Length)
	return block.Offset, nil
}

// Free releases the block starting at offset. Its dirty flags are cleared.
func (l *List) Free(offset uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, b := range l.blocks {
		if b.Offset != offset {
			continue
		}
		l.blocks = append(l.blocks[:i], l.blocks[i+1:]...)
		if l.mru == b {
			l.mru = nil
		}
		l.fillDirty(b.Offset, b.Length, 0)

		var err error
		if !b.external {
			err = unmap(b.Host)
		}
		if b.file != nil {
			if cerr := b.file.Close(); err == nil {
				err = cerr
			}
		}
		b.Host = nil
		Logger.Printf("ram: freed %q at 0x%x", b.IDStr, b.Offset)
		return err
	}
	return fmt.Errorf("no ram block at offset 0x%x", offset)
}

// findOffset picks the smallest gap between existing blocks that fits size
func (l *List) findOffset(size uint64) uint64 {
	if len(l.blocks) == 0 {
		return 0
	}
	var offset uint64
	minGap := uint64(math.MaxUint64)
	for _, b := range l.blocks {
		end := b.Offset + b.Length
		next := uint64(math.MaxUint64)
		for _, nb := range l.blocks {
			if nb.Offset >= end && nb.Offset < next {
				next = nb.Offset
			}
		}
		if gap := next - end; gap >= size && gap < minGap {
			offset = end
			minGap = gap
		}
	}
	return offset
}

func (l *List) lastOffset() uint64 {
	var last uint64
	for _, b := range l.blocks {
		if end := b.Offset + b.Length; end > last {
			last = end
		}
	}
	return last
}

// Size returns the end of the highest allocated RAM offset
func (l *List) Size() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastOffset()
}

// Host returns the n host bytes backing RAM offset addr. The range must lie
// inside one block.
func (l *List) Host(addr, n uint64) ([]byte, bool) {
	l.mu.RLock()
	b := l.mru
	l.mu.RUnlock()
	if b == nil || addr < b.Offset || addr-b.Offset >= b.Length {
		l.mu.Lock()
		b = l.find(addr)
		if b != nil {
			l.mru = b
		}
		l.mu.Unlock()
		if b == nil {
			return nil, false
		}
	}
	off := addr - b.Offset
	if n > b.Length-off {
		return nil, false
	}
	return b.Host[off : off+n : off+n], true
}

func (l *List) find(addr uint64) *Block {
	for _, b := range l.blocks {
		if addr >= b.Offset && addr-b.Offset < b.Length {
			return b
		}
	}
	return nil
}

// RAMAddrOf maps host memory handed out by Host back to its RAM offset
func (l *List) RAMAddrOf(p []byte) (uint64, bool) {
	if len(p) == 0 {
		return 0, false
	}
	ptr := uintptr(unsafe.Pointer(&p[0]))

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, b := range l.blocks {
		if len(b.Host) == 0 {
			continue
		}
		base := uintptr(unsafe.Pointer(&b.Host[0]))
		if ptr >= base && ptr-base < uintptr(b.Length) {
			return b.Offset + uint64(ptr-base), true
		}
	}
	return 0, false
}

// BlockOf describes the block containing RAM offset addr
func (l *List) BlockOf(addr uint64) (Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b := l.find(addr)
	if b == nil {
		return Block{}, false
	}
	return b.info(), true
}

// Blocks lists every block, largest first
func (l *List) Blocks() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Block, 0, len(l.blocks))
	for _, b := range l.blocks {
		out = append(out, b.info())
	}
	return out
}

func (b *Block) info() Block {
	return Block{
		Offset: b.Offset,
		Length: b.Length,
		Host:   b.Host,
		FD:     b.FD,
		IDStr:  b.IDStr,
		Path:   b.Path,
	}
}

// Discard drops the contents of whole pages in [addr, addr+n), leaving them
// zero. Anonymous blocks hand the pages back to the host.
func (l *List) Discard(addr, n uint64) error {
	l.mu.RLock()
	b := l.find(addr)
	l.mu.RUnlock()
	if b == nil || n > b.Length-(addr-b.Offset) {
		return fmt.Errorf("discard 0x%x+0x%x is not inside one ram block", addr, n)
	}
	mem := b.Host[addr-b.Offset : addr-b.Offset+n]
	if b.external || b.file != nil || addr&(constants.TargetPageSize-1) != 0 || n&(constants.TargetPageSize-1) != 0 {
		clear(mem)
		return nil
	}
	return discard(mem)
}

func pageAlign(n uint64) uint64 {
	return (n + constants.TargetPageSize - 1) &^ (constants.TargetPageSize - 1)
}
