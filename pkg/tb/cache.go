package tb

import (
	"dbt/pkg/constants"
)

// CodeSpace is where host code is emitted. codebuf.Buffer implements it.
type CodeSpace interface {
	Reserve() (int, []byte)
	Commit(off, n int)
	Rewind(off int)
	Reset()
	Full() bool
	Used() int
	PatchBranch(at, target int) error
}

// Protector arms write interception on a RAM page once it holds code and
// disarms it when the last block leaves.
type Protector interface {
	ProtectCode(ramPage uint64)
	UnprotectCode(ramPage uint64)
}

type Options struct {
	MaxBlocks    int
	SMCThreshold int // writes before a page builds its code bitmap
	Protector    Protector
}

// PageDesc tracks the blocks overlapping one RAM page
type PageDesc struct {
	tbs            []PageEntry
	codeBitmap     []byte // one bit per byte of the page covered by code
	codeWriteCount int
}

// Cache is the translation block store. It is not safe for concurrent use:
// the owner serializes every call under its memory map lock.
type Cache struct {
	code      CodeSpace
	blocks    []Block
	nb        int
	hash      [][]ID
	pages     map[uint64]*PageDesc
	jumpCache []*JumpCache
	protect   Protector
	threshold int

	flushes       int
	invalidations int
	bitmapBuilds  int
	chained       int
}

func New(code CodeSpace, opts Options) *Cache {
	if opts.SMCThreshold <= 0 {
		opts.SMCThreshold = constants.SMCBitmapUseThreshold
	}
	if opts.MaxBlocks <= 0 {
		opts.MaxBlocks = 1024
	}
	return &Cache{
		code:      code,
		blocks:    make([]Block, opts.MaxBlocks),
		hash:      make([][]ID, constants.PhysHashSize),
		pages:     make(map[uint64]*PageDesc),
		protect:   opts.Protector,
		threshold: opts.SMCThreshold,
	}
}

func physHash(pc uint64) int {
	return int((pc >> 2) & (constants.PhysHashSize - 1))
}

// Alloc hands out the next block and reserves host code space for it.
// false means the cache is full; the caller flushes and retries.
func (c *Cache) Alloc(pc uint64) (*Block, bool) {
	if c.nb >= len(c.blocks) || c.code.Full() {
		return nil, false
	}
	b := &c.blocks[c.nb]
	b.reset(ID(c.nb), pc)
	b.TCOffset, b.out = c.code.Reserve()
	c.nb++
	return b, true
}

// Output is the space the block's host code is emitted into
func (c *Cache) Output(b *Block) []byte {
	return b.out
}

// Commit records the emitted host code size and advances the code cursor
func (c *Cache) Commit(b *Block, hostSize int) {
	b.TCSize = hostSize
	b.out = nil
	c.code.Commit(b.TCOffset, hostSize)
}

// Link makes b findable: it enters the hash and the page lists of its one or
// two pages, and its exits are pointed at the slow path.
func (c *Cache) Link(b *Block, physPC, physPage2 uint64) error {
	b.physPC = physPC
	h := physHash(physPC)
	c.hash[h] = append(c.hash[h], b.ID)

	c.addPage(b, 0, physPC&constants.TargetPageMask)
	if physPage2 != NoPage {
		c.addPage(b, 1, physPage2)
	}
	b.valid = true

	for n := 0; n < 2; n++ {
		if err := c.resetJump(b, n); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) addPage(b *Block, n int, page uint64) {
	b.PageAddr[n] = page
	p, ok := c.pages[page>>constants.TargetPageBits]
	if !ok {
		p = &PageDesc{}
		c.pages[page>>constants.TargetPageBits] = p
	}
	first := len(p.tbs) == 0
	p.tbs = append(p.tbs, PageEntry{TB: b.ID, Slot: n})
	p.invalidateBitmap()
	if first && c.protect != nil {
		c.protect.ProtectCode(page)
	}
}

// Lookup finds a valid block for key whose first guest byte is at RAM
// offset physPC. page2 resolves the guest page following key.PC for blocks
// spanning two pages; a cross-page block only matches if that page still
// maps to the same RAM.
func (c *Cache) Lookup(physPC uint64, key Key, page2 func(virt uint64) (uint64, bool)) *Block {
	page1 := physPC & constants.TargetPageMask
	for _, id := range c.hash[physHash(physPC)] {
		b := &c.blocks[id]
		if !b.valid || b.PC != key.PC || b.CSBase != key.CSBase || b.Flags != key.Flags || b.PageAddr[0] != page1 {
			continue
		}
		if b.PageAddr[1] == NoPage {
			return b
		}
		if page2 == nil {
			continue
		}
		virt2 := key.PC&constants.TargetPageMask + constants.TargetPageSize
		if phys2, ok := page2(virt2); ok && phys2 == b.PageAddr[1] {
			return b
		}
	}
	return nil
}

// Get returns the block behind id, valid or not
func (c *Cache) Get(id ID) *Block {
	if id < 0 || int(id) >= c.nb {
		return nil
	}
	return &c.blocks[id]
}

// Each calls fn for every valid block in allocation order
func (c *Cache) Each(fn func(b *Block)) {
	for i := 0; i < c.nb; i++ {
		if c.blocks[i].valid {
			fn(&c.blocks[i])
		}
	}
}

// PageBlocks lists the blocks overlapping the RAM page holding addr
func (c *Cache) PageBlocks(addr uint64) []PageEntry {
	p, ok := c.pages[addr>>constants.TargetPageBits]
	if !ok {
		return nil
	}
	return append([]PageEntry(nil), p.tbs...)
}

// HasCodeBitmap reports whether the page holding addr answers writes from
// its code bitmap
func (c *Cache) HasCodeBitmap(addr uint64) bool {
	p, ok := c.pages[addr>>constants.TargetPageBits]
	return ok && p.codeBitmap != nil
}

// Free gives back b, which must be the most recently allocated block, so
// its arena slot and host code are reused. Other blocks are only unlinked.
func (c *Cache) Free(b *Block) bool {
	if b.valid {
		c.PhysInvalidate(b)
	}
	if c.nb == 0 || b.ID != ID(c.nb-1) {
		return false
	}
	c.code.Rewind(b.TCOffset)
	c.nb--
	return true
}

// Flush drops every block and rewinds the code buffer
func (c *Cache) Flush() {
	for _, jc := range c.jumpCache {
		jc.Clear()
	}
	for i := range c.hash {
		c.hash[i] = nil
	}
	for idx, p := range c.pages {
		if len(p.tbs) > 0 && c.protect != nil {
			c.protect.UnprotectCode(idx << constants.TargetPageBits)
		}
	}
	c.pages = make(map[uint64]*PageDesc)
	for i := 0; i < c.nb; i++ {
		c.blocks[i].valid = false
		c.blocks[i].jmpIn = nil
	}
	c.nb = 0
	c.code.Reset()
	c.flushes++
}

// Stats summarises the cache
type Stats struct {
	Blocks        int
	MaxBlocks     int
	CodeBytes     int
	GuestBytes    int
	CrossPage     int
	DirectJumps   [2]int // valid blocks with a patchable branch in slot 0 / 1
	Chained       int    // direct jumps patched since start
	Flushes       int
	Invalidations int
	BitmapBuilds  int
}

func (c *Cache) Stats() Stats {
	s := Stats{
		MaxBlocks:     len(c.blocks),
		CodeBytes:     c.code.Used(),
		Chained:       c.chained,
		Flushes:       c.flushes,
		Invalidations: c.invalidations,
		BitmapBuilds:  c.bitmapBuilds,
	}
	c.Each(func(b *Block) {
		s.Blocks++
		s.GuestBytes += int(b.Size)
		if b.CrossesPage() {
			s.CrossPage++
		}
		for n := 0; n < 2; n++ {
			if b.JmpOffset[n] >= 0 {
				s.DirectJumps[n]++
			}
		}
	})
	return s
}
