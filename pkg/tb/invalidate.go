package tb

import (
	"dbt/pkg/constants"
)

// PhysInvalidate unlinks b from every structure: the hash, its page lists,
// the jump graph and every CPU's jump cache. Its code stays in the buffer
// until the next flush.
func (c *Cache) PhysInvalidate(b *Block) {
	if !b.valid {
		return
	}
	h := physHash(b.physPC)
	bucket := c.hash[h]
	for i, id := range bucket {
		if id == b.ID {
			c.hash[h] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}

	for n := 0; n < 2; n++ {
		if b.PageAddr[n] != NoPage {
			c.removeFromPage(b, n)
		}
	}

	for _, jc := range c.jumpCache {
		jc.drop(b.PC, b.ID)
	}
	c.unlinkJumps(b)

	b.valid = false
	c.invalidations++
}

func (c *Cache) removeFromPage(b *Block, n int) {
	page := b.PageAddr[n]
	p, ok := c.pages[page>>constants.TargetPageBits]
	if !ok {
		return
	}
	for i, e := range p.tbs {
		if e.TB == b.ID && e.Slot == n {
			p.tbs = append(p.tbs[:i], p.tbs[i+1:]...)
			break
		}
	}
	if len(p.tbs) == 0 {
		p.invalidateBitmap()
		if c.protect != nil {
			c.protect.UnprotectCode(page)
		}
	}
}

// footprint returns the guest bytes [start, end) that slot n of b covers,
// as RAM offsets
func (b *Block) footprint(n int) (uint64, uint64) {
	if n == 0 {
		start := b.PageAddr[0] + b.PC&^constants.TargetPageMask
		end := start + uint64(b.Size)
		if b.PageAddr[1] != NoPage {
			end = b.PageAddr[0] + constants.TargetPageSize
		}
		return start, end
	}
	start := b.PageAddr[1]
	return start, start + (b.PC+uint64(b.Size))&^constants.TargetPageMask
}

// InvalidateRange unlinks every block whose guest bytes intersect the RAM
// range [start, end). current is the block executing on the writing CPU,
// or NoTB. The result reports that current was hit and must be replaced by
// a single-instruction block before execution resumes.
func (c *Cache) InvalidateRange(start, end uint64, current ID, isCPUWrite bool) bool {
	modified := false
	for page := start & constants.TargetPageMask; page < end; page += constants.TargetPageSize {
		lo, hi := start, end
		if lo < page {
			lo = page
		}
		if hi > page+constants.TargetPageSize {
			hi = page + constants.TargetPageSize
		}
		if c.invalidatePage(page, lo, hi, current, isCPUWrite) {
			modified = true
		}
		if page+constants.TargetPageSize < page {
			break
		}
	}
	return modified
}

func (c *Cache) invalidatePage(page, start, end uint64, current ID, isCPUWrite bool) bool {
	p, ok := c.pages[page>>constants.TargetPageBits]
	if !ok {
		return false
	}
	if p.codeBitmap == nil && isCPUWrite {
		p.codeWriteCount++
		if p.codeWriteCount >= c.threshold {
			c.buildBitmap(p)
		}
	}

	modified := false
	for _, e := range append([]PageEntry(nil), p.tbs...) {
		b := &c.blocks[e.TB]
		tbStart, tbEnd := b.footprint(e.Slot)
		if tbEnd <= start || tbStart >= end {
			continue
		}
		if e.TB == current && b.CFlags&CFlagsCountMask != 1 {
			modified = true
		}
		c.PhysInvalidate(b)
	}
	return modified
}

// InvalidatePageFast handles a CPU store of n bytes at RAM offset start,
// skipping the scan when the page's code bitmap shows no code there.
func (c *Cache) InvalidatePageFast(start uint64, n int, current ID) bool {
	p, ok := c.pages[start>>constants.TargetPageBits]
	if !ok {
		return false
	}
	if p.codeBitmap != nil {
		off := start &^ constants.TargetPageMask
		hit := false
		for i := uint64(0); i < uint64(n) && off+i < constants.TargetPageSize; i++ {
			if p.codeBitmap[(off+i)>>3]&(1<<((off+i)&7)) != 0 {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return c.InvalidateRange(start, start+uint64(n), current, true)
}

func (c *Cache) buildBitmap(p *PageDesc) {
	p.codeBitmap = make([]byte, constants.TargetPageSize/8)
	for _, e := range p.tbs {
		b := &c.blocks[e.TB]
		start, end := b.footprint(e.Slot)
		base := b.PageAddr[e.Slot]
		for a := start - base; a < end-base; a++ {
			p.codeBitmap[a>>3] |= 1 << (a & 7)
		}
	}
	c.bitmapBuilds++
}

func (p *PageDesc) invalidateBitmap() {
	p.codeBitmap = nil
	p.codeWriteCount = 0
}
