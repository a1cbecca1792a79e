package tb

import (
	"fmt"

	"dbt/pkg/constants"
)

// AddJump chains exit slot of from directly to to's host code. An exit that
// is already chained or has no patchable branch is left alone, as is a pair
// where either block has been invalidated in the meantime.
func (c *Cache) AddJump(from *Block, slot int, to *Block) error {
	if slot < 0 || slot > 1 || from.JmpOffset[slot] < 0 || from.JmpTarget[slot] != NoTB {
		return nil
	}
	if !from.valid || !to.valid {
		return nil
	}
	if err := c.code.PatchBranch(from.TCOffset+from.JmpOffset[slot], to.TCOffset); err != nil {
		return fmt.Errorf("chaining %s slot %d: %w", from, slot, err)
	}
	from.JmpTarget[slot] = to.ID
	to.jmpIn = append(to.jmpIn, JumpEdge{From: from.ID, Slot: slot})
	c.chained++
	return nil
}

// resetJump points exit n back at its unchained landing spot
func (c *Cache) resetJump(b *Block, n int) error {
	if b.JmpOffset[n] < 0 {
		return nil
	}
	return c.code.PatchBranch(b.TCOffset+b.JmpOffset[n], b.TCOffset+b.JmpResetOffset[n])
}

// unlinkJumps removes b from the jump graph in both directions. Every block
// that was chained into b is patched back to its slow path.
func (c *Cache) unlinkJumps(b *Block) {
	for _, e := range b.jmpIn {
		from := &c.blocks[e.From]
		if from.JmpTarget[e.Slot] != b.ID {
			continue
		}
		from.JmpTarget[e.Slot] = NoTB
		if err := c.resetJump(from, e.Slot); err != nil {
			panic(fmt.Sprintf("tb: cannot unchain %s slot %d: %v", from, e.Slot, err))
		}
	}
	b.jmpIn = nil

	for n := 0; n < 2; n++ {
		t := b.JmpTarget[n]
		if t == NoTB {
			continue
		}
		to := &c.blocks[t]
		for i, e := range to.jmpIn {
			if e.From == b.ID && e.Slot == n {
				to.jmpIn = append(to.jmpIn[:i], to.jmpIn[i+1:]...)
				break
			}
		}
		b.JmpTarget[n] = NoTB
		if err := c.resetJump(b, n); err != nil {
			panic(fmt.Sprintf("tb: cannot unchain %s slot %d: %v", b, n, err))
		}
	}
}

const (
	jmpPageBits = constants.JmpCacheBits / 2
	jmpPageSize = 1 << jmpPageBits
	jmpAddrMask = jmpPageSize - 1
	jmpPageMask = constants.JmpCacheSize - jmpPageSize
)

// JumpCache is a CPU's direct-mapped cache from virtual PC to block,
// consulted before the physical hash.
type JumpCache struct {
	entries [constants.JmpCacheSize]ID
}

func NewJumpCache() *JumpCache {
	jc := &JumpCache{}
	jc.Clear()
	return jc
}

// entries for one guest page are grouped so a page can be cleared at once
func jmpCacheHash(pc uint64) int {
	tmp := pc ^ (pc >> (constants.TargetPageBits - jmpPageBits))
	return int((tmp>>(constants.TargetPageBits-jmpPageBits))&jmpPageMask | tmp&jmpAddrMask)
}

func jmpCachePage(pc uint64) int {
	tmp := pc ^ (pc >> (constants.TargetPageBits - jmpPageBits))
	return int((tmp >> (constants.TargetPageBits - jmpPageBits)) & jmpPageMask)
}

func (jc *JumpCache) Lookup(pc uint64) ID {
	return jc.entries[jmpCacheHash(pc)]
}

func (jc *JumpCache) Set(pc uint64, id ID) {
	jc.entries[jmpCacheHash(pc)] = id
}

func (jc *JumpCache) Clear() {
	for i := range jc.entries {
		jc.entries[i] = NoTB
	}
}

// ClearPage drops entries that may hold blocks starting in the page of
// vaddr or in the page before it, which can spill over.
func (jc *JumpCache) ClearPage(vaddr uint64) {
	for _, addr := range []uint64{vaddr - constants.TargetPageSize, vaddr} {
		start := jmpCachePage(addr)
		for i := 0; i < jmpPageSize; i++ {
			jc.entries[start+i] = NoTB
		}
	}
}

func (jc *JumpCache) drop(pc uint64, id ID) {
	h := jmpCacheHash(pc)
	if jc.entries[h] == id {
		jc.entries[h] = NoTB
	}
}

// RegisterJumpCache lets the cache clear jc when blocks go away
func (c *Cache) RegisterJumpCache(jc *JumpCache) {
	c.jumpCache = append(c.jumpCache, jc)
}

func (c *Cache) UnregisterJumpCache(jc *JumpCache) {
	for i, x := range c.jumpCache {
		if x == jc {
			c.jumpCache = append(c.jumpCache[:i], c.jumpCache[i+1:]...)
			return
		}
	}
}
