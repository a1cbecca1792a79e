package tb

import "fmt"

// ID is a stable handle into the block arena. IDs are reused only after a
// flush.
type ID int32

const NoTB ID = -1

// NoPage marks an unused PageAddr slot
const NoPage = ^uint64(0)

// CFlags layout
const (
	CFlagsCountMask = 0x7fff // guest instruction limit, 0 = no limit
)

// Key is the guest execution state a block was translated for
type Key struct {
	PC     uint64
	CSBase uint64
	Flags  uint32
}

func (k Key) String() string {
	return fmt.Sprintf("pc=0x%x cs_base=0x%x flags=0x%x", k.PC, k.CSBase, k.Flags)
}

// Block is one translated unit of guest code. Host code lives at TCOffset in
// the code buffer. JmpOffset and JmpResetOffset are relative to TCOffset; a
// JmpOffset of -1 means the exit has no patchable branch.
type Block struct {
	ID     ID
	PC     uint64
	CSBase uint64
	Flags  uint32
	CFlags uint32
	Size   uint32 // guest bytes

	TCOffset int
	TCSize   int

	// RAM offsets of the one or two pages the guest bytes span
	PageAddr [2]uint64

	JmpOffset      [2]int
	JmpResetOffset [2]int
	JmpTarget      [2]ID

	jmpIn  []JumpEdge
	physPC uint64
	out    []byte
	valid  bool
}

// JumpEdge is a chained direct jump: exit Slot of block From
type JumpEdge struct {
	From ID
	Slot int
}

// PageEntry records that slot Slot of block TB overlaps a page
type PageEntry struct {
	TB   ID
	Slot int
}

func (b *Block) Key() Key {
	return Key{PC: b.PC, CSBase: b.CSBase, Flags: b.Flags}
}

// Valid reports whether the block is still linked into the cache
func (b *Block) Valid() bool {
	return b.valid
}

// PhysPC returns the RAM offset of the first guest byte
func (b *Block) PhysPC() uint64 {
	return b.physPC
}

// CrossesPage reports whether the guest bytes span two pages
func (b *Block) CrossesPage() bool {
	return b.PageAddr[1] != NoPage
}

// Incoming lists the blocks whose direct jumps land on b
func (b *Block) Incoming() []JumpEdge {
	return append([]JumpEdge(nil), b.jmpIn...)
}

func (b *Block) reset(id ID, pc uint64) {
	*b = Block{
		ID:             id,
		PC:             pc,
		PageAddr:       [2]uint64{NoPage, NoPage},
		JmpOffset:      [2]int{-1, -1},
		JmpResetOffset: [2]int{-1, -1},
		JmpTarget:      [2]ID{NoTB, NoTB},
	}
}

func (b *Block) String() string {
	return fmt.Sprintf("tb %d %s size=%d tc=0x%x+%d", b.ID, b.Key(), b.Size, b.TCOffset, b.TCSize)
}
