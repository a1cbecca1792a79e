package constants

// Target page geometry. Every guest physical page, PageDesc and dirty byte is
// sized by these.
const TargetPageBits = 12

const TargetPageSize uint64 = 1 << TargetPageBits

const TargetPageMask uint64 = ^(TargetPageSize - 1)

// I/O slot numbering. The low bits of a phys_offset (below the page size) hold
// the slot index shifted by IOMemShift plus the ROMD/subpage flags.
const IOMemShift = 3

const IOMemNBEntries = 256

const (
	IOMemRAM        = 0
	IOMemROM        = 1
	IOMemUnassigned = 2
	IOMemNotDirty   = 3
	IOMemWatch      = 4
	IOMemSubpageRAM = 5

	IOMemFirstDevice = 6
)

const (
	IOMemROMD    uint64 = 1
	IOMemSubpage uint64 = 2
)

// Code buffer sizing. The maximum depends on the reach of the host's direct
// branch instruction.
const (
	MinCodeGenBufferSize      uint64 = 1 << 20
	DefaultCodeGenBufferSize  uint64 = 32 << 20
	MaxCodeGenBufferSizeAMD64 uint64 = 2<<30 - 4096
	MaxCodeGenBufferSizeARM64 uint64 = 128 << 20
	MaxCodeGenBufferSizeOther uint64 = 32 << 20
)

const CodeGenPrologueSize = 1024

const CodeGenAlign = 16

const CodeGenAvgBlockSize = 128

// CodeGenMaxBlockSize is the headroom kept free at the end of the usable
// region so a block being emitted never runs into the prologue.
const CodeGenMaxBlockSize = 64 << 10

// Translation block cache geometry.
const PhysHashBits = 15

const PhysHashSize = 1 << PhysHashBits

const JmpCacheBits = 12

const JmpCacheSize = 1 << JmpCacheBits

const SMCBitmapUseThreshold = 10

// Per-page dirty flags, one byte per RAM page.
const (
	VGADirtyFlag       uint8 = 0x01
	CodeDirtyFlag      uint8 = 0x02
	MigrationDirtyFlag uint8 = 0x08
	AllDirty           uint8 = 0xff
)
