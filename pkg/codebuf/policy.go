package codebuf

import "dbt/pkg/constants"

// MaxFor returns the largest code buffer a host can address with its direct
// branch instruction.
func MaxFor(arch string) uint64 {
	switch arch {
	case "amd64":
		return constants.MaxCodeGenBufferSizeAMD64
	case "arm64":
		return constants.MaxCodeGenBufferSizeARM64
	default:
		return constants.MaxCodeGenBufferSizeOther
	}
}

// SizeFor picks the code buffer size: the explicit size if given, otherwise a
// quarter of guest RAM, clamped to what the host can branch across.
func SizeFor(explicit, ramSize uint64, arch string) uint64 {
	size := explicit
	if size == 0 {
		size = ramSize / 4
	}
	if size == 0 {
		size = constants.DefaultCodeGenBufferSize
	}
	if size < constants.MinCodeGenBufferSize {
		size = constants.MinCodeGenBufferSize
	}
	if limit := MaxFor(arch); size > limit {
		size = limit
	}
	return size &^ (constants.TargetPageSize - 1)
}

// MaxBlocks sizes the translation block arena for a buffer
func MaxBlocks(size uint64) int {
	return int(size / constants.CodeGenAvgBlockSize)
}
