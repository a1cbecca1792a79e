package codebuf

import (
	"testing"

	"dbt/pkg/constants"
)

func TestSizeFor(t *testing.T) {
	tests := []struct {
		name     string
		explicit uint64
		ram      uint64
		arch     string
		want     uint64
	}{
		{"explicit", 8 << 20, 1 << 30, "amd64", 8 << 20},
		{"quarter of ram", 0, 256 << 20, "amd64", 64 << 20},
		{"default", 0, 0, "amd64", constants.DefaultCodeGenBufferSize},
		{"clamped to min", 4096, 0, "amd64", constants.MinCodeGenBufferSize},
		{"clamped to arm64 range", 0, 4 << 30, "arm64", constants.MaxCodeGenBufferSizeARM64},
		{"clamped to amd64 range", 0, 64 << 30, "amd64", constants.MaxCodeGenBufferSizeAMD64},
		{"page aligned", (2 << 20) + 100, 0, "amd64", 2 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SizeFor(tt.explicit, tt.ram, tt.arch); got != tt.want {
				t.Errorf("SizeFor(0x%x, 0x%x, %s) = 0x%x, want 0x%x", tt.explicit, tt.ram, tt.arch, got, tt.want)
			}
		})
	}
}

func TestDisassembleUnknownBytes(t *testing.T) {
	text := Disassemble([]byte{0x90, 0x0f}, 0x100)
	if text == "" {
		t.Fatal("empty disassembly")
	}
	t.Logf("\n%s", text)
}
