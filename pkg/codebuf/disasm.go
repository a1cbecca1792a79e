package codebuf

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders x86-64 code one instruction per line, labelled with
// offsets starting at base. Undecodable bytes are shown as db.
func Disassemble(code []byte, base int) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil || inst.Len == 0 {
			sb.WriteString(fmt.Sprintf("0x%04x: db 0x%02x\n", base+offset, code[offset]))
			offset++
			continue
		}

		hexBytes := make([]string, 0, inst.Len)
		for i := 0; i < inst.Len; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		sb.WriteString(fmt.Sprintf(
			"0x%04x: %-16s %s\n",
			base+offset,
			strings.Join(hexBytes, " "),
			inst.String(),
		))
		offset += inst.Len
	}
	return sb.String()
}
