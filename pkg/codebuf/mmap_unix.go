//go:build unix

package codebuf

import (
	"golang.org/x/sys/unix"
)

func mapExec(size int) ([]byte, error) {
	return unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
}

func unmapExec(mem []byte) error {
	return unix.Munmap(mem)
}
