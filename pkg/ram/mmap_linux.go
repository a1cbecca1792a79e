//go:build linux

package ram

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const hugetlbfsMagic = 0x958458f6

func mapAnon(size uint64) ([]byte, error) {
	return unix.Mmap(
		-1, 0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
}

// mapFile backs size bytes with an unlinked file under dir, normally a
// hugetlbfs mount. The size is rounded up to the filesystem block size.
func mapFile(dir string, size uint64, prealloc bool) (*os.File, []byte, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(dir, &fs); err != nil {
		return nil, nil, fmt.Errorf("statfs %s: %w", dir, err)
	}
	if int64(fs.Type) != hugetlbfsMagic {
		Logger.Printf("ram: warning: %s is not on hugetlbfs", dir)
	}
	if bsize := uint64(fs.Bsize); bsize > 0 {
		if size < bsize {
			return nil, nil, fmt.Errorf("block of 0x%x bytes is smaller than the page size 0x%x of %s", size, bsize, dir)
		}
		size = (size + bsize - 1) &^ (bsize - 1)
	}

	f, err := os.CreateTemp(dir, "dbt_back_mem.")
	if err != nil {
		return nil, nil, err
	}
	// keep only the descriptor
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, nil, err
	}
	if err := unix.Ftruncate(int(f.Fd()), int64(size)); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("ftruncate: %w", err)
	}

	flags := unix.MAP_SHARED
	if prealloc {
		flags |= unix.MAP_POPULATE
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("mmap: %w", err)
	}
	return f, mem, nil
}

func unmap(mem []byte) error {
	return unix.Munmap(mem)
}

func discard(mem []byte) error {
	return unix.Madvise(mem, unix.MADV_DONTNEED)
}
