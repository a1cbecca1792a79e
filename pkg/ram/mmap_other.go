//go:build !linux

package ram

import (
	"errors"
	"os"
)

func mapAnon(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func mapFile(dir string, size uint64, prealloc bool) (*os.File, []byte, error) {
	return nil, nil, errors.New("file backed ram needs a linux host")
}

func unmap(mem []byte) error {
	return nil
}

func discard(mem []byte) error {
	clear(mem)
	return nil
}
