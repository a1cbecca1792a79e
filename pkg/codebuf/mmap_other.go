//go:build !unix

package codebuf

import "errors"

var errNoExecMemory = errors.New("executable memory is only available on unix hosts")

func mapExec(size int) ([]byte, error) {
	return nil, errNoExecMemory
}

func unmapExec(mem []byte) error {
	return nil
}
