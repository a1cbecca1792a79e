package errors

import (
	"errors"
	"fmt"
)

// AccessKind classifies a failed guest physical access. The ISA layer turns
// it into the matching guest exception.
type AccessKind int

const (
	Unassigned AccessKind = iota
	ReadOnly
	WatchpointHit
	NotCode
)

func (k AccessKind) String() string {
	switch k {
	case Unassigned:
		return "unassigned"
	case ReadOnly:
		return "read-only"
	case WatchpointHit:
		return "watchpoint"
	case NotCode:
		return "not code"
	}
	return fmt.Sprintf("AccessKind(%d)", int(k))
}

type AccessError struct {
	Kind  AccessKind
	Addr  uint64
	Size  int
	Write bool
	Cause error
}

func (e *AccessError) Error() string {
	op := "read"
	if e.Write {
		op = "write"
	}
	msg := fmt.Sprintf("%s %s at 0x%x size %d", e.Kind, op, e.Addr, e.Size)
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *AccessError) Unwrap() error {
	return e.Cause
}

// IsAccessError checks if an error is an access error of the given kind
func IsAccessError(err error, kind AccessKind) bool {
	var ae *AccessError
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// AsAccessError extracts the access error from err, if any
func AsAccessError(err error) (*AccessError, bool) {
	var ae *AccessError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// WrapAccessError wraps an existing error as an access error
func WrapAccessError(err error, kind AccessKind, addr uint64, size int, write bool) *AccessError {
	return &AccessError{
		Kind:  kind,
		Addr:  addr,
		Size:  size,
		Write: write,
		Cause: err,
	}
}

// AccessErrorf creates a new access error with a formatted cause
func AccessErrorf(kind AccessKind, addr uint64, size int, write bool, format string, args ...interface{}) *AccessError {
	return &AccessError{
		Kind:  kind,
		Addr:  addr,
		Size:  size,
		Write: write,
		Cause: fmt.Errorf(format, args...),
	}
}
