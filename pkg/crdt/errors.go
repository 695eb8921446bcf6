package crdt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidOp   = errors.New("invalid operation for this CRDT")
	ErrUnmergeable = errors.New("unmergeable CRDT variant")
	ErrInvalidData = errors.New("invalid CRDT data")
	ErrOverflow    = errors.New("counter overflow")
)

// UnmergeableError reports an attempt to merge two different variants. It
// usually indicates a protocol or version mismatch between replicas.
type UnmergeableError struct {
	Local  Type
	Remote Type
}

func (e *UnmergeableError) Error() string {
	return fmt.Sprintf("cannot merge %s into %s", e.Remote, e.Local)
}

func (e *UnmergeableError) Unwrap() error { return ErrUnmergeable }

// InvalidDataError reports bytes that cannot be decoded into a value.
type InvalidDataError struct {
	CRDTType   Type
	Reason     string
	DataLength int
}

func (e *InvalidDataError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid CRDT data: type %d", byte(e.CRDTType))
	if e.Reason != "" {
		fmt.Fprintf(&b, ", reason: %s", e.Reason)
	}
	if e.DataLength >= 0 {
		fmt.Fprintf(&b, ", length: %d", e.DataLength)
	}
	return b.String()
}

func (e *InvalidDataError) Unwrap() error { return ErrInvalidData }
