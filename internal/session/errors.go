package session

import (
	"fmt"

	"hutch/internal/space"
)

// ErrorKind classifies a decode-time failure.
type ErrorKind int

const (
	KindNoMatch ErrorKind = iota
	KindInsufficientBytes
	KindUndefinedEncoding
	KindResolve
	KindEmit
)

func (k ErrorKind) String() string {
	switch k {
	case KindNoMatch:
		return "no match"
	case KindInsufficientBytes:
		return "insufficient bytes"
	case KindUndefinedEncoding:
		return "undefined encoding"
	case KindResolve:
		return "resolve error"
	case KindEmit:
		return "emit error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// DecodeError is a failure attributed to one buffer offset.
type DecodeError struct {
	Kind    ErrorKind
	Offset  int
	Address space.Address
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s (offset %d): %v", e.Address, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
