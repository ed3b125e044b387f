package codec

import (
	"errors"
	"fmt"
)

// ErrorKind separates broken framing from illegal field values.
type ErrorKind int

const (
	KindStructural ErrorKind = iota
	KindValueRange
)

func (k ErrorKind) String() string {
	switch k {
	case KindStructural:
		return "structural"
	case KindValueRange:
		return "value range"
	default:
		return "unknown"
	}
}

var (
	ErrStructural = errors.New("structural decode error")
	ErrValueRange = errors.New("value out of range")
)

// DecodeError is returned by every decoder in this package.
type DecodeError struct {
	Block string
	Kind  ErrorKind
	Msg   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Block, e.Kind, e.Msg)
}

func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrStructural:
		return e.Kind == KindStructural
	case ErrValueRange:
		return e.Kind == KindValueRange
	}
	return false
}

func structuralError(block, format string, args ...any) error {
	return &DecodeError{Block: block, Kind: KindStructural, Msg: fmt.Sprintf(format, args...)}
}

func rangeError(block, format string, args ...any) error {
	return &DecodeError{Block: block, Kind: KindValueRange, Msg: fmt.Sprintf(format, args...)}
}
