package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolDecode marks a malformed response from a remote call. It
	// usually means the deployed contract does not match the ABI we speak.
	ErrProtocolDecode = errors.New("protocol decode error")

	// ErrUnknownNetwork is returned when the connected chain id has no
	// registry/aggregator addresses configured.
	ErrUnknownNetwork = errors.New("unknown network")

	// ErrExecutionNotFound is returned when an execution record does not exist.
	ErrExecutionNotFound = errors.New("execution record not found")
)

// ProtocolDecodeError describes which remote value could not be decoded.
type ProtocolDecodeError struct {
	What string
	Err  error
}

// NewProtocolDecodeError wraps err as a decode failure of what.
func NewProtocolDecodeError(what string, err error) *ProtocolDecodeError {
	return &ProtocolDecodeError{What: what, Err: err}
}

func (e *ProtocolDecodeError) Error() string {
	return fmt.Sprintf("%s: decoding %s: %v", ErrProtocolDecode, e.What, e.Err)
}

func (e *ProtocolDecodeError) Unwrap() []error {
	return []error{ErrProtocolDecode, e.Err}
}
