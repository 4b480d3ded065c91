package contracts

import (
	"errors"
	"fmt"
)

// ErrMissingField is returned when a decoded envelope lacks a required field
var ErrMissingField = errors.New("contracts: missing required field")

// SerializationError is returned when a payload or an envelope cannot be
// encoded to JSON
type SerializationError struct {
	Target string // "payload" or "envelope"
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error: cannot encode %s: %v", e.Target, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// DecodeError is returned when delivery bytes are not a valid envelope, or
// when an envelope payload does not match the requested type
type DecodeError struct {
	Target string // "envelope" or "payload"
	Field  string // set for missing fields
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode error: %s field %q: %v", e.Target, e.Field, e.Err)
	}
	return fmt.Sprintf("decode error: %s: %v", e.Target, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
