package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound is returned for a missing or zero-length account.
	// It is an expected state, not a decode failure.
	ErrAccountNotFound = errors.New("codec: account not found")

	ErrTruncated             = errors.New("codec: buffer truncated")
	ErrDiscriminatorMismatch = errors.New("codec: discriminator mismatch")
	ErrInvalidUTF8           = errors.New("codec: string is not valid utf-8")
	ErrInvalidBool           = errors.New("codec: invalid bool byte")
	ErrFieldMissing          = errors.New("codec: field missing")
	ErrFieldType             = errors.New("codec: field has wrong type")
)

// DecodeError reports where a malformed account failed to decode.
type DecodeError struct {
	Schema string
	Field  string
	Offset int
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("codec: decode %s at offset %d: %v", e.Schema, e.Offset, e.Err)
	}
	return fmt.Sprintf("codec: decode %s.%s at offset %d: %v", e.Schema, e.Field, e.Offset, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the account does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}
