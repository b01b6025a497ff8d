package conversion

import (
	"errors"
	"fmt"
	"strings"
)

// Translation errors. Each is local to one message: the caller logs it
// and drops that message.
var (
	// ErrUnknownTopic indicates the category/subtopic has no table entry.
	ErrUnknownTopic = errors.New("conversion: unknown topic")

	// ErrUnknownFrameID indicates no entry owns the received frame ID.
	ErrUnknownFrameID = errors.New("conversion: unknown frame id")

	// ErrMalformedTopic indicates a topic with fewer than two segments.
	ErrMalformedTopic = errors.New("conversion: malformed topic")

	// ErrMissingField indicates the record lacks a field the entry declares.
	ErrMissingField = errors.New("conversion: missing field")

	// ErrRange indicates a numeric value outside the field's range.
	ErrRange = errors.New("conversion: value out of range")

	// ErrFormat indicates a value of the wrong shape (bad colour, non-integer).
	ErrFormat = errors.New("conversion: invalid format")

	// ErrUnknownSymbol indicates an enum name not present in the field's map.
	ErrUnknownSymbol = errors.New("conversion: unknown enum symbol")

	// ErrUnknownCode indicates an enum code not present in the field's map.
	ErrUnknownCode = errors.New("conversion: unknown enum code")

	// ErrFrameOverflow indicates the fields do not fit in one frame.
	ErrFrameOverflow = errors.New("conversion: frame overflow")

	// ErrTableLoad indicates the conversion table itself is invalid.
	ErrTableLoad = errors.New("conversion: table load failed")
)

// FieldError reports a failure on one field with enough context to log
// and skip the message.
type FieldError struct {
	Topic string // entry topic
	Field string
	Value any // raw input (encode) or raw bytes (decode)
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: field %q of %s (value %v)", e.Err, e.Field, e.Topic, e.Value)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// LoadError collects every problem found while validating a table.
type LoadError struct {
	Source   string
	Problems []string
}

func (e *LoadError) Error() string {
	src := e.Source
	if src == "" {
		src = "<inline>"
	}
	return fmt.Sprintf("%v: %s: %s", ErrTableLoad, src, strings.Join(e.Problems, "; "))
}

func (e *LoadError) Unwrap() error {
	return ErrTableLoad
}
