package override

import (
	"errors"
	"fmt"
)

// ErrUnknownStage is returned when resolving a stage with no registered default
var ErrUnknownStage = errors.New("unknown override stage")

// ParseError reports a malformed chain description
type ParseError struct {
	Input  string
	Offset int
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("parse error at offset %d: %s", e.Offset, e.Reason)
	}
	return fmt.Sprintf("parse error at offset %d near %q: %s", e.Offset, e.Token, e.Reason)
}

// UnknownElementError reports a syntactically valid descriptor naming a factory the
// engine cannot instantiate
type UnknownElementError struct {
	Factory string
	Index   int
}

func (e *UnknownElementError) Error() string {
	return fmt.Sprintf("element %d: unknown element type %q", e.Index, e.Factory)
}

// StageError ties a resolution failure to its stage
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("override for %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err carries a *ParseError
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// IsUnknownElement reports whether err carries an *UnknownElementError
func IsUnknownElement(err error) bool {
	var ue *UnknownElementError
	return errors.As(err, &ue)
}
