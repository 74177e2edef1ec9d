package tools

import (
	"errors"
	"fmt"
)

var (
	// ErrRecordNotFound is matched by *RecordNotFoundError.
	ErrRecordNotFound = errors.New("command record not found")
	// ErrInvalidRange is matched by *InvalidRangeError.
	ErrInvalidRange = errors.New("invalid line range")
)

// RecordNotFoundError reports a line-group request for an unknown id.
type RecordNotFoundError struct {
	ID string
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("no command output with id %q", e.ID)
}

func (e *RecordNotFoundError) Is(target error) bool {
	return target == ErrRecordNotFound
}

// InvalidRangeError reports a line-group request outside the stored lines.
type InvalidRangeError struct {
	From  int
	To    int
	Total int
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid line range: %d-%d. Available lines: 0-%d", e.From, e.To, e.Total-1)
}

func (e *InvalidRangeError) Is(target error) bool {
	return target == ErrInvalidRange
}
