package subid

import (
	"errors"
	"fmt"
)

// ErrNoMatchingRange is matched by errors.Is for a NoMatchingRangeError
var ErrNoMatchingRange = errors.New("no matching subordinate id range")

// NoMatchingRangeError means no record in File names the user
type NoMatchingRangeError struct {
	File string
	User string
}

func (e *NoMatchingRangeError) Error() string {
	return fmt.Sprintf("subid: %s: no range for user %s", e.File, e.User)
}

// Is implements errors.Is
func (e *NoMatchingRangeError) Is(target error) bool {
	return target == ErrNoMatchingRange
}

// RangeTooSmallError means the matching record delegates fewer ids than
// were requested
type RangeTooSmallError struct {
	File      string
	Requested uint32
	Available uint32
}

func (e *RangeTooSmallError) Error() string {
	return fmt.Sprintf("subid: %s: range too small: requested %d, available %d", e.File, e.Requested, e.Available)
}

// ParseError is a malformed record
type ParseError struct {
	File string
	Line int
	Text string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("subid: %s:%d: malformed record %q", e.File, e.Line, e.Text)
}
