package errors

import (
	stdErrors "errors"
	"fmt"
)

var (
	ErrConfiguration          = newCoded(1561444886, "distlock: invalid configuration")
	ErrConnection             = newCoded(1561444889, "distlock: cannot connect to store")
	ErrWouldBlock             = newCoded(1561445651, "distlock: could not acquire exclusive lock (non-blocking)")
	ErrAcquireTimeout         = newCoded(1561445710, "distlock: could not acquire exclusive lock (blocking)")
	ErrInsufficientCapability = newCoded(1561445737, "distlock: insufficient capabilities")
)

// CodedError is a sentinel carrying a stable numeric code, so hosts can map
// failures without matching on message text.
type CodedError struct {
	code int
	msg  string
}

func newCoded(code int, msg string) *CodedError {
	return &CodedError{code: code, msg: msg}
}

func (e *CodedError) Error() string { return e.msg }

// Code returns the numeric code of the error.
func (e *CodedError) Code() int { return e.code }

// Wrap annotates sentinel with detail while keeping it matchable via errors.Is.
func Wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// Code extracts the code of the first CodedError in err's chain, or 0.
func Code(err error) int {
	var ce *CodedError
	if stdErrors.As(err, &ce) {
		return ce.code
	}
	return 0
}
