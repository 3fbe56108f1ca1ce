package objectstore

import (
	"errors"
	"fmt"
)

// ErrPreconditionFailed reports a conditional PUT whose If-Match or
// If-None-Match requirement did not hold. Callers implementing CAS treat it
// as "lost the race", not as a fault.
var ErrPreconditionFailed = errors.New("precondition failed")

// StatusError is a non-success response from the store. Body carries at most
// the first 2 KiB of the response so logs stay bounded.
type StatusError struct {
	Method     string
	Key        string
	StatusCode int
	Code       string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("s3 %s %q: status %d (%s)", e.Method, e.Key, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("s3 %s %q: status %d", e.Method, e.Key, e.StatusCode)
}
