package httpclient

import (
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted marks requests that failed after the whole retry
// budget was spent. Callers match it with errors.Is.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryableError carries the final state of an exhausted retry loop.
// StatusCode is zero when no response was ever received.
type RetryableError struct {
	StatusCode int
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	msg := fmt.Sprintf("retries exhausted after %d attempts", e.Attempts)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("HTTP %d: %s", e.StatusCode, msg)
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %v)", e.RetryAfter)
	}
	return msg
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Is(target error) bool {
	return target == ErrRetriesExhausted
}
