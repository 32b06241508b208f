package events

import "errors"

// ErrUnknownEvent is returned when no handler is registered for an event name.
var ErrUnknownEvent = errors.New("unknown event")

// NonRetryableError marks a failure that retrying cannot fix.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err, or anything it wraps, gives up on retries.
func IsNonRetryable(err error) bool {
	var nonRetry NonRetryableError
	return errors.As(err, &nonRetry) || errors.Is(err, ErrUnknownEvent)
}
