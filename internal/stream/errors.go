package stream

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned by every operation on a cancelled session.
var ErrCancelled = errors.New("stream: session cancelled")

// ConnectError wraps a transport failure while opening the source.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("stream: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// HTTPStatusError reports a non-2xx response from the source.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("stream: %s returned %s", e.URL, e.Status)
}
