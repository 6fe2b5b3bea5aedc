package encoder

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionEnded is returned by Encode once the session no longer
	// accepts input.
	ErrSessionEnded = errors.New("encoder: session ended")

	// ErrAborted is reported to the end callback when Close tore the
	// session down before it drained.
	ErrAborted = errors.New("encoder: session aborted")
)

// FatalError is a construction, configuration or service failure. The
// session never retries it.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("encoder: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
