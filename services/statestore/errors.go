package statestore

import (
	"errors"
	"fmt"
	"time"
)

// NotFoundError is returned by Read when no record exists for the key.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no persisted state for key %q", e.Key)
}

// IsNotFound reports whether err means the key has no record yet.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// LockTimeoutError is returned when the per-key lock could not be acquired
// within the configured timeout.
type LockTimeoutError struct {
	Key    string
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out acquiring lock for key %q after %s", e.Key, e.Waited)
}

// IOError wraps a filesystem failure during a store operation. Persistence
// failures always surface; a failed write must never look like success.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("state store %s failed on %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
