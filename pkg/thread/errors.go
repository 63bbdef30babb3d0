package thread

import (
	"errors"
	"fmt"
)

// ErrThreadNotFound indicates neither a registry entry nor a durable log exists.
var ErrThreadNotFound = errors.New("thread not found")

// PersistenceError wraps a disk failure on a thread log. Callers treat it as
// non-fatal: corrupt or unreadable logs degrade to empty, failed writes are
// logged and processing continues from the in-memory value.
type PersistenceError struct {
	ThreadID string
	Op       string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("thread %s: %s failed: %v", e.ThreadID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
