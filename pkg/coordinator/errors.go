package coordinator

import (
	"errors"
	"fmt"
)

// ErrNoUpdate indicates the coordinator has no listener update for this agent.
var ErrNoUpdate = errors.New("no listener update available")

// ErrNoAddress indicates fabric address discovery produced nothing after
// all retries.
var ErrNoAddress = errors.New("no fabric address discovered")

// UnreachableError wraps a transport-level failure talking to the
// coordinator. These are best-effort calls; callers log and move on.
type UnreachableError struct {
	Operation string
	Err       error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("coordinator unreachable during %s: %v", e.Operation, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// StatusError reports a non-success HTTP status from the coordinator.
type StatusError struct {
	Operation string
	Code      int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coordinator returned %d during %s", e.Code, e.Operation)
}
