package engine

import (
	"errors"
	"fmt"
)

// ErrEmptyPrompt indicates Run was called without a prompt.
var ErrEmptyPrompt = errors.New("prompt is empty")

// maxStderrLen bounds how much stderr an InvocationError carries.
const maxStderrLen = 2048

// InvocationError describes a failed reasoning engine run. Stderr is
// truncated so the error stays loggable and streamable.
type InvocationError struct {
	ExitCode int
	Stderr   string
	Timeout  bool
	Err      error
}

func (e *InvocationError) Error() string {
	if e.Timeout {
		return "engine invocation timed out"
	}
	if e.Stderr != "" {
		return fmt.Sprintf("engine exited with code %d: %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("engine invocation failed: %v", e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// truncateStderr keeps the tail of stderr, which is where CLI tools
// usually put the actual failure reason.
func truncateStderr(s string) string {
	if len(s) <= maxStderrLen {
		return s
	}
	return "..." + s[len(s)-maxStderrLen:]
}
