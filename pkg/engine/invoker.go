package engine

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halcyonlabs/outpost/internal/observability"
	"github.com/halcyonlabs/outpost/internal/tracing"
)

// Invoker runs the reasoning engine CLI as a subprocess. Each Run is a
// fresh process; the engine reads the agent's root document and context
// directory from the working directory on its own.
type Invoker struct {
	command      string
	allowedTools []string
	timeout      time.Duration
	workDir      string
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithTimeout overrides the per-invocation timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(i *Invoker) {
		i.timeout = timeout
	}
}

// WithAllowedTools overrides the tool allowlist passed to the engine.
func WithAllowedTools(tools []string) Option {
	return func(i *Invoker) {
		i.allowedTools = tools
	}
}

// NewInvoker creates an Invoker for the given engine command, running
// in workDir.
func NewInvoker(command, workDir string, opts ...Option) *Invoker {
	inv := &Invoker{
		command:      command,
		allowedTools: []string{"Bash", "Edit", "Read", "Write", "Glob", "Grep", "WebFetch"},
		timeout:      300 * time.Second,
		workDir:      workDir,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Run invokes the engine with the given prompt and returns its stdout
// with surrounding whitespace trimmed. A non-zero exit, a timeout, or a
// spawn failure returns an *InvocationError.
func (i *Invoker) Run(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}

	ctx, span := tracing.StartSpan(ctx, "engine", "engine.run")
	defer span.End()

	execCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	args := []string{
		"-p", prompt,
		"--output-format", "text",
		"--allowedTools", strings.Join(i.allowedTools, ","),
	}

	cmd := exec.CommandContext(execCtx, i.command, args...)
	cmd.Dir = i.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("command", i.command).
		Dur("timeout", i.timeout).
		Msg("Invoking reasoning engine")

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		observability.RecordEngineInvocation(duration, "timeout")
		logger.Warn().
			Dur("duration", duration).
			Msg("Reasoning engine timed out")
		return "", &InvocationError{
			ExitCode: -1,
			Stderr:   truncateStderr(stderr.String()),
			Timeout:  true,
			Err:      execCtx.Err(),
		}
	}

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		observability.RecordEngineInvocation(duration, "error")
		logger.Error().
			Int("exit_code", exitCode).
			Dur("duration", duration).
			Msg("Reasoning engine failed")
		return "", &InvocationError{
			ExitCode: exitCode,
			Stderr:   truncateStderr(stderr.String()),
			Err:      err,
		}
	}

	observability.RecordEngineInvocation(duration, "ok")
	logger.Debug().
		Dur("duration", duration).
		Int("output_bytes", stdout.Len()).
		Msg("Reasoning engine completed")

	return strings.TrimSpace(stdout.String()), nil
}
