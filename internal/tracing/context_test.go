package tracing

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithDispatchID(ctx, "dispatch-1")
	ctx = WithThreadID(ctx, "t1")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "dispatch-1", GetDispatchID(ctx))
	assert.Equal(t, "t1", GetThreadID(ctx))

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "t1", tc.ThreadID)
}

func TestEmptyContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetDispatchID(ctx))
	assert.Empty(t, GetThreadID(ctx))
}

func TestNewDispatchContext(t *testing.T) {
	ctx := NewDispatchContext(context.Background(), "t1")

	assert.NotEmpty(t, GetTraceID(ctx))
	assert.NotEmpty(t, GetDispatchID(ctx))
	assert.Equal(t, "t1", GetThreadID(ctx))

	// Existing trace id is preserved
	base := WithTraceID(context.Background(), "trace-keep")
	ctx2 := NewDispatchContext(base, "t2")
	assert.Equal(t, "trace-keep", GetTraceID(ctx2))
}

func TestNewIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, NewTraceID(), NewTraceID())
	assert.NotEqual(t, NewDispatchID(), NewDispatchID())
}

func TestLoggerFromContext(t *testing.T) {
	ctx := NewDispatchContext(context.Background(), "t1")

	// Should not panic and should return a usable logger
	logger := LoggerFromContext(ctx, zerolog.Nop())
	logger.Info().Msg("ok")
}
