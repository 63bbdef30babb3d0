package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresRegisterSpec(t *testing.T) {
	_, err := New(Options{
		Register: func(ctx context.Context) bool { return true },
	}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewRequiresRegisterCallback(t *testing.T) {
	_, err := New(Options{RegisterSpec: "@every 30m"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewRejectsInvalidSpec(t *testing.T) {
	_, err := New(Options{
		RegisterSpec: "not a schedule",
		Register:     func(ctx context.Context) bool { return true },
	}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewRejectsSyncSpecWithoutCallback(t *testing.T) {
	_, err := New(Options{
		RegisterSpec: "@every 30m",
		SyncSpec:     "@every 1h",
		Register:     func(ctx context.Context) bool { return true },
	}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRegisterTickFires(t *testing.T) {
	var calls atomic.Int32
	s, err := New(Options{
		RegisterSpec: "@every 100ms",
		Register: func(ctx context.Context) bool {
			calls.Add(1)
			return true
		},
	}, zerolog.Nop())
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestFailedTickDoesNotStopScheduling(t *testing.T) {
	var registers, syncs atomic.Int32
	s, err := New(Options{
		RegisterSpec: "@every 100ms",
		SyncSpec:     "@every 100ms",
		Register: func(ctx context.Context) bool {
			registers.Add(1)
			return false
		},
		Sync: func(ctx context.Context) error {
			syncs.Add(1)
			return errors.New("coordinator down")
		},
	}, zerolog.Nop())
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return registers.Load() >= 2 && syncs.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStopWaitsForRunningTick(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	s, err := New(Options{
		RegisterSpec: "@every 50ms",
		Register: func(ctx context.Context) bool {
			select {
			case started <- struct{}{}:
			default:
			}
			time.Sleep(150 * time.Millisecond)
			finished.Store(true)
			return true
		},
	}, zerolog.Nop())
	require.NoError(t, err)

	s.Start()
	<-started
	s.Stop()
	assert.True(t, finished.Load())
}
