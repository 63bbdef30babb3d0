// Package heartbeat keeps the agent visible to the coordinator over long
// uptimes. Coordinator-side registrations go stale when the fabric address
// changes or the coordinator restarts, so the scheduler re-announces the
// agent on a fixed cadence and optionally re-publishes local skills.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const beatTimeout = 2 * time.Minute

// Options configures the heartbeat scheduler. Register is required;
// Sync is optional and only scheduled when SyncSpec is non-empty.
type Options struct {
	// RegisterSpec is a cron spec (descriptors like "@every 30m" work)
	// for coordinator re-registration.
	RegisterSpec string

	// SyncSpec, when set, schedules periodic skill publication.
	SyncSpec string

	Register func(ctx context.Context) bool
	Sync     func(ctx context.Context) error
}

// Scheduler runs periodic coordinator maintenance in the background.
// Failures are logged and retried on the next tick, never escalated.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

// New builds a scheduler from opts. It does not start ticking until
// Start is called.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.RegisterSpec == "" {
		return nil, fmt.Errorf("register spec is required")
	}
	if opts.Register == nil {
		return nil, fmt.Errorf("register callback is required")
	}
	if opts.SyncSpec != "" && opts.Sync == nil {
		return nil, fmt.Errorf("sync spec set without a sync callback")
	}

	s := &Scheduler{
		cron:   cron.New(),
		logger: logger.With().Str("component", "heartbeat").Logger(),
	}

	if _, err := s.cron.AddFunc(opts.RegisterSpec, func() {
		s.beat("register", func(ctx context.Context) error {
			if !opts.Register(ctx) {
				return fmt.Errorf("registration did not complete")
			}
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("invalid register spec %q: %w", opts.RegisterSpec, err)
	}

	if opts.SyncSpec != "" {
		if _, err := s.cron.AddFunc(opts.SyncSpec, func() {
			s.beat("skill_sync", opts.Sync)
		}); err != nil {
			return nil, fmt.Errorf("invalid sync spec %q: %w", opts.SyncSpec, err)
		}
	}

	return s, nil
}

func (s *Scheduler) beat(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), beatTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(ctx); err != nil {
		s.logger.Warn().
			Err(err).
			Str("beat", name).
			Dur("elapsed", time.Since(start)).
			Msg("Heartbeat tick failed, will retry on next schedule")
		return
	}
	s.logger.Debug().
		Str("beat", name).
		Dur("elapsed", time.Since(start)).
		Msg("Heartbeat tick completed")
}

// Start begins scheduling in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("Heartbeat scheduler started")
}

// Stop halts scheduling and waits for any running tick to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Heartbeat scheduler stopped")
}
