package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/halcyonlabs/outpost/internal/observability"
	"github.com/halcyonlabs/outpost/internal/tracing"
	"github.com/halcyonlabs/outpost/pkg/commandqueue"
	"github.com/halcyonlabs/outpost/pkg/contextdir"
	"github.com/halcyonlabs/outpost/pkg/engine"
	"github.com/halcyonlabs/outpost/pkg/thread"
)

// queueWaitWarnMs is how long a message may sit behind earlier work on
// its thread lane before the wait is logged.
const queueWaitWarnMs = 15000

// Invoker runs the reasoning engine for a rendered prompt.
type Invoker interface {
	Run(ctx context.Context, prompt string) (string, error)
}

// Relay carries results and errors back to the coordinator.
type Relay interface {
	StreamResult(ctx context.Context, threadID, sender, channel, text string)
	ReportError(ctx context.Context, threadID, sender, channel, errText string)
}

// Notifier receives thread lifecycle events. Implementations must not
// block; the gateway broadcaster satisfies this.
type Notifier interface {
	ThreadAccepted(threadID string)
	ThreadCompleted(threadID string)
	ThreadFailed(threadID, reason string)
}

// InboundMessage is one message accepted from the HTTP surface.
type InboundMessage struct {
	ThreadID  string
	Sender    string
	Channel   string
	Content   string
	MessageID string // optional redelivery-protection key
}

// Dispatcher drives a message through the full pipeline: persist the
// user turn, render the context bundle, invoke the engine, persist the
// response, relay it to the coordinator, settle the thread. Same-thread
// messages are serialized on a per-thread queue lane.
type Dispatcher struct {
	store    *thread.Store
	registry *thread.Registry
	composer *contextdir.Composer
	invoker  Invoker
	relay    Relay
	queue    *commandqueue.CommandQueue
	notifier Notifier
}

// New creates a Dispatcher. notifier may be nil.
func New(store *thread.Store, registry *thread.Registry, composer *contextdir.Composer, invoker Invoker, relay Relay, queue *commandqueue.CommandQueue, notifier Notifier) *Dispatcher {
	observability.EnsureRegistered()

	return &Dispatcher{
		store:    store,
		registry: registry,
		composer: composer,
		invoker:  invoker,
		relay:    relay,
		queue:    queue,
		notifier: notifier,
	}
}

// Accept validates the message and schedules it on the thread's lane.
// It returns once the message is queued; the pipeline runs in the
// background.
func (d *Dispatcher) Accept(ctx context.Context, msg InboundMessage) error {
	if err := thread.ValidateThreadID(msg.ThreadID); err != nil {
		return err
	}
	if msg.Content == "" {
		return ErrEmptyMessage
	}

	ctx = tracing.NewDispatchContext(ctx, msg.ThreadID)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("sender", msg.Sender).
		Str("channel", msg.Channel).
		Int("chars", len(msg.Content)).
		Msg("Message accepted")

	if d.notifier != nil {
		d.notifier.ThreadAccepted(msg.ThreadID)
	}

	// The caller's context dies as soon as the 202 is written; the
	// pipeline keeps the trace values but must outlive the request.
	bg := context.WithoutCancel(ctx)

	go func() {
		opts := &commandqueue.TaskOptions{
			WarnAfterMs: queueWaitWarnMs,
			OnWait: func(waitMs int64, queuePos int) {
				logger.Warn().
					Str("sender", msg.Sender).
					Int64("wait_ms", waitMs).
					Int("queue_pos", queuePos).
					Msg("Message still queued behind earlier work on this thread")
			},
		}
		if msg.MessageID != "" {
			opts.DedupKey = msg.ThreadID + ":" + msg.MessageID
		}
		_, err := d.queue.EnqueueWithContext(bg, commandqueue.ThreadLane(msg.ThreadID), func(taskCtx context.Context) (interface{}, error) {
			return nil, d.dispatch(taskCtx, msg)
		}, opts)
		if err != nil && !errors.Is(err, commandqueue.ErrQueueDraining) {
			logger.Error().Err(err).Msg("Dispatch did not complete")
		}
	}()

	return nil
}

// dispatch runs the full pipeline for one message. It always settles
// the thread, and reports failures to the coordinator instead of
// returning them to the sender.
func (d *Dispatcher) dispatch(ctx context.Context, msg InboundMessage) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"outpost.dispatcher",
		"dispatcher.dispatch",
		attribute.String("thread_id", msg.ThreadID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()

	d.registry.MarkLive(msg.ThreadID)

	success := false
	defer func() {
		d.registry.Settle(msg.ThreadID, success)
	}()

	// Persist the user turn. On failure keep going with the in-memory
	// value; the durable log degrades, the conversation does not.
	if _, err := d.store.Append(ctx, msg.ThreadID, thread.RoleUser, msg.Content); err != nil {
		logger.Error().Err(err).Msg("User message not persisted; continuing in memory")
	}

	history := d.store.LoadOrEmpty(ctx, msg.ThreadID)
	if len(history) == 0 {
		// Append failed above; reconstruct the single turn so the
		// engine still sees the message.
		history = []thread.Message{{
			Role:      thread.RoleUser,
			Content:   msg.Content,
			Timestamp: time.Now(),
		}}
	}

	if err := d.composer.RenderDynamic(ctx, msg.ThreadID, msg.Sender, msg.Channel, history); err != nil {
		logger.Error().Err(err).Msg("Context render failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return d.fail(ctx, msg, start, "context render failed: "+err.Error())
	}

	response, err := d.invoker.Run(ctx, msg.Content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var invErr *engine.InvocationError
		if errors.As(err, &invErr) && invErr.Timeout {
			logger.Error().Msg("Engine invocation timed out")
			return d.fail(ctx, msg, start, "reasoning engine timed out")
		}
		logger.Error().Err(err).Msg("Engine invocation failed")
		return d.fail(ctx, msg, start, err.Error())
	}

	if _, err := d.store.Append(ctx, msg.ThreadID, thread.RoleAssistant, response); err != nil {
		logger.Error().Err(err).Msg("Assistant message not persisted")
	}

	// Relay failures are logged inside the client and never revert the
	// dispatch; the response is already durable.
	d.relay.StreamResult(ctx, msg.ThreadID, msg.Sender, msg.Channel, response)

	success = true
	observability.RecordDispatch("success", time.Since(start))
	if d.notifier != nil {
		d.notifier.ThreadCompleted(msg.ThreadID)
	}

	logger.Info().
		Dur("duration", time.Since(start)).
		Int("response_chars", len(response)).
		Msg("Dispatch complete")
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, msg InboundMessage, start time.Time, reason string) error {
	d.relay.ReportError(ctx, msg.ThreadID, msg.Sender, msg.Channel, reason)
	observability.RecordDispatch("error", time.Since(start))
	if d.notifier != nil {
		d.notifier.ThreadFailed(msg.ThreadID, reason)
	}
	return errors.New(reason)
}
