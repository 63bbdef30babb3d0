package dispatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/outpost/pkg/commandqueue"
	"github.com/halcyonlabs/outpost/pkg/contextdir"
	"github.com/halcyonlabs/outpost/pkg/engine"
	"github.com/halcyonlabs/outpost/pkg/thread"
)

type fakeInvoker struct {
	mu        sync.Mutex
	responses []string
	calls     int
	err       error
	delay     time.Duration
}

func (f *fakeInvoker) Run(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	if call < len(f.responses) {
		return f.responses[call], nil
	}
	return fmt.Sprintf("response %d", call), nil
}

type fakeRelay struct {
	mu      sync.Mutex
	results []string
	errors  []string
}

func (f *fakeRelay) StreamResult(ctx context.Context, threadID, sender, channel, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, text)
}

func (f *fakeRelay) ReportError(ctx context.Context, threadID, sender, channel, errText string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errText)
}

func (f *fakeRelay) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func (f *fakeRelay) errorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errors)
}

type testHarness struct {
	dispatcher *Dispatcher
	store      *thread.Store
	registry   *thread.Registry
	relay      *fakeRelay
	invoker    *fakeInvoker
	queue      *commandqueue.CommandQueue
}

func newHarness(t *testing.T, invoker *fakeInvoker) *testHarness {
	t.Helper()

	dir := t.TempDir()
	store, err := thread.NewStore(filepath.Join(dir, "threads"))
	require.NoError(t, err)

	docs, err := contextdir.NewDocuments(filepath.Join(dir, "context"), filepath.Join(dir, "CLAUDE.md"))
	require.NoError(t, err)
	composer := contextdir.NewComposer(docs, "unit-agent", dir)

	registry := thread.NewRegistry()
	relay := &fakeRelay{}
	queue := commandqueue.New()
	t.Cleanup(func() { _ = queue.Close() })

	return &testHarness{
		dispatcher: New(store, registry, composer, invoker, relay, queue, nil),
		store:      store,
		registry:   registry,
		relay:      relay,
		invoker:    invoker,
		queue:      queue,
	}
}

func TestDispatchSuccessPipeline(t *testing.T) {
	h := newHarness(t, &fakeInvoker{responses: []string{"hello back"}})

	err := h.dispatcher.Accept(context.Background(), InboundMessage{
		ThreadID: "alice",
		Sender:   "alice",
		Channel:  "telegram",
		Content:  "hello",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.relay.resultCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		state, ok := h.registry.Get("alice")
		return ok && state.Status == thread.StatusSleeping
	}, 5*time.Second, 10*time.Millisecond)

	history, err := h.store.Load(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, thread.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, thread.RoleAssistant, history[1].Role)
	assert.Equal(t, "hello back", history[1].Content)

	state, _ := h.registry.Get("alice")
	assert.Equal(t, 1, state.MessageCount)
	assert.Equal(t, 0, h.relay.errorCount())
}

func TestDispatchEngineFailure(t *testing.T) {
	h := newHarness(t, &fakeInvoker{err: &engine.InvocationError{ExitCode: 1, Stderr: "boom"}})

	err := h.dispatcher.Accept(context.Background(), InboundMessage{
		ThreadID: "bob",
		Sender:   "bob",
		Channel:  "telegram",
		Content:  "hello",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.relay.errorCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Only the user turn is durable
	history, err := h.store.Load(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, thread.RoleUser, history[0].Role)

	// Failed dispatches do not count as completed turns
	state, ok := h.registry.Get("bob")
	require.True(t, ok)
	assert.Equal(t, thread.StatusSleeping, state.Status)
	assert.Equal(t, 0, state.MessageCount)
	assert.Equal(t, 0, h.relay.resultCount())
}

func TestDispatchEngineTimeoutReportsFriendlyError(t *testing.T) {
	h := newHarness(t, &fakeInvoker{err: &engine.InvocationError{Timeout: true}})

	require.NoError(t, h.dispatcher.Accept(context.Background(), InboundMessage{
		ThreadID: "carol", Sender: "carol", Channel: "sms", Content: "ping",
	}))

	require.Eventually(t, func() bool {
		return h.relay.errorCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	assert.Equal(t, "reasoning engine timed out", h.relay.errors[0])
}

func TestAcceptRejectsInvalidThreadID(t *testing.T) {
	h := newHarness(t, &fakeInvoker{})

	err := h.dispatcher.Accept(context.Background(), InboundMessage{
		ThreadID: "../escape", Content: "hi",
	})
	assert.Error(t, err)
}

func TestAcceptRejectsEmptyContent(t *testing.T) {
	h := newHarness(t, &fakeInvoker{})

	err := h.dispatcher.Accept(context.Background(), InboundMessage{
		ThreadID: "alice", Content: "",
	})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSameThreadMessagesSerialized(t *testing.T) {
	h := newHarness(t, &fakeInvoker{delay: 20 * time.Millisecond})

	for i := 0; i < 2; i++ {
		require.NoError(t, h.dispatcher.Accept(context.Background(), InboundMessage{
			ThreadID: "alice",
			Sender:   "alice",
			Channel:  "telegram",
			Content:  fmt.Sprintf("message %d", i),
		}))
	}

	require.Eventually(t, func() bool {
		return h.relay.resultCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Both user turns survive in order; nothing lost to a write race
	history, err := h.store.Load(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "message 0", history[0].Content)
	assert.Equal(t, thread.RoleAssistant, history[1].Role)
	assert.Equal(t, "message 1", history[2].Content)
	assert.Equal(t, thread.RoleAssistant, history[3].Role)

	state, _ := h.registry.Get("alice")
	assert.Equal(t, 2, state.MessageCount)
}

func TestDuplicateMessageIDDispatchesOnce(t *testing.T) {
	inv := &fakeInvoker{responses: []string{"once"}}
	h := newHarness(t, inv)

	msg := InboundMessage{
		ThreadID:  "alice",
		Sender:    "alice",
		Channel:   "telegram",
		Content:   "hello",
		MessageID: "m-1",
	}
	require.NoError(t, h.dispatcher.Accept(context.Background(), msg))
	require.NoError(t, h.dispatcher.Accept(context.Background(), msg))

	require.Eventually(t, func() bool {
		return h.relay.resultCount() >= 1
	}, 5*time.Second, 10*time.Millisecond)

	// Give the second accept time to (not) run
	time.Sleep(100 * time.Millisecond)

	inv.mu.Lock()
	defer inv.mu.Unlock()
	assert.Equal(t, 1, inv.calls)
}
