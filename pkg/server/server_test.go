package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/outpost/pkg/commandqueue"
	"github.com/halcyonlabs/outpost/pkg/contextdir"
	"github.com/halcyonlabs/outpost/pkg/coordinator"
	"github.com/halcyonlabs/outpost/pkg/dispatcher"
	"github.com/halcyonlabs/outpost/pkg/thread"
	"github.com/halcyonlabs/outpost/pkg/updater"
)

type stubInvoker struct{}

func (stubInvoker) Run(ctx context.Context, prompt string) (string, error) {
	return "stub response", nil
}

type stubRelay struct {
	mu      sync.Mutex
	results int
	errs    int
}

func (s *stubRelay) StreamResult(ctx context.Context, threadID, sender, channel, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results++
}

func (s *stubRelay) ReportError(ctx context.Context, threadID, sender, channel, errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs++
}

type harness struct {
	srv   *httptest.Server
	store *thread.Store
	reg   *thread.Registry
	docs  *contextdir.Documents
	relay *stubRelay
	queue *commandqueue.CommandQueue
}

func newHarness(t *testing.T, opts Options) *harness {
	return newHarnessWith(t, opts, stubInvoker{})
}

func newHarnessWith(t *testing.T, opts Options, invoker dispatcher.Invoker) *harness {
	t.Helper()

	dir := t.TempDir()
	store, err := thread.NewStore(filepath.Join(dir, "threads"))
	require.NoError(t, err)
	docs, err := contextdir.NewDocuments(filepath.Join(dir, "context"), filepath.Join(dir, "CLAUDE.md"))
	require.NoError(t, err)
	composer := contextdir.NewComposer(docs, "unit-agent", dir)

	reg := thread.NewRegistry()
	relay := &stubRelay{}
	queue := commandqueue.New()
	t.Cleanup(func() { _ = queue.Close() })

	disp := dispatcher.New(store, reg, composer, invoker, relay, queue, nil)

	if opts.AgentName == "" {
		opts.AgentName = "unit-agent"
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	if opts.RateLimitPerMinute == 0 {
		opts.RateLimitPerMinute = 10000
	}

	s, err := New(opts, Deps{
		Dispatcher: disp,
		Store:      store,
		Registry:   reg,
		Documents:  docs,
		Queue:      queue,
	}, zerolog.Nop())
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &harness{srv: srv, store: store, reg: reg, docs: docs, relay: relay, queue: queue}
}

func doJSON(t *testing.T, method, url string, payload interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req, err := http.NewRequest(method, url, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthAndVersion(t *testing.T) {
	h := newHarness(t, Options{Version: "9.9.9"})

	resp, body := doJSON(t, http.MethodGet, h.srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "unit-agent", body["agent"])

	// Queue lane stats ride along so operators see backlog at a glance
	queueStats, ok := body["queue"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, queueStats, "main")

	resp, body = doJSON(t, http.MethodGet, h.srv.URL+"/version", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "9.9.9", body["version"])
}

func TestMessageAcceptedAndProcessed(t *testing.T) {
	h := newHarness(t, Options{})

	resp, body := doJSON(t, http.MethodPost, h.srv.URL+"/message", map[string]string{
		"thread_id": "alice",
		"message":   "hello",
		"sender":    "alice",
		"channel":   "telegram",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "alice", body["thread_id"])

	require.Eventually(t, func() bool {
		h.relay.mu.Lock()
		defer h.relay.mu.Unlock()
		return h.relay.results == 1
	}, 5*time.Second, 10*time.Millisecond)

	history := h.store.LoadOrEmpty(context.Background(), "alice")
	require.Len(t, history, 2)
	assert.Equal(t, "stub response", history[1].Content)
}

// slowCancelAwareInvoker fails when its context is cancelled, the way
// the real engine subprocess would be killed. The sleep guarantees the
// HTTP handler has returned before the check runs.
type slowCancelAwareInvoker struct{}

func (slowCancelAwareInvoker) Run(ctx context.Context, prompt string) (string, error) {
	time.Sleep(150 * time.Millisecond)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "engine reply", nil
}

func TestDispatchOutlivesRequestContext(t *testing.T) {
	h := newHarnessWith(t, Options{}, slowCancelAwareInvoker{})

	resp, _ := doJSON(t, http.MethodPost, h.srv.URL+"/message", map[string]string{
		"thread_id": "alice",
		"message":   "hello",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		h.relay.mu.Lock()
		defer h.relay.mu.Unlock()
		return h.relay.results == 1
	}, 5*time.Second, 10*time.Millisecond)

	h.relay.mu.Lock()
	assert.Zero(t, h.relay.errs)
	h.relay.mu.Unlock()

	history := h.store.LoadOrEmpty(context.Background(), "alice")
	require.Len(t, history, 2)
	assert.Equal(t, "engine reply", history[1].Content)
}

func TestMessageDefaultsThreadID(t *testing.T) {
	h := newHarness(t, Options{})

	resp, body := doJSON(t, http.MethodPost, h.srv.URL+"/message", map[string]string{
		"message": "hi",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "general", body["thread_id"])
}

func TestMessageValidation(t *testing.T) {
	h := newHarness(t, Options{})

	resp, _ := doJSON(t, http.MethodPost, h.srv.URL+"/message", map[string]string{
		"thread_id": "alice",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, h.srv.URL+"/message", map[string]string{
		"thread_id": "../escape",
		"message":   "hi",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, h.srv.URL+"/message", map[string]string{
		"thread_id": "alice",
		"message":   "",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestThreadLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.store.Append(context.Background(), "alice", thread.RoleUser, "hello")
	require.NoError(t, err)
	_, err = h.store.Append(context.Background(), "alice", thread.RoleAssistant, "hi")
	require.NoError(t, err)

	resp, body := doJSON(t, http.MethodGet, h.srv.URL+"/threads", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	threads := body["threads"].([]interface{})
	require.Len(t, threads, 1)
	info := threads[0].(map[string]interface{})
	assert.Equal(t, "alice", info["thread_id"])
	assert.Equal(t, float64(1), info["message_count"])

	resp, body = doJSON(t, http.MethodGet, h.srv.URL+"/threads/alice/history", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	messages := body["messages"].([]interface{})
	assert.Len(t, messages, 2)

	resp, _ = doJSON(t, http.MethodDelete, h.srv.URL+"/threads/alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, h.srv.URL+"/threads/alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryOfUnknownThreadIsEmpty(t *testing.T) {
	h := newHarness(t, Options{})

	resp, body := doJSON(t, http.MethodGet, h.srv.URL+"/threads/ghost/history", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["messages"])
}

type gatedInvoker struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedInvoker) Run(ctx context.Context, prompt string) (string, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return "gated reply", nil
}

func TestDeleteThreadRejectsQueuedDispatches(t *testing.T) {
	inv := &gatedInvoker{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarnessWith(t, Options{}, inv)

	resp, _ := doJSON(t, http.MethodPost, h.srv.URL+"/message", map[string]string{
		"thread_id": "t1", "message": "first",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-inv.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first dispatch never reached the engine")
	}

	resp, _ = doJSON(t, http.MethodPost, h.srv.URL+"/message", map[string]string{
		"thread_id": "t1", "message": "second",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Wait for the second message to queue behind the blocked first one
	lane := commandqueue.ThreadLane("t1")
	require.Eventually(t, func() bool {
		return h.queue.GetQueueSize(lane) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ = doJSON(t, http.MethodDelete, h.srv.URL+"/threads/t1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, h.queue.GetQueueSize(lane))

	close(inv.release)

	// Only the in-flight dispatch finishes; the queued one was rejected.
	require.Eventually(t, func() bool {
		h.relay.mu.Lock()
		defer h.relay.mu.Unlock()
		return h.relay.results == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	assert.Equal(t, 1, h.relay.results)
	assert.Equal(t, 0, h.relay.errs)
}

func TestContextCRUD(t *testing.T) {
	h := newHarness(t, Options{})

	resp, _ := doJSON(t, http.MethodPost, h.srv.URL+"/context", map[string]string{
		"name": "deploy-notes", "content": "# Deploy",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, h.srv.URL+"/context", map[string]string{
		"name": "deploy-notes", "content": "other",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, h.srv.URL+"/context", map[string]string{
		"name": "bad name!", "content": "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, h.srv.URL+"/context/deploy-notes", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "# Deploy", body["content"])

	resp, _ = doJSON(t, http.MethodPut, h.srv.URL+"/context/deploy-notes", map[string]string{
		"content": "# Updated",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, h.srv.URL+"/context", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	resp, _ = doJSON(t, http.MethodDelete, h.srv.URL+"/context/deploy-notes", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, h.srv.URL+"/context/deploy-notes", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRootDocumentRoundTrip(t *testing.T) {
	h := newHarness(t, Options{})

	resp, _ := doJSON(t, http.MethodPut, h.srv.URL+"/claude-md", map[string]string{
		"content": "# Agent\n@context/notes.md",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, h.srv.URL+"/claude-md", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "# Agent\n@context/notes.md", body["content"])
}

func TestRootDocumentMissingReturns404(t *testing.T) {
	h := newHarness(t, Options{})

	resp, body := doJSON(t, http.MethodGet, h.srv.URL+"/claude-md", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "CLAUDE.md not found", body["error"])
}

func TestEmptyContentRejected(t *testing.T) {
	h := newHarness(t, Options{})

	resp, _ := doJSON(t, http.MethodPost, h.srv.URL+"/context", map[string]string{
		"name": "notes", "content": "# Notes",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPut, h.srv.URL+"/context/notes", map[string]string{
		"content": "",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Content required", body["error"])

	resp, body = doJSON(t, http.MethodPut, h.srv.URL+"/claude-md", map[string]string{
		"content": "",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Content required", body["error"])

	resp, body = doJSON(t, http.MethodGet, h.srv.URL+"/context/notes", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "# Notes", body["content"])
}

func TestRateLimiting(t *testing.T) {
	h := newHarness(t, Options{RateLimitPerMinute: 3})

	var last *http.Response
	for i := 0; i < 4; i++ {
		resp, _ := doJSON(t, http.MethodGet, h.srv.URL+"/health", nil)
		last = resp
	}
	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.NotEmpty(t, last.Header.Get("Retry-After"))
}

func TestSkillEndpointsUnconfigured(t *testing.T) {
	h := newHarness(t, Options{})

	resp, _ := doJSON(t, http.MethodGet, h.srv.URL+"/skills/available", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func newUpdateHarness(t *testing.T, crm http.HandlerFunc) (*harness, string) {
	t.Helper()

	crmSrv := httptest.NewServer(crm)
	t.Cleanup(crmSrv.Close)

	dir := t.TempDir()
	target := filepath.Join(dir, "outpost")
	require.NoError(t, os.WriteFile(target, []byte("current artifact"), 0700))

	store, err := thread.NewStore(filepath.Join(dir, "threads"))
	require.NoError(t, err)
	docs, err := contextdir.NewDocuments(filepath.Join(dir, "context"), filepath.Join(dir, "CLAUDE.md"))
	require.NoError(t, err)
	composer := contextdir.NewComposer(docs, "unit-agent", dir)
	reg := thread.NewRegistry()
	queue := commandqueue.New()
	t.Cleanup(func() { _ = queue.Close() })
	disp := dispatcher.New(store, reg, composer, stubInvoker{}, &stubRelay{}, queue, nil)

	coord := coordinator.NewClient(coordinator.Options{
		Endpoint:       crmSrv.URL,
		APIKey:         "k",
		AgentName:      "unit-agent",
		Discover:       coordinator.StaticDiscoverer("100.64.0.1"),
		UpdateTimeout:  time.Second,
		RequestTimeout: time.Second,
	})

	s, err := New(Options{AgentName: "unit-agent", Version: "1.0.0", RateLimitPerMinute: 10000}, Deps{
		Dispatcher: disp,
		Store:      store,
		Registry:   reg,
		Documents:  docs,
		Coord:      coord,
		Updater:    updater.New(target, "1.0.0"),
	}, zerolog.Nop())
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &harness{srv: srv, store: store, reg: reg, docs: docs}, target
}

func TestUpdateAndRollbackOverHTTP(t *testing.T) {
	h, target := newUpdateHarness(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(coordinator.ListenerUpdate{Version: "1.1.0", Code: "new artifact"})
	})

	resp, body := doJSON(t, http.MethodPost, h.srv.URL+"/update", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "updated", body["status"])
	assert.Equal(t, true, body["restart_required"])

	installed, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new artifact", string(installed))

	resp, body = doJSON(t, http.MethodPost, h.srv.URL+"/rollback", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "rolled_back", body["status"])

	restored, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "current artifact", string(restored))
}

func TestUpdateNoneAvailable(t *testing.T) {
	h, _ := newUpdateHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	resp, _ := doJSON(t, http.MethodPost, h.srv.URL+"/update", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRollbackWithoutBackupOverHTTP(t *testing.T) {
	h, _ := newUpdateHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	resp, _ := doJSON(t, http.MethodPost, h.srv.URL+"/rollback", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConcurrentMessagesDifferentThreads(t *testing.T) {
	h := newHarness(t, Options{})

	for i := 0; i < 3; i++ {
		resp, _ := doJSON(t, http.MethodPost, h.srv.URL+"/message", map[string]string{
			"thread_id": fmt.Sprintf("thread-%d", i),
			"message":   "hello",
		})
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	require.Eventually(t, func() bool {
		h.relay.mu.Lock()
		defer h.relay.mu.Unlock()
		return h.relay.results == 3
	}, 5*time.Second, 10*time.Millisecond)
}
