package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halcyonlabs/outpost/internal/observability"
	"github.com/halcyonlabs/outpost/internal/tracing"
)

// Options configures a coordinator Client.
type Options struct {
	Endpoint        string
	APIKey          string
	AgentName       string
	ListenPort      int
	Discover        Discoverer
	RegisterRetries int
	RegisterDelay   time.Duration
	StreamTimeout   time.Duration
	RequestTimeout  time.Duration
	UpdateTimeout   time.Duration
}

// Client talks to the coordinator's agent API. All calls are
// best-effort: an unreachable coordinator degrades the agent to
// standalone operation, it never stops the listener from serving.
type Client struct {
	opts       Options
	httpClient *http.Client
}

// NewClient creates a coordinator client.
func NewClient(opts Options) *Client {
	if opts.Discover == nil {
		opts.Discover = CommandDiscoverer([]string{"tailscale", "ip", "-4"})
	}
	if opts.RegisterRetries == 0 {
		opts.RegisterRetries = 5
	}
	if opts.RegisterDelay == 0 {
		opts.RegisterDelay = 10 * time.Second
	}
	if opts.StreamTimeout == 0 {
		opts.StreamTimeout = 5 * time.Second
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.UpdateTimeout == 0 {
		opts.UpdateTimeout = 30 * time.Second
	}

	return &Client{
		opts:       opts,
		httpClient: &http.Client{},
	}
}

// Endpoint returns the coordinator base URL.
func (c *Client) Endpoint() string {
	return c.opts.Endpoint
}

// post sends a JSON payload and returns the response. The caller owns
// closing the body.
func (c *Client) post(ctx context.Context, operation, path string, payload interface{}, timeout time.Duration) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", operation, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.opts.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.opts.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.RecordCoordinatorCall(operation, false)
		return nil, &UnreachableError{Operation: operation, Err: err}
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, operation, path string, timeout time.Duration) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.opts.Endpoint+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("X-API-Key", c.opts.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.RecordCoordinatorCall(operation, false)
		return nil, &UnreachableError{Operation: operation, Err: err}
	}
	return resp, nil
}

// Register discovers this agent's fabric address and announces it to
// the coordinator. It retries both discovery and the announcement up to
// the configured attempt count. Returns true once registered; false
// means the agent keeps serving unregistered.
func (c *Client) Register(ctx context.Context) bool {
	for attempt := 1; attempt <= c.opts.RegisterRetries; attempt++ {
		addr := c.opts.Discover(ctx)
		if addr == "" {
			log.Warn().
				Int("attempt", attempt).
				Int("retries", c.opts.RegisterRetries).
				Msg("No fabric address yet")
			if !c.sleepBeforeRetry(ctx, attempt) {
				break
			}
			continue
		}

		if err := c.announce(ctx, addr); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("Coordinator registration failed")
			if !c.sleepBeforeRetry(ctx, attempt) {
				break
			}
			continue
		}

		log.Info().
			Str("address", addr).
			Int("port", c.opts.ListenPort).
			Msg("Registered with coordinator")
		observability.SetRegistered(true)
		return true
	}

	log.Warn().Msg("Registration exhausted; serving unregistered")
	observability.SetRegistered(false)
	return false
}

func (c *Client) sleepBeforeRetry(ctx context.Context, attempt int) bool {
	if attempt >= c.opts.RegisterRetries {
		return false
	}
	select {
	case <-time.After(c.opts.RegisterDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) announce(ctx context.Context, addr string) error {
	payload := map[string]interface{}{
		"name":    c.opts.AgentName,
		"ip":      addr,
		"port":    c.opts.ListenPort,
		"default": false,
	}

	resp, err := c.post(ctx, "register", "/api/agents/register", payload, c.opts.RequestTimeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		observability.RecordCoordinatorCall("register", false)
		return &StatusError{Operation: "register", Code: resp.StatusCode}
	}

	observability.RecordCoordinatorCall("register", true)
	return nil
}

// StreamResult relays an assistant response for a thread: first the
// content message, then a terminal result marker. Both phases are
// best-effort; a failed content phase still attempts the marker.
func (c *Client) StreamResult(ctx context.Context, threadID, sender, channel, text string) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	content := map[string]interface{}{
		"thread_id": threadID,
		"sender":    sender,
		"channel":   channel,
		"timestamp": time.Now().Format(time.RFC3339),
		"agent":     c.opts.AgentName,
		"message": map[string]interface{}{
			"type": "assistant",
			"content": []map[string]interface{}{
				{"type": "text", "text": text},
			},
		},
	}

	if err := c.stream(ctx, content); err != nil {
		logger.Warn().Err(err).Str("thread_id", threadID).Msg("Result stream failed")
	}

	marker := map[string]interface{}{
		"thread_id": threadID,
		"sender":    sender,
		"channel":   channel,
		"timestamp": time.Now().Format(time.RFC3339),
		"agent":     c.opts.AgentName,
		"message": map[string]interface{}{
			"type":      "result",
			"subtype":   "success",
			"is_error":  false,
			"num_turns": 1,
		},
	}

	if err := c.stream(ctx, marker); err != nil {
		logger.Warn().Err(err).Str("thread_id", threadID).Msg("Result marker failed")
	}
}

func (c *Client) stream(ctx context.Context, payload interface{}) error {
	resp, err := c.post(ctx, "stream", "/api/agent/stream", payload, c.opts.StreamTimeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		observability.RecordCoordinatorCall("stream", false)
		return &StatusError{Operation: "stream", Code: resp.StatusCode}
	}

	observability.RecordCoordinatorCall("stream", true)
	return nil
}

// ReportError relays a dispatch failure to the coordinator's error
// channel. Best-effort.
func (c *Client) ReportError(ctx context.Context, threadID, sender, channel, errText string) {
	payload := map[string]interface{}{
		"thread_id": threadID,
		"sender":    sender,
		"channel":   channel,
		"timestamp": time.Now().Format(time.RFC3339),
		"agent":     c.opts.AgentName,
		"error":     errText,
	}

	resp, err := c.post(ctx, "report_error", "/api/agent/error", payload, c.opts.StreamTimeout)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Str("thread_id", threadID).Msg("Error report failed")
		return
	}
	defer resp.Body.Close()

	observability.RecordCoordinatorCall("report_error", resp.StatusCode == http.StatusOK)
}

// ListenerUpdate is the self-update payload served by the coordinator.
type ListenerUpdate struct {
	Version string `json:"version"`
	Code    string `json:"code"`
}

// FetchListenerUpdate asks the coordinator for a newer listener
// artifact. Returns ErrNoUpdate when the coordinator has none.
func (c *Client) FetchListenerUpdate(ctx context.Context) (*ListenerUpdate, error) {
	path := "/api/agents/listener?agent=" + url.QueryEscape(c.opts.AgentName)

	resp, err := c.get(ctx, "fetch_update", path, c.opts.UpdateTimeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		observability.RecordCoordinatorCall("fetch_update", true)
		return nil, ErrNoUpdate
	case resp.StatusCode != http.StatusOK:
		observability.RecordCoordinatorCall("fetch_update", false)
		return nil, &StatusError{Operation: "fetch_update", Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read update response: %w", err)
	}

	var update ListenerUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("decode update response: %w", err)
	}

	observability.RecordCoordinatorCall("fetch_update", true)
	return &update, nil
}
