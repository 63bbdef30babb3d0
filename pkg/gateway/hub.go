package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Hub is the websocket event stream: observers connect, answer a
// challenge signed with the shared secret, and receive thread
// lifecycle and context-change events. Broadcast only; there is no
// client-to-server RPC.
type Hub struct {
	clients     *ClientRegistry
	auth        *AuthHandler
	broadcaster *EventBroadcaster
	upgrader    websocket.Upgrader
	logger      zerolog.Logger

	closed   bool
	closedMu sync.RWMutex
}

// NewHub creates an event hub authenticated with sharedSecret.
func NewHub(sharedSecret string, logger zerolog.Logger) *Hub {
	clients := NewClientRegistry()
	return &Hub{
		clients:     clients,
		auth:        NewAuthHandler(sharedSecret),
		broadcaster: NewEventBroadcaster(clients, logger),
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the upgrade handler to mount on the HTTP surface.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.closedMu.RLock()
		if h.closed {
			h.closedMu.RUnlock()
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		h.closedMu.RUnlock()

		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error().Err(err).Msg("Websocket upgrade failed")
			return
		}

		clientID, _ := gonanoid.New()
		client := newClient(clientID, conn, r.RemoteAddr)
		h.clients.Add(client)

		h.logger.Info().
			Str("clientId", clientID).
			Str("ip", r.RemoteAddr).
			Msg("Gateway client connected")

		if err := h.sendChallenge(client); err != nil {
			h.logger.Error().Err(err).Str("clientId", clientID).Msg("Challenge send failed")
			conn.Close()
			h.clients.Remove(clientID)
			return
		}

		go h.readLoop(client)
	}
}

func (h *Hub) sendChallenge(client *Client) error {
	challenge, err := h.auth.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	return client.WriteJSON(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

// readLoop consumes client frames. Only auth responses are meaningful;
// everything else from an authenticated client is ignored.
func (h *Hub) readLoop(client *Client) {
	defer func() {
		client.Conn.Close()
		h.clients.Remove(client.ID)
		h.logger.Info().Str("clientId", client.ID).Msg("Gateway client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Str("clientId", client.ID).Msg("Websocket read error")
			}
			return
		}

		var authResp AuthResponse
		if err := json.Unmarshal(message, &authResp); err != nil || authResp.Method != "auth.response" {
			continue
		}

		result := h.auth.HandleAuthResponse(client, authResp.Signature)
		if err := client.WriteJSON(result); err != nil {
			return
		}

		if !result.Success && client.AuthAttempts >= maxAuthAttempts {
			h.logger.Warn().Str("clientId", client.ID).Msg("Gateway client failed authentication")
			return
		}
		if result.Success {
			h.logger.Info().Str("clientId", client.ID).Msg("Gateway client authenticated")
		}
	}
}

// ThreadAccepted broadcasts a message acceptance.
func (h *Hub) ThreadAccepted(threadID string) {
	h.broadcaster.Broadcast(EventThreadAccepted, map[string]interface{}{
		"thread_id": threadID,
	})
}

// ThreadCompleted broadcasts a finished dispatch.
func (h *Hub) ThreadCompleted(threadID string) {
	h.broadcaster.Broadcast(EventThreadCompleted, map[string]interface{}{
		"thread_id": threadID,
	})
}

// ThreadFailed broadcasts a failed dispatch.
func (h *Hub) ThreadFailed(threadID, reason string) {
	h.broadcaster.Broadcast(EventThreadFailed, map[string]interface{}{
		"thread_id": threadID,
		"reason":    reason,
	})
}

// ContextChanged broadcasts an operator edit to a context document.
func (h *Hub) ContextChanged(name string) {
	h.broadcaster.Broadcast(EventContextChanged, map[string]interface{}{
		"name": name,
	})
}

// QueueActivity broadcasts a dispatch queue transition so observers
// can watch lane backlog in real time.
func (h *Hub) QueueActivity(lane, transition, taskID string) {
	h.broadcaster.Broadcast(EventQueueActivity, map[string]interface{}{
		"lane":       lane,
		"transition": transition,
		"task_id":    taskID,
	})
}

// Clients returns connection info for the status surface.
func (h *Hub) Clients() []ClientInfo {
	return h.clients.GetConnectedClients()
}

// Close disconnects all clients and refuses new upgrades.
func (h *Hub) Close() {
	h.closedMu.Lock()
	h.closed = true
	h.closedMu.Unlock()

	for _, client := range h.clients.GetAll() {
		client.Conn.Close()
		h.clients.Remove(client.ID)
	}
}
