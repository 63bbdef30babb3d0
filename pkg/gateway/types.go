package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event names broadcast to observers.
const (
	EventThreadAccepted  = "thread.accepted"
	EventThreadCompleted = "thread.completed"
	EventThreadFailed    = "thread.failed"
	EventContextChanged  = "context.changed"
	EventQueueActivity   = "queue.activity"
)

// EventMessage is a server-initiated event frame.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// AuthChallenge is sent to a client right after the upgrade.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse is the client's signature over the challenge.
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult reports the outcome of authentication.
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo describes a connected observer.
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	IPAddress     string    `json:"ipAddress"`
}

// Client is one connected websocket observer.
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	IPAddress     string
	AuthAttempts  int

	// writeMu serializes frames; gorilla connections do not allow
	// concurrent writers.
	writeMu sync.Mutex
}

func newClient(id string, conn *websocket.Conn, ip string) *Client {
	return &Client{
		ID:          id,
		Conn:        conn,
		ConnectedAt: time.Now(),
		IPAddress:   ip,
	}
}

// WriteJSON sends one JSON frame, serialized against other writers.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}
