package gateway

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventBroadcaster fans events out to all authenticated observers. A
// client whose write fails is dropped; broadcast never blocks on a
// slow connection longer than the write deadline.
type EventBroadcaster struct {
	clients      *ClientRegistry
	logger       zerolog.Logger
	seq          uint64
	writeTimeout time.Duration
}

// NewEventBroadcaster creates a broadcaster over the registry.
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients:      clients,
		logger:       logger,
		writeTimeout: 5 * time.Second,
	}
}

// Broadcast sends an event to all authenticated clients.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Seq:       int64(atomic.AddUint64(&b.seq, 1)),
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	clients := b.clients.GetAuthenticatedClients()
	if len(clients) == 0 {
		return
	}

	dropped := 0
	for _, client := range clients {
		_ = client.Conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
		if err := client.WriteJSON(msg); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", event).
				Msg("Dropping slow gateway client")
			client.Conn.Close()
			b.clients.Remove(client.ID)
			dropped++
		}
	}

	b.logger.Debug().
		Str("event", event).
		Int64("seq", msg.Seq).
		Int("clients", len(clients)-dropped).
		Int("dropped", dropped).
		Msg("Event broadcast")
}
