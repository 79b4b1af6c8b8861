// Package events fans state-transition events out to admin WebSocket
// subscribers. Delivery is best-effort: a slow subscriber drops
// messages rather than backpressuring the ingest path.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"droidfleet.sh/internal/metrics"
)

// Event types carried on the admin stream.
const (
	TypeDeviceOnline    = "device.online"
	TypeDeviceOffline   = "device.offline"
	TypeServiceUp       = "service.up"
	TypeServiceDown     = "service.down"
	TypeCommandResult   = "command.result"
	TypeInstallProgress = "install.progress"
	TypeAlertRaised     = "alert.raised"
	TypeAlertRecovered  = "alert.recovered"
)

// clientBuffer bounds the per-subscriber queue.
const clientBuffer = 64

// Hub manages subscriber channels. All state is owned by the run
// goroutine; callers only touch channels.
type Hub struct {
	clients    map[chan []byte]bool
	broadcast  chan []byte
	register   chan chan []byte
	unregister chan chan []byte
	// done is closed when Run exits so Subscribe and Unsubscribe
	// cannot block against a stopped hub.
	done   chan struct{}
	logger *slog.Logger
}

// NewHub creates a hub. Run must be started before use.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[chan []byte]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan chan []byte),
		unregister: make(chan chan []byte),
		done:       make(chan struct{}),
		logger:     slog.Default().With("component", "event-hub"),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				delete(h.clients, client)
				close(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			metrics.WSSubscribers.Set(float64(len(h.clients)))
			h.logger.Info("Subscriber connected", "total", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
				metrics.WSSubscribers.Set(float64(len(h.clients)))
				h.logger.Info("Subscriber disconnected", "total", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client <- message:
				default:
					// Full buffer means a stalled reader; count the
					// drop and keep the connection.
					metrics.WSDroppedMessages.Inc()
				}
			}
		}
	}
}

// Subscribe registers a new subscriber channel. After shutdown the
// returned channel is already closed.
func (h *Hub) Subscribe() chan []byte {
	client := make(chan []byte, clientBuffer)
	select {
	case h.register <- client:
	case <-h.done:
		close(client)
	}
	return client
}

// Unsubscribe removes a subscriber; the hub closes the channel.
func (h *Hub) Unsubscribe(client chan []byte) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Publish broadcasts one event to every subscriber. Never blocks.
func (h *Hub) Publish(eventType string, data map[string]any) {
	if data == nil {
		data = make(map[string]any)
	}
	data["type"] = eventType
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("Failed to marshal event", "type", eventType, "error", err)
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		metrics.WSDroppedMessages.Inc()
	}
}
