// Package live pushes alerts to connected dashboard browsers over WebSocket
// as soon as they are raised.
//
// Broadcaster implements alert.Channel so it can sit in the notification
// fan-out next to email and the journal. Delivery to each client is a
// non-blocking send into a buffered queue: a slow or stalled browser loses
// frames (counted in Client.Dropped) but never holds up a worker.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tripwire/fim/internal/alert"
)

// DefaultBuffer is the per-client frame queue depth.
const DefaultBuffer = 64

// Message is the JSON envelope written to clients. Type is always "alert".
type Message struct {
	Type string  `json:"type"`
	Data Payload `json:"data"`
}

// Payload is the alert as rendered for the browser.
type Payload struct {
	alert.Alert
	Title string `json:"title"`
	Class string `json:"class"`
}

// Client is one connected browser.
type Client struct {
	id      string
	frames  chan []byte
	Dropped atomic.Int64
}

// ID returns the client's identifier.
func (c *Client) ID() string { return c.id }

// Frames yields encoded messages; it is closed when the client is removed.
func (c *Client) Frames() <-chan []byte { return c.frames }

// Broadcaster fans alerts out to registered clients.
type Broadcaster struct {
	logger *slog.Logger
	buffer int

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

// NewBroadcaster returns a Broadcaster with per-client queues of size buffer
// (DefaultBuffer when buffer <= 0).
func NewBroadcaster(logger *slog.Logger, buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		logger:  logger,
		buffer:  buffer,
		clients: make(map[string]*Client),
	}
}

// Register adds a client. After Close it returns a client whose Frames
// channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, frames: make(chan []byte, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c.frames)
		return c
	}
	b.clients[id] = c
	return c
}

// Unregister removes the client and closes its Frames channel. Unknown ids
// are ignored.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[id]; ok {
		delete(b.clients, id)
		close(c.frames)
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Send encodes a and queues it for every client. It never blocks and only
// fails if the alert cannot be encoded.
func (b *Broadcaster) Send(_ context.Context, a alert.Alert) error {
	raw, err := json.Marshal(Message{
		Type: "alert",
		Data: Payload{Alert: a, Title: a.Title(), Class: a.Category.Class()},
	})
	if err != nil {
		return fmt.Errorf("live: encode alert %s: %w", a.ID, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		select {
		case c.frames <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("live: client queue full, dropping alert",
				slog.String("client_id", c.id),
				slog.String("alert_id", a.ID),
			)
		}
	}
	return nil
}

// Close disconnects every client. Later Sends are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, c := range b.clients {
		delete(b.clients, id)
		close(c.frames)
	}
}
