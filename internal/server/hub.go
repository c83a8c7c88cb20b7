package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"xobattle/internal/metrics"
	"xobattle/internal/ports"
)

const defaultSendBuffer = 64

var (
	ErrNotConnected = errors.New("participant not connected")
	ErrBufferFull   = errors.New("send buffer full")
)

var _ ports.Notifier = (*Hub)(nil)

// client is one live socket. done is closed when the socket is replaced or
// disconnected; send is never closed so late notifications cannot panic.
type client struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// Hub routes events to the connected socket of each participant. A
// participant has at most one socket; connecting again replaces the old one.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	buffer  int
	metrics *metrics.Metrics
}

func NewHub(buffer int, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Hub{clients: make(map[string]*client), buffer: buffer, metrics: m}
}

func (h *Hub) connect(participantID string) *client {
	c := &client{send: make(chan []byte, h.buffer), done: make(chan struct{})}
	h.mu.Lock()
	old := h.clients[participantID]
	h.clients[participantID] = c
	h.mu.Unlock()
	if old != nil {
		old.stop()
	}
	return c
}

// disconnect removes c unless a newer socket already took its place.
func (h *Hub) disconnect(participantID string, c *client) {
	h.mu.Lock()
	if h.clients[participantID] == c {
		delete(h.clients, participantID)
	}
	h.mu.Unlock()
	c.stop()
}

// Connected reports whether participantID has a live socket.
func (h *Hub) Connected(participantID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[participantID]
	return ok
}

// Notify queues an event for participantID without blocking.
func (h *Hub) Notify(_ context.Context, participantID string, kind ports.EventKind, payload any) error {
	h.mu.RLock()
	c, ok := h.clients[participantID]
	h.mu.RUnlock()
	if !ok {
		h.metrics.NotificationDropped()
		return ErrNotConnected
	}
	return h.push(c, string(kind), payload)
}

func (h *Hub) push(c *client, msgType string, payload any) error {
	msg, err := encode(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- msg:
		return nil
	default:
		h.metrics.NotificationDropped()
		return ErrBufferFull
	}
}

func encode(msgType string, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return json.Marshal(WSMessage{Type: msgType, Payload: p})
}
