// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

// Package websocket manages live delivery channels. Each authenticated
// user may hold several concurrent connections; the hub keys clients by
// user ID and pushes messages to every open channel of a target user.
package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mfedyk/labtrail/internal/logging"
	"github.com/mfedyk/labtrail/internal/metrics"
)

// Message types for live channel communication
const (
	MessageTypeConnected    = "connected"
	MessageTypeNotification = "notification"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
)

// Message represents a live channel message.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// ConnectedData is sent once when a subscription is established.
type ConnectedData struct {
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

// Config holds hub tuning parameters.
type Config struct {
	// HeartbeatInterval is the server ping period.
	HeartbeatInterval time.Duration

	// ClientBuffer is the per-client send queue size. A client that
	// falls this far behind is disconnected.
	ClientBuffer int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		ClientBuffer:      64,
	}
}

// Hub maintains the set of active clients grouped by user and delivers
// messages to a user's open channels. There is one hub per process; it
// is injected where needed and supervised alongside the HTTP server.
type Hub struct {
	config     Config
	clients    map[string]map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(config Config) *Hub {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if config.ClientBuffer <= 0 {
		config.ClientBuffer = DefaultConfig().ClientBuffer
	}
	return &Hub{
		config:     config,
		clients:    make(map[string]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
	}
}

// RunWithContext runs the hub lifecycle loop until the context is
// canceled, then closes every connected client and returns ctx.Err().
// Designed for suture supervision: a restart starts with a clean
// client registry.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()

		case client := <-h.Register:
			h.addClient(client)

		case client := <-h.Unregister:
			h.removeClient(client)
		}
	}
}

// addClient registers a client and confirms the subscription.
func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	if h.clients[client.userID] == nil {
		h.clients[client.userID] = make(map[*Client]bool)
	}
	h.clients[client.userID][client] = true
	total := h.clientCountLocked()
	h.mu.Unlock()

	metrics.LiveClients.Set(float64(total))
	logging.Info().
		Str("user_id", client.userID).
		Int("total_clients", total).
		Msg("live channel connected")

	client.enqueue(Message{
		Type: MessageTypeConnected,
		Data: ConnectedData{
			UserID:    client.userID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// removeClient unregisters a client. The membership check makes the
// channel close exactly-once no matter how many paths report the same
// dead client.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	closed := false
	if userClients, ok := h.clients[client.userID]; ok && userClients[client] {
		delete(userClients, client)
		if len(userClients) == 0 {
			delete(h.clients, client.userID)
		}
		close(client.send)
		closed = true
	}
	total := h.clientCountLocked()
	h.mu.Unlock()

	if closed {
		metrics.LiveClients.Set(float64(total))
		logging.Info().
			Str("user_id", client.userID).
			Int("total_clients", total).
			Msg("live channel disconnected")
	}
}

// SendToUser delivers a message to every open channel of the user,
// best-effort. A full or closed channel marks that client dead; cleanup
// is local and the failure is never surfaced to the caller. Calls from
// a single goroutine preserve per-client FIFO order.
func (h *Hub) SendToUser(userID string, message any) {
	h.mu.RLock()
	var failed []*Client
	for client := range h.clients[userID] {
		select {
		case client.send <- message:
		default:
			failed = append(failed, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range failed {
		metrics.LivePushesFailed.Inc()
		logging.Warn().Str("user_id", userID).Msg("live channel backed up, disconnecting client")
		h.removeClient(client)
	}
}

// shutdown closes every connected client in deterministic order.
func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	var all []*Client
	for _, userClients := range h.clients {
		for client := range userClients {
			all = append(all, client)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })
	for _, client := range all {
		close(client.send)
	}
	h.clients = make(map[string]map[*Client]bool)
	h.mu.Unlock()

	metrics.LiveClients.Set(0)
	logging.Info().
		Str("component", "websocket-hub").
		Int("clients_closed", len(all)).
		Msg("live channel hub stopped")
	_ = ctx
}

// clientCountLocked counts clients; callers hold h.mu.
func (h *Hub) clientCountLocked() int {
	total := 0
	for _, userClients := range h.clients {
		total += len(userClients)
	}
	return total
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clientCountLocked()
}

// UserClientCount returns the number of open channels for one user.
func (h *Hub) UserClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}
