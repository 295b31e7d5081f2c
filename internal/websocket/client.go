// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package websocket

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mfedyk/labtrail/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024 // 64 KB; clients only send control messages
)

// clientIDCounter generates unique, monotonically increasing client IDs
// so shutdown and tests can order clients deterministically.
var clientIDCounter atomic.Uint64

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	id     uint64
	userID string
	hub    *Hub
	conn   *websocket.Conn
	send   chan any
}

// NewClient creates a client for an authenticated user's connection.
// Register it with the hub and call Start to begin the pumps.
func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		id:     clientIDCounter.Add(1),
		userID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan any, hub.config.ClientBuffer),
	}
}

// UserID returns the owning user's ID.
func (c *Client) UserID() string {
	return c.userID
}

// enqueue queues a message without blocking; drops when the client is
// backed up.
func (c *Client) enqueue(message any) {
	select {
	case c.send <- message:
	default:
	}
}

// pongWait is how long the read side tolerates silence. The server
// pings every HeartbeatInterval, so double that covers one lost frame.
func (c *Client) pongWait() time.Duration {
	return 2 * c.hub.config.HeartbeatInterval
}

// readPump pumps control messages from the connection and detects
// disconnects. The deferred unregister is the single cleanup path for
// a client whose peer went away.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait())); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug().Err(err).Str("user_id", c.userID).Msg("unexpected websocket close")
			}
			break
		}

		if msg.Type == MessageTypePing {
			c.enqueue(Message{Type: MessageTypePong})
		}
	}
}

// writePump pumps queued messages to the connection and sends the
// heartbeat ping.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.config.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}

			if !ok {
				// The hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				logging.Debug().Err(err).Str("user_id", c.userID).Msg("failed to write live message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for ping")
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start begins reading and writing for the client.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
