// Package server manages individual WebSocket clients, handling read/write
// pumps, per-event authorization, rate limiting, and lifecycle control for
// each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client represents a WebSocket client connection. It carries the opaque
// handshake token, which is re-verified on every inbound event; verified
// claims are never stored on the client. Room membership in c.rooms is owned
// by the hub and only touched under the hub's lock.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	token          string
	rooms          map[string]bool
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewClient creates a new Client instance with the provided WebSocket
// connection, hub reference, remote address, and handshake token. Each client
// is assigned a unique id that is stable for the connection's lifetime.
func NewClient(conn *websocket.Conn, hub *Hub, addr, token string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	limiter := newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval)

	return &Client{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, cfg.SendBufferSize),
		hub:            hub,
		addr:           addr,
		token:          token,
		rooms:          make(map[string]bool),
		closed:         false,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    limiter,
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the client's unique connection identifier.
func (c *Client) ID() string {
	return c.id
}

// GetSendChan returns the client's send channel for reading outgoing messages.
// This channel is read-only from the caller's perspective.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		log.Printf("Error setting initial read deadline for %s: %v", c.addr, err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			log.Printf("Error setting read deadline in pong handler for %s: %v", c.addr, err)
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should break
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		log.Printf("Message from %s exceeded maximum size of %d bytes", c.addr, c.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		log.Printf("Client %s disconnected: %v", c.addr, err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		log.Printf("Client %s connection closed: %v", c.addr, err)
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		log.Printf("Unexpected WebSocket error from %s: %v", c.addr, err)
		return true
	}

	log.Printf("WebSocket read error from %s: %v", c.addr, err)
	return true
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the event should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		log.Printf("Rate limit exceeded for %s (%d events per %s); discarding event", c.addr, c.rateLimit.Burst, c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// dispatch authorizes and routes a single inbound event. It returns false
// when the connection must be terminated (authorization failure). Malformed
// frames are rejected and logged without terminating the connection.
func (c *Client) dispatch(rawEvent []byte) bool {
	var evt Envelope
	if err := json.Unmarshal(rawEvent, &evt); err != nil {
		log.Printf("Invalid event frame from %s: %v", c.addr, err)
		return true
	}

	// Every event re-proves identity from the handshake token. There is no
	// cached authenticated state between events.
	claims, err := c.hub.verifier.Verify(c.token)
	if err != nil {
		log.Printf("Rejecting event %q from unauthorized client %s: %v", evt.Event, c.addr, err)
		c.rejectUnauthorized()
		return false
	}

	switch evt.Event {
	case EventJoinRoom:
		var payload JoinPayload
		if err := json.Unmarshal(evt.Data, &payload); err != nil || payload.Room == "" {
			log.Printf("Malformed join_room from %s: missing room", c.addr)
			return true
		}
		c.hub.Join(c, payload.Room, claims.Name)

	case EventSendMessage:
		var msg ChatMessage
		if err := json.Unmarshal(evt.Data, &msg); err != nil {
			log.Printf("Malformed send_message from %s: %v", c.addr, err)
			return true
		}
		if msg.Room == "" {
			log.Printf("Malformed send_message from %s: missing room", c.addr)
			return true
		}
		framed, err := marshalEvent(EventReceiveMessage, msg)
		if err != nil {
			log.Printf("Error framing message from %s: %v", c.addr, err)
			return true
		}
		c.hub.Publish(msg.Room, c, framed)

	default:
		log.Printf("Unknown event %q from %s; ignoring", evt.Event, c.addr)
	}

	return true
}

// rejectUnauthorized queues the unauthorized status notification for the
// connection. The caller terminates the read loop afterwards; the queued
// status drains through the write pump before the close frame goes out.
// Delivery goes through the hub's guarded send path because the hub may have
// already evicted this connection and closed its send channel.
func (c *Client) rejectUnauthorized() {
	incr("unauthorized", 1)
	payload, err := marshalEvent(EventStatus, StatusNotice{Status: StatusUnauthorized})
	if err != nil {
		log.Printf("Error encoding status notification: %v", err)
		return
	}
	c.hub.safeSend(c, payload)
}

func (c *Client) readPump() {
	// The write pump owns closing the connection so that queued frames are
	// flushed; this side only reports the disconnect.
	defer func() {
		c.hub.Unregister(c)
	}()

	c.setupReadConnection()

	for {
		_, rawEvent, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
			continue
		}

		if !c.checkRateLimit() {
			continue
		}

		if !c.dispatch(rawEvent) {
			break
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error closing connection in writePump: %v", err)
		}
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		log.Printf("Error setting write deadline for %s: %v", c.addr, err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing close message to %s: %v", c.addr, err)
		}
	}
	return false
}

// writeTextMessage writes a single framed event to the connection
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing message to %s: %v", c.addr, err)
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		log.Printf("Error setting write deadline for ping to %s: %v", c.addr, err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing ping message to %s: %v", c.addr, err)
		}
		return false
	}
	return true
}
