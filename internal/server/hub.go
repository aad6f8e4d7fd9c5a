// Package server coordinates client registration, room membership, message
// fan-out, and connection cleanup for the RoomChat WebSocket system via the
// Hub type.
package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/auth"
)

type commandOp int

const (
	opRegister commandOp = iota
	opUnregister
	opJoin
	opPublish
)

// command is the single unit of work processed by the hub's run loop. All
// membership mutation and fan-out flows through one queue so a connection's
// events are handled in arrival order and broadcasts never interleave with
// membership changes.
type command struct {
	op      commandOp
	client  *Client
	room    string
	name    string // display name for join presence
	payload []byte // framed event for publish
}

// Hub owns the room membership table and fans events out to room members.
// It maintains client registration/unregistration and ensures thread-safe
// operations by funneling all mutation through its run loop.
type Hub struct {
	clients  map[*Client]bool
	rooms    map[string]map[*Client]bool
	commands chan command
	verifier auth.Verifier
	mutex    sync.RWMutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewHub creates and initializes a new Hub instance. The verifier is consulted
// at disconnect time to re-derive the identity used in presence notifications.
// The returned Hub is ready to manage WebSocket connections once Run is called.
func NewHub(verifier auth.Verifier) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:  make(map[*Client]bool),
		rooms:    make(map[string]map[*Client]bool),
		commands: make(chan command, 16),
		verifier: verifier,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Register queues a new client for registration with the hub. The hub launches
// the client's pump goroutines once the registration is processed.
func (h *Hub) Register(client *Client) {
	h.enqueue(command{op: opRegister, client: client})
}

// Unregister queues a client for teardown: membership removal, presence
// notification, and closure of its send channel.
func (h *Hub) Unregister(client *Client) {
	h.enqueue(command{op: opUnregister, client: client})
}

// Join queues a room join for the client. name is the display name from the
// client's verified claims and is used for the user_connected notification.
func (h *Hub) Join(client *Client, room, name string) {
	h.enqueue(command{op: opJoin, client: client, room: room, name: name})
}

// Publish queues payload for delivery to every member of room except sender.
func (h *Hub) Publish(room string, sender *Client, payload []byte) {
	h.enqueue(command{op: opPublish, client: sender, room: room, payload: payload})
}

func (h *Hub) enqueue(cmd command) {
	select {
	case h.commands <- cmd:
	case <-h.ctx.Done():
	}
}

// Run starts the hub's main event loop, processing registration, room joins,
// broadcasts, and teardown. This method should be called in a separate
// goroutine as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case cmd := <-h.commands:
			switch cmd.op {
			case opRegister:
				h.handleRegister(cmd.client)
			case opUnregister:
				h.dropClient(cmd.client, "disconnect")
			case opJoin:
				h.handleJoin(cmd)
			case opPublish:
				h.handlePublish(cmd)
			}
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	if client == nil {
		log.Printf("Received nil client registration; skipping")
		return
	}

	h.mutex.Lock()
	client.closed = false
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mutex.Unlock()
	incr("websockets", 1)
	log.Printf("Client %s registered from %s. Total clients: %d", client.id, client.addr, clientCount)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// handleJoin adds the client to the room and notifies existing members.
// Joining a room twice is a no-op: membership is unchanged and no duplicate
// presence notification is emitted.
func (h *Hub) handleJoin(cmd command) {
	h.mutex.Lock()
	if _, ok := h.clients[cmd.client]; !ok {
		h.mutex.Unlock()
		return
	}

	members, ok := h.rooms[cmd.room]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[cmd.room] = members
		incr("rooms", 1)
	}
	if members[cmd.client] {
		h.mutex.Unlock()
		return
	}
	members[cmd.client] = true
	cmd.client.rooms[cmd.room] = true
	h.mutex.Unlock()

	log.Printf("Client %s joined room %q as %q", cmd.client.id, cmd.room, cmd.name)

	payload, err := marshalEvent(EventUserConnected, PresenceNotice{
		Room:     cmd.room,
		Username: cmd.name,
		Time:     time.Now().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("Error encoding user_connected notification: %v", err)
		return
	}
	h.deliver(cmd.room, cmd.client, payload)
}

func (h *Hub) handlePublish(cmd command) {
	h.mutex.RLock()
	_, roomExists := h.rooms[cmd.room]
	h.mutex.RUnlock()

	if !roomExists {
		incr("drops", 1)
		return
	}

	incr("broadcasts", 1)
	h.deliver(cmd.room, cmd.client, cmd.payload)
}

// deliver sends payload to every current member of room except sender.
// Delivery is fire-and-forget: members whose send buffers are full are
// dropped from the hub entirely.
func (h *Hub) deliver(room string, sender *Client, payload []byte) {
	h.mutex.RLock()
	recipients := make([]*Client, 0, len(h.rooms[room]))
	for member := range h.rooms[room] {
		if member == sender {
			continue
		}
		recipients = append(recipients, member)
	}
	h.mutex.RUnlock()

	var failed []*Client
	for _, member := range recipients {
		if !h.safeSend(member, payload) {
			failed = append(failed, member)
		}
	}

	for _, member := range failed {
		log.Printf("Client %s from %s dropped due to full send buffer", member.id, member.addr)
		h.dropClient(member, "slow consumer")
	}
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeSend: %v", r)
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// dropClient removes the client and all of its room memberships, then emits
// user_disconnected notifications to the rooms it left. Identity for the
// notifications is re-derived from the connection's last-presented token; if
// that fails the notifications are suppressed but teardown still completes.
func (h *Hub) dropClient(client *Client, reason string) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	client.closed = true
	left := h.removeMembership(client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock. The buffered send channel
	// still drains into the write pump, so any already-queued event (such as
	// the unauthorized status) reaches the peer before the close frame.
	close(client.send)
	decr("websockets", 1)
	log.Printf("Client %s unregistered (%s). Total clients: %d", client.id, reason, clientCount)

	h.notifyDisconnected(client, left)
}

// removeMembership deletes the client from every room it joined and returns
// the affected room ids for presence fan-out. A room named after the client's
// own connection id is a transport artifact, not a real channel, and is
// filtered from the returned set. Emptied rooms are forgotten.
// Callers must hold h.mutex.
func (h *Hub) removeMembership(client *Client) []string {
	left := make([]string, 0, len(client.rooms))
	for room := range client.rooms {
		members, ok := h.rooms[room]
		if !ok {
			continue
		}
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
			decr("rooms", 1)
		}
		if room != client.id {
			left = append(left, room)
		}
	}
	client.rooms = make(map[string]bool)
	return left
}

func (h *Hub) notifyDisconnected(client *Client, rooms []string) {
	if len(rooms) == 0 {
		return
	}

	claims, err := h.verifier.Verify(client.token)
	if err != nil {
		// Identity is unavailable at disconnect time. The notification is
		// suppressed; membership removal has already completed.
		log.Printf("Suppressing user_disconnected for client %s: %v", client.id, err)
		return
	}

	now := time.Now().Format(time.RFC3339)
	for _, room := range rooms {
		payload, err := marshalEvent(EventUserDisconnected, PresenceNotice{
			Room:     room,
			Username: claims.Name,
			Time:     now,
		})
		if err != nil {
			log.Printf("Error encoding user_disconnected notification: %v", err)
			continue
		}
		h.deliver(room, client, payload)
	}
}

// shutdownClients tears down all remaining clients during hub shutdown.
func (h *Hub) shutdownClients() {
	log.Println("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		client.closed = true
	}
	// Settle the gauges before the tables are cleared so the final metrics
	// report shows zero live connections and rooms.
	decr("websockets", int64(len(h.clients)))
	decr("rooms", int64(len(h.rooms)))
	h.clients = make(map[*Client]bool)
	h.rooms = make(map[string]map[*Client]bool)
	h.mutex.Unlock()

	for _, client := range clients {
		close(client.send)
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing client connection from %s: %v", client.addr, err)
				}
			}
		}
	}

	log.Printf("Closed %d client connections", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines
// to complete. It returns after all client connections are closed and
// goroutines have finished, or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.cancel()

	// Wait for Run() to complete
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
