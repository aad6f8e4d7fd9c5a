package server

import (
	"encoding/json"
	"testing"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/auth"
)

const hubTestSecret = "hub-test-secret"

// newTestHub builds a hub whose command loop is not running; tests drive the
// internal handlers directly so every assertion is synchronous.
func newTestHub(t *testing.T) (*Hub, *auth.HMACVerifier) {
	t.Helper()
	SetConfig(&Config{JWTSecret: hubTestSecret})
	t.Cleanup(func() { SetConfig(nil) })

	verifier := auth.NewHMACVerifier(hubTestSecret)
	return NewHub(verifier), verifier
}

// addClient registers a client with the hub's tables without starting pumps.
func addClient(h *Hub, token string) *Client {
	c := NewClient(nil, h, "127.0.0.1:12345", token)
	h.clients[c] = true
	return c
}

func receiveEvent(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case payload := <-c.send:
		var env Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		return env
	default:
		t.Fatal("expected a queued event, send channel is empty")
		return Envelope{}
	}
}

func assertNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case payload := <-c.send:
		t.Fatalf("expected no queued event, got %s", payload)
	default:
	}
}

func decodePresence(t *testing.T, env Envelope) PresenceNotice {
	t.Helper()
	var notice PresenceNotice
	require.NoError(t, json.Unmarshal(env.Data, &notice))
	return notice
}

func TestHandleJoinNotifiesExistingMembersOnly(t *testing.T) {
	h, _ := newTestHub(t)
	alice := addClient(h, "")
	bob := addClient(h, "")

	h.handleJoin(command{op: opJoin, client: alice, room: "r1", name: "Alice"})

	// Alice was the first member; nobody is notified, including Alice.
	assertNoEvent(t, alice)
	assertNoEvent(t, bob)

	h.handleJoin(command{op: opJoin, client: bob, room: "r1", name: "Bob"})

	env := receiveEvent(t, alice)
	assert.Equal(t, EventUserConnected, env.Event)
	notice := decodePresence(t, env)
	assert.Equal(t, "r1", notice.Room)
	assert.Equal(t, "Bob", notice.Username)
	assert.NotEmpty(t, notice.Time)

	// The joining connection never receives its own notification.
	assertNoEvent(t, bob)
}

func TestHandleJoinIsIdempotent(t *testing.T) {
	h, _ := newTestHub(t)
	alice := addClient(h, "")
	bob := addClient(h, "")

	h.handleJoin(command{op: opJoin, client: alice, room: "r1", name: "Alice"})
	h.handleJoin(command{op: opJoin, client: bob, room: "r1", name: "Bob"})
	receiveEvent(t, alice)

	h.handleJoin(command{op: opJoin, client: bob, room: "r1", name: "Bob"})

	assert.Len(t, h.rooms["r1"], 2)
	assertNoEvent(t, alice)
	assertNoEvent(t, bob)
}

func TestHandleJoinIgnoresUnregisteredClient(t *testing.T) {
	h, _ := newTestHub(t)
	ghost := NewClient(nil, h, "127.0.0.1:12345", "")

	h.handleJoin(command{op: opJoin, client: ghost, room: "r1", name: "Ghost"})

	assert.Empty(t, h.rooms)
}

func TestPublishExcludesSender(t *testing.T) {
	h, _ := newTestHub(t)
	alice := addClient(h, "")
	bob := addClient(h, "")
	carol := addClient(h, "")
	for _, c := range []*Client{alice, bob, carol} {
		h.handleJoin(command{op: opJoin, client: c, room: "r1", name: "x"})
	}
	for _, c := range []*Client{alice, bob, carol} {
		for len(c.send) > 0 {
			<-c.send
		}
	}

	payload, err := marshalEvent(EventReceiveMessage, ChatMessage{
		Room: "r1", Author: "Alice", Message: "hi", Time: "10:00",
	})
	require.NoError(t, err)

	h.handlePublish(command{op: opPublish, client: alice, room: "r1", payload: payload})

	assertNoEvent(t, alice)
	for _, c := range []*Client{bob, carol} {
		env := receiveEvent(t, c)
		assert.Equal(t, EventReceiveMessage, env.Event)

		var msg ChatMessage
		require.NoError(t, json.Unmarshal(env.Data, &msg))
		assert.Equal(t, ChatMessage{Room: "r1", Author: "Alice", Message: "hi", Time: "10:00"}, msg)
	}
}

func TestPublishToUnknownRoomIsDropped(t *testing.T) {
	h, _ := newTestHub(t)
	alice := addClient(h, "")

	h.handlePublish(command{op: opPublish, client: alice, room: "nowhere", payload: []byte(`{}`)})

	assertNoEvent(t, alice)
}

func TestDropClientRemovesMembershipAndNotifies(t *testing.T) {
	h, verifier := newTestHub(t)

	token, err := verifier.Sign("Alice", time.Minute)
	require.NoError(t, err)

	alice := addClient(h, token)
	bob := addClient(h, "")
	carol := addClient(h, "")

	h.handleJoin(command{op: opJoin, client: bob, room: "r1", name: "Bob"})
	h.handleJoin(command{op: opJoin, client: carol, room: "r2", name: "Carol"})
	h.handleJoin(command{op: opJoin, client: alice, room: "r1", name: "Alice"})
	h.handleJoin(command{op: opJoin, client: alice, room: "r2", name: "Alice"})
	// The self-room is a transport artifact and must not produce presence.
	h.handleJoin(command{op: opJoin, client: alice, room: alice.ID(), name: "Alice"})
	receiveEvent(t, bob)
	receiveEvent(t, carol)

	h.dropClient(alice, "disconnect")

	env := receiveEvent(t, bob)
	assert.Equal(t, EventUserDisconnected, env.Event)
	notice := decodePresence(t, env)
	assert.Equal(t, "r1", notice.Room)
	assert.Equal(t, "Alice", notice.Username)

	env = receiveEvent(t, carol)
	assert.Equal(t, EventUserDisconnected, env.Event)
	notice = decodePresence(t, env)
	assert.Equal(t, "r2", notice.Room)
	assert.Equal(t, "Alice", notice.Username)

	assertNoEvent(t, bob)
	assertNoEvent(t, carol)

	assert.NotContains(t, h.clients, alice)
	assert.NotContains(t, h.rooms["r1"], alice)
	assert.NotContains(t, h.rooms["r2"], alice)
	assert.NotContains(t, h.rooms, alice.ID())

	// Send channel is closed after teardown.
	_, open := <-alice.send
	assert.False(t, open)
}

func TestDropClientSuppressesPresenceWhenIdentityUnavailable(t *testing.T) {
	h, _ := newTestHub(t)
	alice := addClient(h, "no-longer-valid")
	bob := addClient(h, "")

	h.handleJoin(command{op: opJoin, client: bob, room: "r1", name: "Bob"})
	h.handleJoin(command{op: opJoin, client: alice, room: "r1", name: "Alice"})
	receiveEvent(t, bob)

	h.dropClient(alice, "disconnect")

	// Presence is suppressed, but teardown still completed.
	assertNoEvent(t, bob)
	assert.NotContains(t, h.clients, alice)
	assert.NotContains(t, h.rooms["r1"], alice)
}

func TestDropClientIsIdempotent(t *testing.T) {
	h, _ := newTestHub(t)
	alice := addClient(h, "")

	h.dropClient(alice, "disconnect")
	h.dropClient(alice, "disconnect")

	assert.NotContains(t, h.clients, alice)
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	SetConfig(&Config{JWTSecret: hubTestSecret, SendBufferSize: 1})
	t.Cleanup(func() { SetConfig(nil) })

	h := NewHub(auth.NewHMACVerifier(hubTestSecret))
	alice := addClient(h, "")
	bob := addClient(h, "")
	h.handleJoin(command{op: opJoin, client: alice, room: "r1", name: "Alice"})
	h.handleJoin(command{op: opJoin, client: bob, room: "r1", name: "Bob"})
	for len(alice.send) > 0 {
		<-alice.send
	}

	// Fill Bob's buffer so the next delivery cannot be queued.
	bob.send <- []byte("stall")

	payload, err := marshalEvent(EventReceiveMessage, ChatMessage{Room: "r1", Author: "Alice", Message: "hi"})
	require.NoError(t, err)
	h.handlePublish(command{op: opPublish, client: alice, room: "r1", payload: payload})

	assert.NotContains(t, h.clients, bob)
	assert.NotContains(t, h.rooms["r1"], bob)
	assert.Contains(t, h.clients, alice)
}

func TestShutdownClientsSettlesCounters(t *testing.T) {
	h, _ := newTestHub(t)
	alice := addClient(h, "")
	bob := addClient(h, "")
	h.handleJoin(command{op: opJoin, client: alice, room: "r1", name: "Alice"})
	h.handleJoin(command{op: opJoin, client: bob, room: "r2", name: "Bob"})

	// Counters are process-wide, so only the delta is meaningful here.
	rooms := gometrics.GetOrRegisterCounter("rooms", gometrics.DefaultRegistry)
	websockets := gometrics.GetOrRegisterCounter("websockets", gometrics.DefaultRegistry)
	roomsBefore := rooms.Count()
	websocketsBefore := websockets.Count()

	h.shutdownClients()

	assert.Equal(t, roomsBefore-2, rooms.Count())
	assert.Equal(t, websocketsBefore-2, websockets.Count())
	assert.Empty(t, h.rooms)
	assert.Empty(t, h.clients)
}

func TestHandleRegisterNilClient(t *testing.T) {
	h, _ := newTestHub(t)

	assert.NotPanics(t, func() { h.handleRegister(nil) })
	assert.Empty(t, h.clients)
}

func TestNewClientAssignsUniqueIDs(t *testing.T) {
	h, _ := newTestHub(t)
	a := NewClient(nil, h, "127.0.0.1:1", "")
	b := NewClient(nil, h, "127.0.0.1:2", "")

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}
