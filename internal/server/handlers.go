// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler returns the handler for WebSocket upgrade requests. It
// captures the handshake token, upgrades the connection, and registers a new
// Client with the hub. No authorization happens here: a connection may exist
// unauthenticated until its first event is evaluated.
func WebSocketHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		token := handshakeToken(r)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade failed: %v", err)
			return
		}

		client := NewClient(conn, hub, r.RemoteAddr, token)

		// Register the client with the hub; the hub will launch the pump goroutines.
		hub.Register(client)
	}
}

// handshakeToken extracts the access token from the upgrade request: the
// token query parameter, or an Authorization bearer header as a fallback.
// The token is stored opaque and verified per event, never at upgrade time.
func handshakeToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(bearer)
	}
	return ""
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "RoomChat server is running!")
}

// TestPageHandler serves an HTML test page for exercising the WebSocket
// endpoint. It provides a minimal client that connects with a token, joins a
// room, and exchanges messages.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `<!DOCTYPE html>
<html>
<head>
    <title>RoomChat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; cursor: pointer; }
    </style>
</head>
<body>
    <h1>RoomChat WebSocket Test</h1>

    <div>
        <input type="text" id="tokenInput" placeholder="Access token..." size="40">
        <input type="text" id="roomInput" placeholder="Room..." value="lobby">
        <button onclick="connect()">Connect &amp; Join</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." size="40">
        <button onclick="sendMessage()">Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');

        function addMessage(text) {
            const el = document.createElement('div');
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function connect() {
            const token = document.getElementById('tokenInput').value.trim();
            const room = document.getElementById('roomInput').value.trim();
            ws = new WebSocket('ws://' + location.host + '/ws?token=' + encodeURIComponent(token));
            ws.onopen = function() {
                addMessage('Connected');
                ws.send(JSON.stringify({event: 'join_room', data: {room: room}}));
            };
            ws.onmessage = function(evt) { addMessage(evt.data); };
            ws.onclose = function() { addMessage('Connection closed'); ws = null; };
        }

        function sendMessage() {
            const text = document.getElementById('messageInput').value.trim();
            const room = document.getElementById('roomInput').value.trim();
            if (!text || !ws || ws.readyState !== WebSocket.OPEN) { return; }
            ws.send(JSON.stringify({event: 'send_message', data: {
                room: room,
                author: 'test-page',
                message: text,
                time: new Date().toLocaleTimeString()
            }}));
            document.getElementById('messageInput').value = '';
        }
    </script>
</body>
</html>`
	if _, err := fmt.Fprint(w, html); err != nil {
		log.Printf("Error writing HTML response: %v", err)
	}
}
