// Package server wires HTTP handlers into a router for the RoomChat
// application via routing helpers.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes configures and returns a router with all application routes:
// health check, WebSocket endpoint, and test page.
func SetupRoutes(hub *Hub) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/", HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ws", WebSocketHandler(hub)).Methods(http.MethodGet)
	router.HandleFunc("/test", TestPageHandler).Methods(http.MethodGet)
	return router
}
