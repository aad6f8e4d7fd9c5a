// Package server implements the core HTTP and WebSocket server functionality
// for RoomChat: a room-scoped broadcast hub over persistent connections with
// per-event authorization against a signed access token.
//
// The implementation is organized into specialized files for configuration,
// hub and room management, clients, authorization dispatch, routing, and HTTP
// handlers to keep the codebase maintainable and testable as the project
// grows.
package server
