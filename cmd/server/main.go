package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/server"
)

func main() {
	fmt.Println("Starting RoomChat server...")

	config := server.NewConfigFromEnv()
	server.SetConfig(config)

	verifier := auth.NewHMACVerifier(config.JWTSecret)
	hub := server.NewHub(verifier)
	server.StartHub(hub)
	server.StartMetrics()

	router := server.SetupRoutes(hub)
	httpServer := server.CreateServer(config.Port, router)

	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	if err := server.ShutdownServer(httpServer, 10*time.Second); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := hub.Shutdown(5 * time.Second); err != nil {
		log.Printf("Hub shutdown: %v", err)
	}
	server.FinalMetrics()
}
