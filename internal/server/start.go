package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Start runs the HTTP server and blocks until an interrupt or terminate
// signal arrives, then shuts down gracefully.
func (s *Server) Start(addr string) {
	go func() {
		if err := s.E.Start(addr); err != nil && err != http.ErrServerClosed {
			s.E.Logger.Fatalf("shutting down the server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.PubSub.Close(); err != nil {
		s.E.Logger.Error(err)
	}
	if err := s.History.Close(); err != nil {
		s.E.Logger.Error(err)
	}
	if err := s.E.Shutdown(ctx); err != nil {
		s.E.Logger.Fatal(err)
	}
}
