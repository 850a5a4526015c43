package server

import (
	"context"
	"log/slog"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nfrund/relay/internal/config"
	"github.com/nfrund/relay/internal/history"
	"github.com/nfrund/relay/internal/logging"
	"github.com/nfrund/relay/internal/presence"
	"github.com/nfrund/relay/internal/pubsub"
	"github.com/nfrund/relay/internal/router"
	"github.com/nfrund/relay/internal/websocket"
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	E        *echo.Echo
	Cfg      *config.Config
	PubSub   *pubsub.WatermillBridge
	History  history.Log
	Registry *presence.Registry
	Bridge   *websocket.Bridge
	Router   *router.Router
}

// New creates a new Server instance and wires the real-time core:
// pub/sub bus, message log, presence registry, connection bridge and
// fan-out router.
func New() *Server {
	logging.New() // Initialize the structured logger
	cfg := config.New()

	log, err := history.Open(cfg.HistoryPath)
	if err != nil {
		slog.Error("Failed to open history store", "error", err)
		os.Exit(1)
	}

	bus := pubsub.NewWatermillBridge()
	registry := presence.NewRegistry()
	bridge := websocket.NewBridge(bus, cfg.SendQueueSize, cfg.WriteTimeout)
	rt := router.New(registry, log, bridge)

	if err := rt.Start(context.Background(), bus); err != nil {
		slog.Error("Failed to start fan-out router", "error", err)
		os.Exit(1)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	return &Server{
		E:        e,
		Cfg:      cfg,
		PubSub:   bus,
		History:  log,
		Registry: registry,
		Bridge:   bridge,
		Router:   rt,
	}
}
