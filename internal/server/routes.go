package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes sets up all the application routes.
func (s *Server) RegisterRoutes() {
	historyHandler := NewHistoryHandler(s.History, s.Cfg.PageSize)

	// The real-time channel.
	s.E.GET("/chat", s.Bridge.Handler())

	// The stateless request/response surface reads the log directly,
	// outside the real-time channel.
	s.E.GET("/messages", historyHandler.Messages)
	s.E.GET("/search", historyHandler.Search)

	s.E.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
}
