package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/relay/internal/history"
	"github.com/nfrund/relay/internal/protocol"
)

// HistoryHandler serves paginated history and search over the message log.
type HistoryHandler struct {
	log      history.Log
	pageSize int
}

// NewHistoryHandler creates a new HistoryHandler.
func NewHistoryHandler(log history.Log, pageSize int) *HistoryHandler {
	return &HistoryHandler{log: log, pageSize: pageSize}
}

// Messages handles GET /messages?room=R&before=T. It returns up to one
// page of the most recent non-private messages older than T (or the
// most recent page when T is omitted), oldest first. An empty array is
// the "no more history" signal.
func (h *HistoryHandler) Messages(c echo.Context) error {
	room := c.QueryParam("room")
	if room == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "room is required")
	}

	var before time.Time
	if raw := c.QueryParam("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "before must be an RFC 3339 timestamp").SetInternal(err)
		}
		before = parsed
	}

	page, err := h.log.Page(room, before, h.pageSize)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load messages").SetInternal(err)
	}
	if page == nil {
		page = []protocol.Message{}
	}
	return c.JSON(http.StatusOK, page)
}

// Search handles GET /search?room=R&q=Q: case-insensitive substring
// match over text content, ascending, unpaginated.
func (h *HistoryHandler) Search(c echo.Context) error {
	room := c.QueryParam("room")
	q := c.QueryParam("q")
	if room == "" || q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "room and q are required")
	}

	matches, err := h.log.Search(room, q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to search messages").SetInternal(err)
	}
	if matches == nil {
		matches = []protocol.Message{}
	}
	return c.JSON(http.StatusOK, matches)
}
