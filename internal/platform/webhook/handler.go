package webhook

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/testwell/testwell/internal/platform/auth"
	"github.com/testwell/testwell/pkg/pagination"
)

// Handler exposes the webhook log to admins.
type Handler struct {
	log *Log
}

func NewHandler(log *Log) *Handler {
	return &Handler{log: log}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/webhook-events", auth.RequireRole(auth.RoleAdmin))
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.POST("/:id/replay", h.Replay)
}

// List handles GET /webhook-events?source=&outcome=.
func (h *Handler) List(c echo.Context) error {
	f := Filter{Source: Source(c.QueryParam("source")), Outcome: Outcome(c.QueryParam("outcome"))}
	if f.Outcome != "" && !f.Outcome.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown outcome")
	}
	pg := pagination.FromContext(c)
	events, total, err := h.log.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.log.Get(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "webhook event not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

// Replay handles POST /webhook-events/:id/replay.
func (h *Handler) Replay(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.log.Replay(c.Request().Context(), id)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "webhook event not found")
	case errors.Is(err, ErrNotReplayable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, e)
}
