package order

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/testwell/testwell/internal/domain/catalog"
	"github.com/testwell/testwell/internal/platform/auth"
	"github.com/testwell/testwell/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/checkout", h.Checkout, auth.RequireRole(auth.RolePatient))

	// Ownership is checked per order; patients only ever see their own.
	read := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleProvider))
	read.GET("/orders", h.ListOrders)
	read.GET("/orders/:id", h.GetOrder)

	provider := api.Group("", auth.RequireRole(auth.RoleProvider))
	provider.POST("/orders/:id/review", h.StartReview)
	provider.POST("/orders/:id/activate", h.ActivatePlan)

	api.POST("/orders/:id/cancel", h.CancelOrder, auth.RequireRole(auth.RoleAdmin))
}

func (h *Handler) Checkout(c echo.Context) error {
	var req catalog.CartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	res, err := h.svc.Checkout(ctx, auth.UserIDFromContext(ctx), req.CartItems())
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) ListOrders(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)

	f := ListFilter{Status: Status(c.QueryParam("status"))}
	if !auth.IsStaff(ctx) {
		f.PatientID = auth.UserIDFromContext(ctx)
	} else if pid := c.QueryParam("patient_id"); pid != "" {
		f.PatientID = pid
	}

	items, total, err := h.svc.List(ctx, f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	o, err := h.svc.Get(ctx, id)
	if err != nil {
		return httpError(c, err)
	}
	// Someone else's order answers like a missing one.
	if !auth.IsStaff(ctx) && o.PatientID != auth.UserIDFromContext(ctx) {
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	}
	return c.JSON(http.StatusOK, o)
}

type transitionResponse struct {
	Order   *Order  `json:"order"`
	Outcome Outcome `json:"outcome"`
}

func (h *Handler) StartReview(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	o, outcome, err := h.svc.StartReview(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, transitionResponse{Order: o, Outcome: outcome})
}

type activateRequest struct {
	TreatmentPlanID string `json:"treatment_plan_id"`
}

func (h *Handler) ActivatePlan(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req activateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	o, outcome, err := h.svc.ActivatePlan(ctx, id, req.TreatmentPlanID, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, transitionResponse{Order: o, Outcome: outcome})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req cancelRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	ctx := c.Request().Context()
	o, outcome, err := h.svc.Cancel(ctx, id, req.Reason, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, transitionResponse{Order: o, Outcome: outcome})
}

// httpError maps service errors to responses. Internal details are only
// logged.
func httpError(c echo.Context, err error) error {
	var ve *ValidationError
	var de *DependencyError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]string{
			"code":    ve.Code,
			"message": ve.Message,
			"field":   ve.Field,
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &de):
		return echo.NewHTTPError(http.StatusBadGateway, de.Op)
	}
	zerolog.Ctx(c.Request().Context()).Error().Err(err).Str("path", c.Path()).Msg("order request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
