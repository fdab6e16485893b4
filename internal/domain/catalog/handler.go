package catalog

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	catalog  *Catalog
	currency string
}

func NewHandler(c *Catalog, currency string) *Handler {
	return &Handler{catalog: c, currency: currency}
}

// RegisterRoutes mounts the public catalog endpoints.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/tests", h.ListTests)
	api.GET("/tests/:slug", h.GetTest)
	api.POST("/cart/quote", h.QuoteCart)
}

func (h *Handler) ListTests(c echo.Context) error {
	tests := h.catalog.List(Category(c.QueryParam("category")))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":       tests,
		"total":      len(tests),
		"currency":   h.currency,
		"categories": h.catalog.Categories(),
	})
}

func (h *Handler) GetTest(c echo.Context) error {
	t, ok := h.catalog.BySlug(c.Param("slug"))
	if !ok {
		// Accept ids too; carts hold ids.
		t, ok = h.catalog.Lookup(c.Param("slug"))
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "test not found")
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) QuoteCart(c echo.Context) error {
	var req CartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ids := make([]string, len(req.Items))
	for i, l := range req.Items {
		ids[i] = l.TestID
	}

	q, err := h.catalog.Quote(ids, h.currency)
	if err != nil {
		return ValidationHTTPError(err)
	}
	return c.JSON(http.StatusOK, q)
}

// ValidationHTTPError renders a ResolveError as a 400 with a machine
// readable code.
func ValidationHTTPError(err error) error {
	var re *ResolveError
	if errors.As(err, &re) {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]string{
			"code":    re.Code,
			"message": re.Error(),
			"field":   re.Field(),
		})
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
