package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on the request context. Outbound calls to
// the database, payment processor and clinical platform all take that
// context, so a stuck dependency surfaces as an error instead of a hung
// request. Paths under skipPrefix (the websocket feed) are left alone.
func RequestTimeout(timeout time.Duration, skipPrefix string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipPrefix != "" && strings.HasPrefix(c.Request().URL.Path, skipPrefix) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
