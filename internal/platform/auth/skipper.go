package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication: health checks, the catalog and quote
// endpoints, and the webhook receivers (which authenticate by signature).
var publicPaths = map[string]bool{
	"/health":            true,
	"/health/db":         true,
	"/api/v1/tests":      true,
	"/api/v1/cart/quote": true,
	"/webhooks/payment":  true,
	"/webhooks/clinical": true,
}

var publicPrefixes = []string{
	"/api/v1/tests/",
}

// AuthSkipper reports whether the request's path skips authentication.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Request().URL.Path)
}

// IsPublicPath reports whether path is served without credentials.
func IsPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	for _, p := range publicPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
