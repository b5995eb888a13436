package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole allows the request through when the caller holds one of the
// listed roles. Admin passes every gate.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ac := FromEchoContext(c)
			if ac == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
			}
			if ac.Role == "admin" {
				return next(c)
			}
			for _, required := range roles {
				if ac.Role == required {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
