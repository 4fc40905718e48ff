package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin        = "admin"
	RoleBedManager   = "bed_manager"
	RoleNurse        = "nurse"
	RolePhysician    = "physician"
	RoleHousekeeping = "housekeeping"
	RoleCaseManager  = "case_manager"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sess := SessionFromContext(c.Request().Context())
			for _, required := range roles {
				if sess.HasRole(required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequirePermission returns middleware that checks the session grants perm,
// written as "resource:action" (e.g. "beds:assign").
func RequirePermission(perm string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if SessionFromContext(c.Request().Context()).HasPermission(perm) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required permission: %s", perm))
		}
	}
}

// matchPermission checks if a granted permission covers the required one.
// Supports wildcards: "*" matches everything, "beds:*" matches any bed action.
func matchPermission(granted, required string) bool {
	if granted == required || granted == "*" {
		return true
	}

	gParts := strings.SplitN(granted, ":", 2)
	rParts := strings.SplitN(required, ":", 2)
	if len(gParts) != 2 || len(rParts) != 2 {
		return false
	}

	return gParts[0] == rParts[0] && gParts[1] == "*"
}
