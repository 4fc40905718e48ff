package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SkipPaths builds the Skipper for JWTConfig and AppKeyMiddleware. Requests
// to any of paths, matched on the route or the raw URL, go through without
// credentials. A trailing slash is ignored.
func SkipPaths(paths ...string) func(c echo.Context) bool {
	public := make(map[string]bool, len(paths))
	for _, p := range paths {
		public[trimSlash(p)] = true
	}
	return func(c echo.Context) bool {
		return public[trimSlash(c.Path())] || public[trimSlash(c.Request().URL.Path)]
	}
}

func trimSlash(p string) string {
	if len(p) > 1 {
		return strings.TrimSuffix(p, "/")
	}
	return p
}
