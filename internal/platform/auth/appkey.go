package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const appIDKey = "app_id"

// AppKeyRing holds the SHA-256 digests of the API keys issued to client
// applications, keyed by app id. Raw keys are never kept in memory.
type AppKeyRing struct {
	digests map[string][]byte
}

// ParseAppKeys builds a key ring from "app_id:sha256hex" entries.
func ParseAppKeys(entries []string) (*AppKeyRing, error) {
	ring := &AppKeyRing{digests: make(map[string][]byte, len(entries))}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("app key entry %q must be app_id:sha256hex", entry)
		}
		digest, err := hex.DecodeString(parts[1])
		if err != nil || len(digest) != sha256.Size {
			return nil, fmt.Errorf("app key entry for %q is not a sha256 hex digest", parts[0])
		}
		ring.digests[parts[0]] = digest
	}
	return ring, nil
}

// Len returns the number of registered applications.
func (r *AppKeyRing) Len() int {
	return len(r.digests)
}

// Verify reports whether rawKey is the key issued to appID.
func (r *AppKeyRing) Verify(appID, rawKey string) bool {
	want, ok := r.digests[appID]
	if !ok || rawKey == "" {
		return false
	}
	got := sha256.Sum256([]byte(rawKey))
	return subtle.ConstantTimeCompare(want, got[:]) == 1
}

// hashKey returns the hex-encoded SHA-256 hash of the raw key string.
func hashKey(rawKey string) string {
	h := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(h[:])
}

// HashAppKey formats the APP_KEYS entry for a freshly issued key.
func HashAppKey(appID, rawKey string) string {
	return appID + ":" + hashKey(rawKey)
}

// AppKeyMiddleware requires a registered X-App-ID / X-API-Key pair on every
// request. An empty ring disables the check.
func AppKeyMiddleware(ring *AppKeyRing, skipper func(c echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if ring == nil || ring.Len() == 0 || (skipper != nil && skipper(c)) {
				return next(c)
			}

			appID := c.Request().Header.Get("X-App-ID")
			rawKey := extractAPIKey(c)
			if appID == "" || rawKey == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing application credentials")
			}
			if !ring.Verify(appID, rawKey) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			}

			c.Set(appIDKey, appID)
			return next(c)
		}
	}
}

// extractAPIKey returns the raw key from X-API-Key, falling back to the
// api_key query parameter on websocket upgrades.
func extractAPIKey(c echo.Context) string {
	if apiKey := c.Request().Header.Get("X-API-Key"); apiKey != "" {
		return apiKey
	}
	if c.Request().Method == http.MethodGet {
		return c.QueryParam("api_key")
	}
	return ""
}
