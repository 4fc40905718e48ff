package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medflow/hms/internal/platform/auth"
)

const apiPrefix = "/api/bed-management/"

// AuditEntry records who did what to which patient or bed.
type AuditEntry struct {
	RequestID  string
	TenantID   string
	UserID     string
	UserRoles  []string
	AppID      string
	Operation  string
	Action     string // read, create, update, delete
	PatientID  string
	BedID      string
	Method     string
	Path       string
	IPAddress  string
	StatusCode int
	Timestamp  time.Time
}

// Audit logs every /api/bed-management request after the handler has run.
// Reads of patient-identifying endpoints and all writes are logged at info;
// other reads at debug so the bed board's polling does not flood the trail.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			entry := buildAuditEntry(c, err)
			evt := logger.Debug()
			if entry.Action != "read" || entry.PatientID != "" {
				evt = logger.Info()
			}
			evt.
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("app_id", entry.AppID).
				Str("operation", entry.Operation).
				Str("action", entry.Action).
				Str("patient_id", entry.PatientID).
				Str("bed_id", entry.BedID).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("bed_management_access")

			return err
		}
	}
}

func buildAuditEntry(c echo.Context, err error) AuditEntry {
	req := c.Request()
	entry := AuditEntry{
		Timestamp:  time.Now().UTC(),
		Path:       req.URL.Path,
		Method:     req.Method,
		IPAddress:  c.RealIP(),
		StatusCode: c.Response().Status,
		Action:     httpMethodToAction(req.Method),
		Operation:  extractOperation(req.URL.Path),
	}
	if he, ok := err.(*echo.HTTPError); ok {
		entry.StatusCode = he.Code
	}

	if sess := auth.SessionFromContext(req.Context()); sess != nil {
		entry.UserID = sess.UserID
		entry.UserRoles = sess.Roles
		entry.AppID = sess.AppID
	}
	entry.RequestID, _ = c.Get("request_id").(string)
	entry.TenantID, _ = c.Get("tenant_id").(string)

	for i, name := range c.ParamNames() {
		if i >= len(c.ParamValues()) || !isUUIDLike(c.ParamValues()[i]) {
			continue
		}
		switch name {
		case "patientId":
			entry.PatientID = c.ParamValues()[i]
		case "bedId":
			entry.BedID = c.ParamValues()[i]
		}
	}
	if entry.PatientID == "" {
		if p := c.QueryParam("patient_id"); isUUIDLike(p) {
			entry.PatientID = p
		}
	}
	return entry
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractOperation returns the first path segment after the API prefix,
// e.g. /api/bed-management/status/<id> -> status.
func extractOperation(path string) string {
	rest := strings.TrimPrefix(path, apiPrefix)
	if rest == path || rest == "" {
		return "unknown"
	}
	return strings.SplitN(rest, "/", 2)[0]
}

func isUUIDLike(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
