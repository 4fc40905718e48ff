package auth

import (
	"context"
)

// Session is the caller identity resolved once per request by the auth
// middleware. Handlers and services read it from the request context; nothing
// downstream re-parses headers or tokens.
type Session struct {
	Token       string   `json:"-"`
	TenantID    string   `json:"tenant_id"`
	UserID      string   `json:"user_id"`
	AppID       string   `json:"app_id,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// HasRole reports whether the session carries role. Admins hold every role.
func (s *Session) HasRole(role string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// HasPermission reports whether the session grants perm. A "resource:*"
// grant covers every action on the resource and "*" covers everything.
func (s *Session) HasPermission(perm string) bool {
	if s == nil {
		return false
	}
	for _, p := range s.Permissions {
		if matchPermission(p, perm) {
			return true
		}
	}
	return s.HasRole(RoleAdmin)
}

type sessionKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the request session, or nil for unauthenticated
// contexts such as CLI commands.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// UserIDFromContext returns the acting user id, or "system" when the call
// did not come through the HTTP stack.
func UserIDFromContext(ctx context.Context) string {
	if s := SessionFromContext(ctx); s != nil && s.UserID != "" {
		return s.UserID
	}
	return "system"
}

func RolesFromContext(ctx context.Context) []string {
	if s := SessionFromContext(ctx); s != nil {
		return s.Roles
	}
	return nil
}
