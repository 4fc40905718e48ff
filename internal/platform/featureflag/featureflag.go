// Package featureflag resolves per-tenant feature switches. A tenant's
// tenant_features row wins over the configured default.
package featureflag

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medflow/hms/internal/platform/auth"
	"github.com/medflow/hms/internal/platform/db"
)

// Known feature keys.
const (
	DischargePrediction = "discharge_prediction"
)

// Store persists feature overrides for the tenant in ctx.
type Store interface {
	Get(ctx context.Context, key string) (enabled bool, found bool, err error)
	Set(ctx context.Context, key string, enabled bool) error
	List(ctx context.Context) (map[string]bool, error)
}

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPGStore returns a Store over the tenant_features table.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *pgStore) Get(ctx context.Context, key string) (bool, bool, error) {
	var enabled bool
	err := s.conn(ctx).QueryRow(ctx, `SELECT enabled FROM tenant_features WHERE feature_key = $1`, key).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("reading feature %s: %w", key, err)
	}
	return enabled, true, nil
}

func (s *pgStore) Set(ctx context.Context, key string, enabled bool) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO tenant_features (feature_key, enabled, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (feature_key) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()`,
		key, enabled)
	if err != nil {
		return fmt.Errorf("writing feature %s: %w", key, err)
	}
	return nil
}

func (s *pgStore) List(ctx context.Context) (map[string]bool, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT feature_key, enabled FROM tenant_features`)
	if err != nil {
		return nil, fmt.Errorf("listing features: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var key string
		var enabled bool
		if err := rows.Scan(&key, &enabled); err != nil {
			return nil, err
		}
		out[key] = enabled
	}
	return out, rows.Err()
}

// Service answers "is feature X on for this tenant".
type Service struct {
	store    Store
	defaults map[string]bool
	logger   zerolog.Logger
}

func NewService(store Store, defaults map[string]bool, logger zerolog.Logger) *Service {
	d := make(map[string]bool, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &Service{store: store, defaults: d, logger: logger}
}

// Enabled falls back to the configured default when the tenant has no row or
// the store cannot be read.
func (s *Service) Enabled(ctx context.Context, key string) bool {
	enabled, found, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("feature", key).Str("tenant_id", db.TenantFromContext(ctx)).Msg("feature lookup failed, using default")
		return s.defaults[key]
	}
	if !found {
		return s.defaults[key]
	}
	return enabled
}

// Flag is one resolved feature for a tenant.
type Flag struct {
	Key        string `json:"feature_key"`
	Enabled    bool   `json:"enabled"`
	Overridden bool   `json:"overridden"`
}

// List resolves every known feature for the tenant in ctx.
func (s *Service) List(ctx context.Context) ([]Flag, error) {
	overrides, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]struct{})
	for k := range s.defaults {
		keys[k] = struct{}{}
	}
	for k := range overrides {
		keys[k] = struct{}{}
	}

	out := make([]Flag, 0, len(keys))
	for k := range keys {
		f := Flag{Key: k, Enabled: s.defaults[k]}
		if v, ok := overrides[k]; ok {
			f.Enabled = v
			f.Overridden = true
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Service) Set(ctx context.Context, key string, enabled bool) error {
	return s.store.Set(ctx, key, enabled)
}

// RequireFeature rejects requests with 403 {"error":"feature_disabled"} when
// key is off for the request's tenant.
func RequireFeature(svc *Service, key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !svc.Enabled(c.Request().Context(), key) {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error":   "feature_disabled",
					"feature": key,
				})
			}
			return next(c)
		}
	}
}

// Handler exposes tenant feature switches to administrators.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/features", auth.RequireRole(auth.RoleAdmin))
	g.GET("", h.List)
	g.PUT("/:key", h.Set)
}

func (h *Handler) List(c echo.Context) error {
	flags, err := h.svc.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"features": flags})
}

type setRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handler) Set(c echo.Context) error {
	key := c.Param("key")
	var req setRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if key == "" || req.Enabled == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "feature key and enabled are required")
	}
	if err := h.svc.Set(c.Request().Context(), key, *req.Enabled); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, Flag{Key: key, Enabled: *req.Enabled, Overridden: true})
}
