package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Dependency is an external service the health endpoint reports on besides
// Postgres, such as the Redis isolation cache or the MQTT pager broker.
// Optional dependencies degrade the report without failing it.
type Dependency struct {
	Name     string
	Optional bool
	Ping     func(ctx context.Context) error
}

type dependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// checkDependencies pings each dependency and reports whether every required
// one answered.
func checkDependencies(ctx context.Context, deps []Dependency) (map[string]dependencyStatus, bool) {
	out := make(map[string]dependencyStatus, len(deps))
	healthy := true
	for _, d := range deps {
		if err := d.Ping(ctx); err != nil {
			out[d.Name] = dependencyStatus{Status: "unhealthy", Error: err.Error()}
			if !d.Optional {
				healthy = false
			}
			continue
		}
		out[d.Name] = dependencyStatus{Status: "healthy"}
	}
	return out, healthy
}

// HealthHandler returns a handler for the database health check endpoint.
func HealthHandler(pool *pgxpool.Pool, deps ...Dependency) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := pool.Ping(ctx)
		stats := GetPoolStats(pool)
		checks, depsHealthy := checkDependencies(ctx, deps)

		body := map[string]interface{}{
			"pool":         stats,
			"dependencies": checks,
		}
		if err != nil {
			stats.Healthy = false
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		if !depsHealthy {
			body["status"] = "degraded"
			return c.JSON(http.StatusServiceUnavailable, body)
		}

		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
