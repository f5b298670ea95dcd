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

// SchemaVersion reports the highest applied migration, or 0 when the
// schema has never been migrated.
func SchemaVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var v int
	err := pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0)
		   FROM _migrations`).Scan(&v)
	if err != nil {
		return 0, err
	}
	return v, nil
}

// HealthHandler reports database reachability, pool statistics, and the
// applied schema version. An unmigrated or unreachable database answers
// 503 so load balancers keep traffic away until migrate has run.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		stats := GetPoolStats(pool)

		if err := pool.Ping(ctx); err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   stats,
			})
		}

		version, err := SchemaVersion(ctx, pool)
		if err != nil || version == 0 {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status":         "unhealthy",
				"error":          "schema not migrated",
				"schema_version": version,
				"pool":           stats,
			})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":         "healthy",
			"schema_version": version,
			"pool":           stats,
		})
	}
}
