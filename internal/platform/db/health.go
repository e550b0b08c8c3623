package db

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// HealthChecker is a database that can be pinged and report pool stats.
type HealthChecker interface {
	Ping(ctx context.Context) error
	Stats() interface{}
}

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	Driver          string `json:"driver"`
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// PGHealth adapts a pgx pool to HealthChecker.
type PGHealth struct{ Pool *pgxpool.Pool }

func (h PGHealth) Ping(ctx context.Context) error { return h.Pool.Ping(ctx) }

func (h PGHealth) Stats() interface{} {
	stat := h.Pool.Stat()
	return &PoolStats{
		Driver:          DriverPostgres,
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// SQLHealth adapts a database/sql handle to HealthChecker.
type SQLHealth struct{ DB *sql.DB }

func (h SQLHealth) Ping(ctx context.Context) error { return h.DB.PingContext(ctx) }

func (h SQLHealth) Stats() interface{} {
	stat := h.DB.Stats()
	return &PoolStats{
		Driver:          DriverSQLite,
		TotalConns:      int32(stat.OpenConnections),
		IdleConns:       int32(stat.Idle),
		AcquiredConns:   int32(stat.InUse),
		MaxConns:        int32(stat.MaxOpenConnections),
		AcquireCount:    stat.WaitCount,
		AcquireDuration: stat.WaitDuration.String(),
	}
}

// HealthHandler returns a handler for the database health check endpoint.
func HealthHandler(hc HealthChecker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		if err := hc.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   hc.Stats(),
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   hc.Stats(),
		})
	}
}
