package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ebp/internal/config"
	"github.com/ehr/ebp/internal/domain/ebp"
	"github.com/ehr/ebp/internal/platform/auth"
	"github.com/ehr/ebp/internal/platform/db"
	"github.com/ehr/ebp/internal/platform/middleware"
	"github.com/ehr/ebp/internal/platform/openapi"
	"github.com/ehr/ebp/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "ebp-server",
		Short: "Evidence-based practice metrics API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(recalculateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the EBP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")
			target, _ := cmd.Flags().GetInt("to")

			ctx := context.Background()
			pool, cfg, err := connectPostgres(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			migrator := db.NewMigrator(pool, dir)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			var count int
			if target > 0 {
				count, err = migrator.UpTo(ctx, schema, target)
			} else {
				count, err = migrator.Up(ctx, schema)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	upCmd.Flags().Int("to", 0, "Stop after this migration version")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, cfg, err := connectPostgres(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func recalculateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recalculate",
		Short: "Recalculate derived metrics for one practice or all active practices",
		RunE: func(cmd *cobra.Command, args []string) error {
			practice, _ := cmd.Flags().GetString("practice")
			all, _ := cmd.Flags().GetBool("all")
			schema, _ := cmd.Flags().GetString("schema")
			if (practice == "") == !all {
				return fmt.Errorf("exactly one of --practice or --all is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			be, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer be.close()

			if be.pool != nil {
				var release func()
				ctx, release, err = db.AcquireForSchema(ctx, be.pool, schema)
				if err != nil {
					return err
				}
				defer release()
			}

			recalc := ebp.NewRecalculator(be.store, logger)
			out := cmd.OutOrStdout()
			if all {
				report, err := recalc.Sweep(ctx)
				if err != nil {
					return fmt.Errorf("sweep failed: %w", err)
				}
				printSweepReport(out, report)
				return nil
			}

			id, err := uuid.Parse(practice)
			if err != nil {
				return fmt.Errorf("invalid --practice: %w", err)
			}
			m, err := recalc.Recalculate(ctx, id)
			if err != nil {
				return fmt.Errorf("recalculate %s: %w", id, err)
			}
			fmt.Fprintf(out, "adoption_rate=%d trained_staff=%d fidelity_score=%d sustainability_score=%d\n",
				m.AdoptionRate, m.TrainedStaff, m.FidelityScore, m.SustainabilityScore)
			return nil
		},
	}
	cmd.Flags().String("practice", "", "Practice id to recalculate")
	cmd.Flags().Bool("all", false, "Recalculate every active practice")
	cmd.Flags().String("schema", "tenant_default", "Tenant schema (Postgres only)")
	return cmd
}

func printSweepReport(w io.Writer, r *ebp.SweepReport) {
	fmt.Fprintf(w, "%-36s %-30s %-9s %-9s %s\n", "EBP ID", "NAME", "OLD", "NEW", "STATUS")
	for _, res := range r.Results {
		newScore := "-"
		if res.NewScore != nil {
			newScore = fmt.Sprintf("%d", *res.NewScore)
		}
		status := res.Status
		if len(res.Changed) > 0 {
			status += " (" + strings.Join(res.Changed, ",") + ")"
		}
		if res.Error != "" {
			status += ": " + res.Error
		}
		fmt.Fprintf(w, "%-36s %-30.30s %-9d %-9s %s\n", res.PracticeID, res.Name, res.OldScore, newScore, status)
	}
	fmt.Fprintf(w, "total=%d updated=%d unchanged=%d errors=%d duration=%s\n",
		r.Total, r.Updated, r.Unchanged, r.Errors, r.Duration)
}

type gauge struct {
	name, help string
	fn         func() float64
}

// registerGauges adds gauges to metrics. A gauge that fails to register is
// logged and skipped; the server still starts.
func registerGauges(metrics *telemetry.Metrics, logger zerolog.Logger, gauges []gauge) int {
	registered := 0
	for _, g := range gauges {
		if err := metrics.RegisterGauge(g.name, g.help, g.fn); err != nil {
			logger.Warn().Err(err).Str("gauge", g.name).Msg("failed to register gauge")
			continue
		}
		registered++
	}
	return registered
}

func connectPostgres(ctx context.Context) (*pgxpool.Pool, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseDriver() != db.DriverPostgres {
		return nil, nil, fmt.Errorf("migrations apply to Postgres only; the SQLite schema is created on startup")
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return pool, cfg, nil
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// backend is the opened store together with what the server needs around
// it. pool is nil in SQLite mode.
type backend struct {
	store  ebp.Store
	health db.HealthChecker
	pool   *pgxpool.Pool
	close  func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	if cfg.DatabaseDriver() == db.DriverSQLite {
		sqlDB, err := db.OpenSQLite(ctx, db.SQLitePath(cfg.DatabaseURL))
		if err != nil {
			return nil, err
		}
		return sqliteBackend(ctx, sqlDB, logger)
	}

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Str("driver", db.DriverPostgres).Msg("connected to database")
	return &backend{
		store:  ebp.NewPGStore(pool),
		health: db.PGHealth{Pool: pool},
		pool:   pool,
		close:  pool.Close,
	}, nil
}

func sqliteBackend(ctx context.Context, sqlDB *sql.DB, logger zerolog.Logger) (*backend, error) {
	if err := ebp.EnsureSQLiteSchema(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	logger.Info().Str("driver", db.DriverSQLite).Msg("opened embedded database")
	return &backend{
		store:  ebp.NewSQLiteStore(sqlDB),
		health: db.SQLHealth{DB: sqlDB},
		close:  func() { sqlDB.Close() },
	}, nil
}

// newServer builds the echo instance: global middleware, health, metrics and
// API document endpoints, and the authenticated, tenant-scoped /api/v1 group.
func newServer(cfg *config.Config, logger zerolog.Logger, be *backend, metrics *telemetry.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, db.TenantHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BulkBodyLimit))
	if metrics != nil {
		e.Use(metrics.Middleware())
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(be.health))
	if metrics != nil {
		e.GET("/metrics", metrics.Handler())
	}

	apiV1 := e.Group("/api/v1")
	// The sweep walks every active practice and runs without a deadline.
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/api/v1/admin/"))
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	if be.pool != nil {
		apiV1.Use(db.TenantMiddleware(be.pool, cfg.DefaultTenant))
	}
	apiV1.Use(middleware.Audit(logger))

	recalc := ebp.NewRecalculator(be.store, logger)
	if metrics != nil {
		recalc.SetObserver(metrics)
	}
	svc := ebp.NewService(be.store, recalc, logger)
	ebp.NewHandler(svc).RegisterRoutes(apiV1)

	docs := openapi.NewGenerator(e.Routes, "/api/v1", version, "/")
	for name, sample := range map[string]interface{}{
		"Practice":           ebp.Practice{},
		"StaffAssignment":    ebp.StaffAssignment{},
		"FidelityAssessment": ebp.FidelityAssessment{},
		"Outcome":            ebp.Outcome{},
		"DerivedMetrics":     ebp.DerivedMetrics{},
		"CategorySummary":    ebp.CategorySummary{},
		"BulkOutcomeResult":  ebp.BulkOutcomeResult{},
		"BulkOutcomeReport":  ebp.BulkOutcomeReport{},
		"SweepResult":        ebp.SweepResult{},
		"SweepReport":        ebp.SweepReport{},
	} {
		docs.AddSchema(name, sample)
	}
	docs.RegisterRoutes(e.Group(""))

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		logger.Warn().Msg("development auth is active: every unauthenticated request is treated as admin")
	}

	ctx := context.Background()
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open database")
		return err
	}
	defer be.close()

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.New()
		if be.pool != nil {
			pool := be.pool
			registerGauges(metrics, logger, []gauge{
				{"db_pool_acquired_conns", "Connections currently checked out of the pool",
					func() float64 { return float64(pool.Stat().AcquiredConns()) }},
				{"db_pool_total_conns", "Connections currently open in the pool",
					func() float64 { return float64(pool.Stat().TotalConns()) }},
			})
		}
	}

	e := newServer(cfg, logger, be, metrics)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.ShutdownTimeout > 0 {
		return cfg.ShutdownTimeout
	}
	return 10 * time.Second
}
