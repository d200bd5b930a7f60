package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dental/backoffice/internal/config"
	"github.com/dental/backoffice/internal/domain/directory"
	"github.com/dental/backoffice/internal/domain/prosthetic"
	"github.com/dental/backoffice/internal/platform/auth"
	"github.com/dental/backoffice/internal/platform/blobstore"
	"github.com/dental/backoffice/internal/platform/db"
	"github.com/dental/backoffice/internal/platform/middleware"
	"github.com/dental/backoffice/internal/platform/telemetry"
	"github.com/dental/backoffice/internal/platform/validation"
)

const serviceName = "backoffice"

func main() {
	rootCmd := &cobra.Command{
		Use:   "backoffice-server",
		Short: "Dental back office API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clinicCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnIdleTime: 5 * time.Minute,
	})
}

// withMigrator loads config, connects and hands a migrator to fn.
func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	m, err := db.NewMigrator(pool)
	if err != nil {
		return err
	}
	defer m.Close()

	return fn(ctx, m)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				name, err := m.Down(ctx)
				if err != nil {
					return err
				}
				if name == "" {
					fmt.Println("Nothing to roll back.")
					return nil
				}
				fmt.Printf("Rolled back %s.\n", name)
				return nil
			})
		},
	})

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
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

func clinicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic",
		Short: "Inspect clinics",
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a clinic identifier and print its case stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			if !db.ValidClinicID(id) {
				return fmt.Errorf("invalid clinic identifier %q", id)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc, closeSvc, err := newService(ctx, cfg, pool, zerolog.Nop(), nil)
			if err != nil {
				return err
			}
			defer closeSvc()
			stats, err := svc.Stats(ctx, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Clinic %s\n", id)
			fmt.Fprintf(out, "  total:       %d\n", stats.Total)
			fmt.Fprintf(out, "  in progress: %d\n", stats.InProgress)
			fmt.Fprintf(out, "  finalized:   %d\n", stats.Finalized)
			fmt.Fprintf(out, "  overdue:     %d\n", stats.Overdue)
			fmt.Fprintf(out, "  urgent:      %d\n", stats.Urgent)
			return nil
		},
	}
	checkCmd.Flags().String("id", "", "Clinic identifier")
	_ = checkCmd.MarkFlagRequired("id")
	cmd.AddCommand(checkCmd)

	return cmd
}

// newBlobStore picks the attachment backend named by BLOB_DRIVER.
func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	switch cfg.BlobDriver {
	case "memory":
		return blobstore.NewMemoryStore(), nil
	case "s3":
		store, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
			Region:    cfg.BlobS3Region,
			Bucket:    cfg.BlobS3Bucket,
			Endpoint:  cfg.BlobS3Endpoint,
			PathStyle: cfg.BlobS3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.BlobDriver)
	}
}

// newDirectory returns the Postgres directory, fronted by Redis when
// REDIS_URL is set.
func newDirectory(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (directory.Lookup, func(), error) {
	lookup := directory.NewRepoPG(pool)
	if cfg.RedisURL == "" {
		return lookup, func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	logger.Info().Dur("ttl", cfg.DirectoryCacheTTL).Msg("directory cache enabled")
	return directory.NewCachedLookup(lookup, client, cfg.DirectoryCacheTTL, logger),
		func() { _ = client.Close() }, nil
}

// newService wires the case service onto pool. metrics may be nil. The
// returned func releases the directory cache client.
func newService(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger, metrics *telemetry.Metrics) (*prosthetic.Service, func(), error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	policy, err := prosthetic.PolicyByName(cfg.TransitionPolicy)
	if err != nil {
		return nil, nil, err
	}
	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	dir, closeDir, err := newDirectory(cfg, pool, logger)
	if err != nil {
		return nil, nil, err
	}

	svc := prosthetic.NewService(
		prosthetic.NewCaseRepoPG(pool),
		prosthetic.NewHistoryRepoPG(pool),
		prosthetic.NewMessageRepoPG(pool),
		prosthetic.NewTransactor(pool),
		dir,
		blobs,
		prosthetic.WithPolicy(policy),
		prosthetic.WithLocation(loc),
		prosthetic.WithLogger(logger),
		prosthetic.WithMetrics(metrics),
		prosthetic.WithDefaultLimit(cfg.CaseDefaultLimit),
	)
	return svc, closeDir, nil
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	var verify echo.MiddlewareFunc
	if cfg.AuthSigningKey != "" {
		verify = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(verify)
	}
	return verify
}

type routerDeps struct {
	cfg       *config.Config
	logger    zerolog.Logger
	svc       *prosthetic.Service
	db        db.Pinger
	poolStats func() *db.PoolStats
	registry  *prometheus.Registry
}

func newRouter(d routerDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(d.logger)

	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))
	e.Use(middleware.SecurityHeaders(!d.cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: d.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", db.ClinicHeader},
	}))
	e.Use(middleware.Sanitize(d.logger))
	e.Use(middleware.BodyLimit("1M", "100M"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"success": true, "status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(d.db, d.poolStats))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: d.cfg.RateLimitRPS,
		BurstSize:         d.cfg.RateLimitBurst,
	}))
	apiV1.Use(authMiddleware(d.cfg))
	apiV1.Use(db.ClinicMiddleware(d.cfg.DefaultClinic))
	apiV1.Use(middleware.RequestTimeout(30 * time.Second))

	prosthetic.NewHandler(d.svc).RegisterRoutes(apiV1)
	return e
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Money goes over the wire as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	ctx := context.Background()
	shutdownTracing := telemetry.Setup(ctx, serviceName, cfg.OTLPEndpoint, cfg.OTLPInsecure, logger)

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	registry := newRegistry()
	svc, closeSvc, err := newService(ctx, cfg, pool, logger, telemetry.NewMetrics(registry))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build case service")
	}
	defer closeSvc()

	e := newRouter(routerDeps{
		cfg:       cfg,
		logger:    logger,
		svc:       svc,
		db:        pool,
		poolStats: func() *db.PoolStats { return db.GetPoolStats(pool) },
		registry:  registry,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(e, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracer shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
