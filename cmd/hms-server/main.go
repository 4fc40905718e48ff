package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medflow/hms/internal/config"
	"github.com/medflow/hms/internal/domain/bedmgmt"
	"github.com/medflow/hms/internal/domain/discharge"
	"github.com/medflow/hms/internal/platform/auth"
	"github.com/medflow/hms/internal/platform/cache"
	"github.com/medflow/hms/internal/platform/db"
	"github.com/medflow/hms/internal/platform/featureflag"
	"github.com/medflow/hms/internal/platform/middleware"
	"github.com/medflow/hms/internal/platform/notification"
	"github.com/medflow/hms/internal/platform/websocket"
	"github.com/medflow/hms/migrations"
)

const apiPrefix = "/api/bed-management"

func main() {
	rootCmd := &cobra.Command{
		Use:   "hms-server",
		Short: "Bed management and discharge readiness API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bed management API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource returns the embedded migrations unless dir overrides them.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigratorFS(pool, migrationSource(dir))
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigratorFS(pool, migrationSource(dir))
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaName(name)
			fmt.Printf("Creating tenant schema: %s\n", schema)
			if err := db.CreateTenantSchema(ctx, pool, name, ""); err != nil {
				return err
			}
			count, err := db.NewMigratorFS(pool, migrations.FS).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Tenant created, %d migration(s) applied.\n", count)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load demo units, beds, patients and admissions into a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := seedTenant(ctx, pool, tenant, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("seeding tenant %s: %w", tenant, err)
			}
			fmt.Printf("Seeded %d row(s) into %s.\n", n, db.SchemaName(tenant))
			return nil
		},
	}
	cmd.Flags().String("tenant", "default", "Tenant identifier")
	return cmd
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:               cfg.DatabaseURL,
		MaxConns:          cfg.DBMaxConns,
		MinConns:          cfg.DBMinConns,
		MaxConnLifetime:   cfg.DBConnLifetime,
		HealthCheckPeriod: cfg.DBHealthCheck,
		AppName:           "hms-server",
	}
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	return rl
}

// alertSenders builds the housekeeping channels that are configured. The
// live board is always on; the rest are optional and a channel that fails to
// start is logged and skipped.
func alertSenders(ctx context.Context, cfg *config.Config, hub *websocket.Hub, logger zerolog.Logger) ([]notification.Sender, func()) {
	senders := []notification.Sender{notification.NewBoardSender(hub)}
	closers := []func(){}

	if cfg.FirebaseCredentials != "" {
		fcm, err := notification.NewFCMSender(ctx, cfg.FirebaseCredentials, cfg.FCMTopicPrefix)
		if err != nil {
			logger.Warn().Err(err).Msg("push channel disabled")
		} else {
			senders = append(senders, fcm)
		}
	}
	if cfg.MQTTBroker != "" {
		pager, err := notification.NewMQTTSender(notification.MQTTConfig{
			Broker:        cfg.MQTTBroker,
			ClientID:      cfg.MQTTClientID,
			Username:      cfg.MQTTUsername,
			Password:      cfg.MQTTPassword,
			TopicTemplate: cfg.MQTTTopic,
			QoS:           1,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("pager channel disabled")
		} else {
			senders = append(senders, pager)
			closers = append(closers, func() { pager.Close() })
		}
	}
	if cfg.EVSWebhookURL != "" {
		senders = append(senders, notification.NewWebhookSender(notification.WebhookConfig{
			BaseURL: cfg.EVSWebhookURL,
			Secret:  cfg.EVSWebhookToken,
			Retries: 3,
		}))
	}

	return senders, func() {
		for _, c := range closers {
			c()
		}
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Isolation cache. Without Redis every lookup goes to Postgres.
	var kv cache.KV = cache.NopKV{}
	var healthDeps []db.Dependency
	if cfg.RedisURL != "" {
		redisKV, err := cache.Open(ctx, cfg.RedisURL, "hms")
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, isolation cache disabled")
		} else {
			defer redisKV.Close()
			kv = redisKV
			healthDeps = append(healthDeps, db.Dependency{Name: "redis", Optional: true, Ping: redisKV.Ping})
			logger.Info().Msg("connected to redis")
		}
	}

	appKeys, err := auth.ParseAppKeys(cfg.AppKeys)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid APP_KEYS")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-App-ID", "X-API-Key"},
	}))
	e.Use(middleware.BodyLimit("1M", "5M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	skipAuth := auth.SkipPaths("/health", "/health/db")
	e.Use(auth.AppKeyMiddleware(appKeys, skipAuth))
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    skipAuth,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, healthDeps...))

	// API group: tenant, audit and rate limiting apply to everything below.
	api := e.Group(apiPrefix)
	api.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	api.Use(middleware.Audit(logger))
	api.Use(middleware.RateLimit(rateLimitConfig(cfg)))

	// Bed board websocket
	hub := websocket.NewHub(logger)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(api)

	// Housekeeping alert channels
	senders, closeSenders := alertSenders(ctx, cfg, hub, logger)
	defer closeSenders()
	dispatcher := notification.NewDispatcher(logger, senders)

	// Feature flags
	flags := featureflag.NewService(featureflag.NewPGStore(pool), map[string]bool{
		featureflag.DischargePrediction: cfg.DischargeByDefault,
	}, logger)
	featureflag.NewHandler(flags).RegisterRoutes(api)

	// Bed management
	bedSvc := bedmgmt.NewService(bedmgmt.NewRepositories(pool), cfg.Engine, logger)
	bedSvc.SetTxRunner(func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.RunInTx(ctx, pool, fn)
	})
	bedSvc.SetIsolationCache(kv, cfg.IsolationCacheTTL)
	bedSvc.SetEventPublisher(hub)
	bedSvc.SetDispatcher(dispatcher)
	bedmgmt.NewHandler(bedSvc).RegisterRoutes(api)

	// Discharge readiness
	dischargeSvc := discharge.NewService(discharge.NewAdmissionRepoPG(pool), discharge.NewBarrierRepoPG(pool), cfg.Engine, logger)
	discharge.NewHandler(dischargeSvc, flags).RegisterRoutes(api)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Int("alert_channels", len(senders)).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
