package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/kestrelid/kestrel/internal/action"
	"github.com/kestrelid/kestrel/internal/config"
	"github.com/kestrelid/kestrel/internal/engine"
	"github.com/kestrelid/kestrel/internal/gateway/httpapi"
	"github.com/kestrelid/kestrel/internal/observability"
	"github.com/kestrelid/kestrel/internal/ratelimit"
	"github.com/kestrelid/kestrel/internal/scheduler"
	"github.com/kestrelid/kestrel/internal/security"
	"github.com/kestrelid/kestrel/internal/storage"
	pgstore "github.com/kestrelid/kestrel/internal/storage/postgres"
	sqlitestore "github.com/kestrelid/kestrel/internal/storage/sqlite"
)

var (
	serverConfigPath string
	serverListenAddr string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP API server",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `kestrel --config path` and `kestrel server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serverListenAddr, "listen", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServer starts Kestrel in server mode: storage, script engine, retention
// sweeper, and the HTTP API gateway.
func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("KESTREL_CONFIG", serverConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serverListenAddr != "" {
		cfg.Gateway.ListenAddr = serverListenAddr
	}

	logger.Info("starting server", slog.String("config", serverConfigPath))

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	}()
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()

	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("storage", store.Ping)
	}

	// Script engine.
	eng := engine.New(
		action.NewEngineStore(store.Actions(), store.Executions()),
		cfg.Engine.SandboxConfig(),
		logger,
		obs,
	)

	// Action management service.
	actions := action.NewService(store.Actions(), store.Executions(), eng, logger)

	// Security: API keychain and right-based authorizer.
	keychain, err := buildKeychain(cfg.Security.Keys)
	if err != nil {
		return fmt.Errorf("initializing keychain: %w", err)
	}
	logger.Debug("keychain initialized", slog.Int("keys", keychain.Len()))

	var authz observability.Authorizer = security.NewAuthorizer(security.AuthorizerConfig{
		Roles:       buildRoles(cfg.Security.Roles),
		DefaultRole: cfg.Security.DefaultRole,
	}, logger)
	if obs != nil && obs.Metrics != nil {
		authz = observability.NewInstrumentedAuthorizer(authz, obs.Metrics, obs.TracerOrNil())
	}

	// Rate limiter (per API key).
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Gateway.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Gateway.RateLimit.BurstSize,
	})

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Retention sweeper (optional).
	if cfg.Retention != nil && cfg.Retention.Enabled {
		var schedMetrics *scheduler.Metrics
		if obs != nil && obs.Metrics != nil {
			schedMetrics = scheduler.NewMetrics(obs.Metrics.Registry)
		}

		sweeper, err := scheduler.New(store.Executions(), scheduler.Config{
			Schedule: cfg.Retention.CronSchedule(),
			MaxAge:   cfg.Retention.MaxAge(),
		}, schedMetrics, logger)
		if err != nil {
			return fmt.Errorf("initializing retention sweeper: %w", err)
		}
		cancelSweeper := sweeper.Start(ctx)
		defer cancelSweeper()

		logger.Debug("retention sweeper initialized",
			slog.String("schedule", cfg.Retention.CronSchedule()),
			slog.String("max_age", cfg.Retention.MaxAge().String()),
		)
	}

	// HTTP API gateway.
	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.Addr(),
		EnableDocs:     cfg.Gateway.EnableDocs,
		MaxRequestSize: cfg.Gateway.MaxRequestSizeBytes,
	}
	if obs != nil {
		gwCfg.HealthChecker = obs.Health
		gwCfg.Metrics = obs.Metrics
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
			if cfg.Observability != nil && cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
	}

	gw := httpapi.NewGateway(gwCfg, actions, keychain, authz, limiter, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()
	logger.Info("server started", slog.String("addr", cfg.Gateway.Addr()))

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}

	return nil
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pgCfg := pgstore.Config{}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pg := cfg.Storage.Postgres
		pgCfg.DSN = pg.DSN
		pgCfg.MaxOpenConns = pg.MaxOpenConns
		pgCfg.MaxIdleConns = pg.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(pg.ConnMaxLifetimeS) * time.Second
	}
	if pgCfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or KESTREL_DB_DSN)")
	}

	db, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, err
	}
	return pgstore.NewStore(db), nil
}

// buildKeychain converts configured API keys into keychain entries.
// Service IDs are validated here so a typo fails at startup, not per request.
func buildKeychain(keys []config.APIKeyConfig) (*security.Keychain, error) {
	entries := make([]security.KeyConfig, 0, len(keys))
	for i, k := range keys {
		serviceID, err := uuid.Parse(k.ServiceID)
		if err != nil {
			return nil, fmt.Errorf("key %d: invalid service_id %q: %w", i, k.ServiceID, err)
		}
		entries = append(entries, security.KeyConfig{
			Key:       k.Key,
			Name:      k.Name,
			ServiceID: serviceID,
			Role:      k.Role,
		})
	}
	return security.NewKeychain(entries), nil
}

// buildRoles converts the config role map into authorizer roles.
// An empty map keeps the built-in admin/viewer set.
func buildRoles(roles map[string]config.RoleConfig) map[string]security.Role {
	if len(roles) == 0 {
		return nil
	}
	out := make(map[string]security.Role, len(roles))
	for name, rc := range roles {
		rights := make([]security.Right, len(rc.Rights))
		for i, r := range rc.Rights {
			rights[i] = security.Right(r)
		}
		out[name] = security.Role{Name: name, Rights: rights}
	}
	return out
}
