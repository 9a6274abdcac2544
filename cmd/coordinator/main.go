package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/brwyatt/dffmpeg/internal/api"
	"github.com/brwyatt/dffmpeg/internal/auth"
	"github.com/brwyatt/dffmpeg/internal/config"
	"github.com/brwyatt/dffmpeg/internal/crypto"
	"github.com/brwyatt/dffmpeg/internal/db"
	"github.com/brwyatt/dffmpeg/internal/janitor"
	"github.com/brwyatt/dffmpeg/internal/repositories"
	"github.com/brwyatt/dffmpeg/internal/scheduler"
	"github.com/brwyatt/dffmpeg/internal/transport"
	"github.com/brwyatt/dffmpeg/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type options struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "dffmpeg-coordinator",
		Short: "Distributed media execution coordinator",
		Long: `The dffmpeg coordinator accepts media processing jobs from clients,
assigns them to registered workers, and relays status and log traffic
between the two over a durable message fabric (long-poll HTTP, AMQP,
or MQTT).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(opts))

	root.PersistentFlags().StringVar(&opts.configPath, "config", envOrDefault("DFFMPEG_CONFIG", ""), "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOrDefault("DFFMPEG_LOG_LEVEL", ""), "Log level override (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dffmpeg-coordinator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			// Opening a store applies its pending migrations.
			if _, err := openDatabases(cfg, logger); err != nil {
				return err
			}
			logger.Info("migrations applied", zap.Strings("stores", db.Stores))
			return nil
		},
	}
}

func run(ctx context.Context, opts *options) error {
	cfg, usingDefaults, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if usingDefaults {
		logger.Warn("no config file found, running on defaults",
			zap.String("config", opts.configPath))
	}
	logger.Info("starting dffmpeg coordinator",
		zap.String("version", version),
		zap.String("listen", cfg.ListenAddr()),
		zap.Strings("transports", cfg.Transports.Enabled),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Key ring for HMAC keys at rest, with hot reload when an external
	// keys file is configured.
	ring, err := cfg.EncryptionKeyRing()
	if err != nil {
		return err
	}
	keys, err := crypto.NewManager(ring, cfg.Auth.ActiveEncryptionKeyID)
	if err != nil {
		return err
	}
	if path := cfg.Auth.EncryptionKeysFile; path != "" {
		watcher, err := crypto.NewWatcher(path, func() error {
			reloaded, err := cfg.EncryptionKeyRing()
			if err != nil {
				return err
			}
			return keys.Reload(reloaded, cfg.Auth.ActiveEncryptionKeyID)
		}, logger.Named("keyring"))
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop() //nolint:errcheck
	}

	databases, err := openDatabases(cfg, logger)
	if err != nil {
		return err
	}

	identities := repositories.NewIdentityRepository(databases[db.StoreAuth], keys)
	workers := repositories.NewWorkerRepository(databases[db.StoreWorkers])
	jobs := repositories.NewJobRepository(databases[db.StoreJobs])
	messages := repositories.NewMessageRepository(databases[db.StoreMessages])

	// First run mints the loopback-scoped admin identity; the key appears
	// in the log exactly once, copy it into the admin CLI config.
	adminKey, created, err := identities.EnsureLocalAdmin(ctx)
	if err != nil {
		return err
	}
	if created {
		logger.Info("created localadmin identity",
			zap.String("client_id", repositories.LocalAdminID),
			zap.String("hmac_key", adminKey))
	}

	transports, order, err := transport.Build(ctx, cfg.Transports, logger)
	if err != nil {
		return err
	}
	fabric := transport.NewManager(transports, order, messages, workers, jobs, logger)

	hub := websocket.NewHub()
	go hub.Run(ctx)

	sched := scheduler.New(jobs, workers, fabric, hub, logger)

	jan, err := janitor.New(workers, jobs, messages, sched, fabric, hub, cfg.Janitor, cfg.Retention, logger)
	if err != nil {
		return err
	}
	if err := jan.Start(); err != nil {
		return err
	}

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Lookup: func(ctx context.Context, clientID string) (*db.Identity, error) {
			identity, err := identities.Get(ctx, clientID, true)
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, nil
			}
			return identity, err
		},
		TrustedProxies: cfg.Auth.TrustedProxies,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		Config:        cfg,
		Authenticator: authenticator,
		Scheduler:     sched,
		Fabric:        fabric,
		Hub:           hub,
		Logger:        logger,
		Workers:       workers,
		Jobs:          jobs,
		Messages:      messages,
		Databases:     databases,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down dffmpeg coordinator")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown failed", zap.Error(err))
	}
	if err := jan.Stop(); err != nil {
		logger.Warn("janitor stop failed", zap.Error(err))
	}
	fabric.Close(shutdownCtx)

	return nil
}

// loadConfig resolves the effective configuration, reporting whether the
// coordinator is running on pure defaults.
func loadConfig(opts *options) (*config.Config, bool, error) {
	cfg, err := config.Load(opts.configPath)
	usingDefaults := errors.Is(err, config.ErrNoConfig)
	if err != nil && !usingDefaults {
		return nil, false, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	return cfg, usingDefaults, nil
}

// openDatabases opens one connection per distinct resolved store options
// and maps every store to its handle, so stores configured onto the same
// database share a connection (and sqlite's single writer).
func openDatabases(cfg *config.Config, logger *zap.Logger) (map[string]*gorm.DB, error) {
	level := gormlogger.LogLevel(0)
	if cfg.LogLevel == "debug" {
		level = gormlogger.Info
	}

	groups := make([]config.StoreOptions, 0, len(db.Stores))
	members := make(map[config.StoreOptions][]string)
	for _, store := range db.Stores {
		opts := cfg.Database.Resolve(store)
		if _, ok := members[opts]; !ok {
			groups = append(groups, opts)
		}
		members[opts] = append(members[opts], store)
	}

	databases := make(map[string]*gorm.DB, len(db.Stores))
	for _, opts := range groups {
		gdb, err := db.New(db.Config{
			Engine:   opts.Engine,
			DSN:      opts.DSN,
			Logger:   logger,
			LogLevel: level,
		}, members[opts]...)
		if err != nil {
			return nil, err
		}
		for _, store := range members[opts] {
			databases[store] = gdb
		}
	}
	return databases, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
