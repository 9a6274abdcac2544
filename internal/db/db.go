// Package db opens store databases, applies their migrations, and defines
// the persisted models. SQLite (modernc pure-Go driver, no CGO) and
// PostgreSQL are supported. Each store's migrations are embedded and
// versioned independently, so several stores can share one database or be
// split across engines per the database config.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver. Registers itself as "sqlite" in
	// database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Store names. Each names an embedded migration directory and the
// repository whose tables it owns.
const (
	StoreAuth     = "auth"
	StoreWorkers  = "workers"
	StoreJobs     = "jobs"
	StoreMessages = "messages"
)

// Stores lists every store name in migration order.
var Stores = []string{StoreAuth, StoreWorkers, StoreJobs, StoreMessages}

// Config holds the options required to open one database connection.
// Engine defaults to "sqlite" if left empty.
type Config struct {
	Engine   string // "sqlite" or "postgres"
	DSN      string // file path for sqlite, connection string for postgres
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// New opens a database, applies pending migrations for the named stores,
// and returns the ready-to-use handle. Stores sharing a database pass all
// their names to a single New call; each store tracks its own migration
// version, so adding a store to an existing database only applies the
// missing set.
func New(cfg Config, stores ...string) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("db: logger is required")
	}
	if len(stores) == 0 {
		return nil, fmt.Errorf("db: at least one store is required")
	}

	gormCfg := &gorm.Config{
		Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel),
	}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
		engine   string
	)

	switch cfg.Engine {
	case "sqlite", "":
		// Open via database/sql using the modernc driver, then hand the
		// existing *sql.DB to GORM so it does not try to open a second
		// connection with go-sqlite3.
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("db: failed to open sqlite: %w", err)
		}
		// SQLite supports only one writer at a time.
		sqlDB.SetMaxOpenConns(1)

		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: failed to initialize gorm with sqlite: %w", err)
		}
		engine = "sqlite"

	case "postgres":
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: failed to open postgres: %w", err)
		}
		sqlDB, err = database.DB()
		if err != nil {
			return nil, fmt.Errorf("db: failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		engine = "postgres"

	default:
		return nil, fmt.Errorf("db: unsupported engine %q, use \"sqlite\" or \"postgres\"", cfg.Engine)
	}

	for _, store := range stores {
		if err := runMigrations(sqlDB, engine, store, cfg.Logger); err != nil {
			return nil, fmt.Errorf("db: migrations for %s failed: %w", store, err)
		}
	}

	return database, nil
}

// Ping verifies that the database connection is still alive.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// runMigrations applies the pending up-migrations for one store from the
// embedded SQL files. Each store versions in its own table so co-hosted
// stores never share a version counter. ErrNoChange is success.
func runMigrations(sqlDB *sql.DB, engine, store string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations/"+store)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	versionTable := "schema_migrations_" + store

	var m *migrate.Migrate

	switch engine {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{MigrationsTable: versionTable})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}

	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{MigrationsTable: versionTable})
		if err != nil {
			return fmt.Errorf("failed to create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Debug("store migrations applied", zap.String("store", store))
	return nil
}
