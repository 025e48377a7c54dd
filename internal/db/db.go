// Package db manages the relay's store: the connection, the embedded
// schema migrations, and the data model. Both SQLite (modernc pure-Go
// driver, no CGO) and PostgreSQL are supported behind the same GORM
// handle; the repositories above this package only ever see *gorm.DB.
//
// Everything persisted on behalf of clients — session metadata, agent
// state, message contents, pairing responses — is opaque ciphertext.
// Nothing in this package (or anywhere else in the server) decrypts it.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// Registers the modernc driver as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config describes the store to open. Driver defaults to "sqlite".
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// New opens the store, applies pending migrations, and returns the ready
// *gorm.DB.
func New(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("db: logger is required")
	}

	gormCfg := &gorm.Config{Logger: newQueryLogger(cfg.Logger, cfg.LogLevel)}

	var (
		handle  *gorm.DB
		sqlDB   *sql.DB
		driver  string
		err     error
	)
	switch cfg.Driver {
	case "sqlite", "":
		handle, sqlDB, err = openSQLite(cfg.DSN, gormCfg)
		driver = "sqlite"
	case "postgres":
		handle, sqlDB, err = openPostgres(cfg.DSN, gormCfg)
		driver = "postgres"
	default:
		return nil, fmt.Errorf("db: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := applyMigrations(sqlDB, driver, cfg.Logger); err != nil {
		return nil, fmt.Errorf("db: migrations: %w", err)
	}
	return handle, nil
}

// openSQLite opens the file (or :memory:) through the modernc driver and
// hands the existing *sql.DB to GORM, so GORM never tries to bring up its
// default CGO driver.
func openSQLite(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db: open sqlite: %w", err)
	}
	// Single connection: SQLite allows one writer, and the relay's
	// transactions (seq allocation, conditional version updates) must
	// never deadlock against a second pooled connection.
	sqlDB.SetMaxOpenConns(1)

	handle, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: init gorm over sqlite: %w", err)
	}
	return handle, sqlDB, nil
}

// openPostgres opens a pooled connection sized for the relay's workload:
// many short writes (messages, heartbeats, seq allocations) rather than
// few long scans.
func openPostgres(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
	handle, err := gorm.Open(gormpostgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: open postgres: %w", err)
	}
	sqlDB, err := handle.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("db: get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return handle, sqlDB, nil
}

// Ping verifies that the store connection is still alive. Backs /health.
func Ping(ctx context.Context, handle *gorm.DB) error {
	sqlDB, err := handle.DB()
	if err != nil {
		return fmt.Errorf("db: get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// applyMigrations runs every pending up-migration from the embedded SQL
// files. A store already at the latest version is not an error.
func applyMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	var drv database.Driver
	switch driver {
	case "sqlite":
		drv, err = migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	case "postgres":
		drv, err = migratepg.WithInstance(sqlDB, &migratepg.Config{})
	}
	if err != nil {
		return fmt.Errorf("create %s migrate driver: %w", driver, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply: %w", err)
	}

	log.Info("database migrations applied", zap.String("driver", driver))
	return nil
}
