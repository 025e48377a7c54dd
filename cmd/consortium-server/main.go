// Command consortium-server runs the Consortium relay: a zero-knowledge
// synchronization server brokering end-to-end-encrypted coding-assistant
// sessions between user devices and agent hosts. The server stores and
// routes ciphertext; it holds no keys and decrypts nothing.
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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	gormlogger "gorm.io/gorm/logger"

	"github.com/consortium-dev/consortium/internal/api"
	"github.com/consortium-dev/consortium/internal/auth"
	"github.com/consortium-dev/consortium/internal/config"
	"github.com/consortium-dev/consortium/internal/db"
	"github.com/consortium-dev/consortium/internal/events"
	"github.com/consortium-dev/consortium/internal/repository"
	"github.com/consortium-dev/consortium/internal/rpc"
	"github.com/consortium-dev/consortium/internal/sweeper"
	"github.com/consortium-dev/consortium/internal/ws"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "consortium-server",
		Short: "Consortium server — zero-knowledge relay for encrypted agent sessions",
		Long: `Consortium server relays end-to-end-encrypted coding-assistant sessions
between user devices and agent hosts. It authenticates clients by Ed25519
challenge signatures, persists opaque ciphertext, and fans out real-time
updates over WebSocket. Configuration is environment-first; see .env.example.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("consortium-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg, err := config.Parse()
			if err != nil {
				return err
			}

			logger, err := buildLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			// db.New applies pending migrations as part of opening.
			database, err := db.New(db.Config{
				Driver:   cfg.DBDriver,
				DSN:      cfg.DatabaseURL,
				Logger:   logger,
				LogLevel: gormlogger.Warn,
			})
			if err != nil {
				return err
			}
			sqlDB, err := database.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	}
}

func run(ctx context.Context) error {
	_ = godotenv.Load()

	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting consortium server",
		zap.String("version", version),
		zap.Int("port", cfg.Port),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gormLevel := gormlogger.Warn
	if cfg.LogLevel == "debug" {
		gormLevel = gormlogger.Info
	}
	database, err := db.New(db.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DatabaseURL,
		Logger:   logger,
		LogLevel: gormLevel,
	})
	if err != nil {
		return err
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	tokens, err := auth.NewTokenService(cfg.MasterSecret)
	if err != nil {
		return err
	}

	accounts := repository.NewAccountRepository(database)
	sessions := repository.NewSessionRepository(database)
	machines := repository.NewMachineRepository(database)
	pairing := repository.NewPairingRepository(database)

	router := events.NewRouter(logger)
	emitter := events.NewEmitter(router, accounts, logger)
	registry := rpc.NewRegistry(logger)

	updates := ws.NewHandler(ws.Config{
		Logger:   logger,
		Tokens:   tokens,
		Router:   router,
		Emitter:  emitter,
		Registry: registry,
		Sessions: sessions,
		Machines: machines,
	})

	server := api.NewServer(api.Config{
		Logger:   logger,
		Tokens:   tokens,
		Emitter:  emitter,
		Accounts: accounts,
		Sessions: sessions,
		Machines: machines,
		Pairing:  pairing,
		Updates:  updates,
		Ping: func(ctx context.Context) error {
			return db.Ping(ctx, database)
		},
	})

	sweep, err := sweeper.New(sessions, machines, emitter, logger)
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}
	if err := sweep.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down consortium server")

		if err := sweep.Stop(); err != nil {
			logger.Warn("sweeper shutdown failed", zap.Error(err))
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
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
