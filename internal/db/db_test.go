package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestNewSQLiteAppliesMigrations(t *testing.T) {
	handle, err := New(Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, err := handle.DB()
		require.NoError(t, err)
		_ = sqlDB.Close()
	})

	require.NoError(t, Ping(context.Background(), handle))

	for _, table := range []string{"accounts", "sessions", "session_messages", "machines", "account_auth_requests"} {
		var count int64
		err := handle.Raw(
			"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&count).Error
		require.NoError(t, err)
		require.Equal(t, int64(1), count, "missing table %s", table)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(Config{Driver: "oracle", DSN: "x", Logger: zap.NewNop()})
	require.Error(t, err)

	_, err = New(Config{Driver: "sqlite", DSN: ":memory:"})
	require.Error(t, err, "logger is required")
}

func newObservedLogger(level gormlogger.LogLevel) (gormlogger.Interface, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return newQueryLogger(zap.New(core), level), logs
}

func TestQueryLoggerSilencesRecordNotFound(t *testing.T) {
	logger, logs := newObservedLogger(gormlogger.Warn)

	logger.Trace(context.Background(), time.Now(),
		func() (string, int64) { return "SELECT 1", 0 }, gorm.ErrRecordNotFound)
	require.Zero(t, logs.Len(), "record-not-found is an expected outcome, not an error")

	logger.Trace(context.Background(), time.Now(),
		func() (string, int64) { return "SELECT 1", 0 }, errors.New("disk I/O error"))
	require.Equal(t, 1, logs.FilterMessage("query failed").Len())
}

func TestQueryLoggerFlagsSlowQueries(t *testing.T) {
	logger, logs := newObservedLogger(gormlogger.Warn)

	begin := time.Now().Add(-2 * slowQueryThreshold)
	logger.Trace(context.Background(), begin,
		func() (string, int64) { return "UPDATE accounts SET seq = seq + 1", 1 }, nil)
	require.Equal(t, 1, logs.FilterMessage("slow query").Len())

	// Fast statements stay quiet below Info.
	logger.Trace(context.Background(), time.Now(),
		func() (string, int64) { return "SELECT 1", 1 }, nil)
	require.Equal(t, 1, logs.Len())
}

func TestQueryLoggerLogMode(t *testing.T) {
	logger, logs := newObservedLogger(gormlogger.Silent)

	// Silent drops everything, including errors.
	logger.Trace(context.Background(), time.Now(),
		func() (string, int64) { return "SELECT 1", 0 }, errors.New("boom"))
	require.Zero(t, logs.Len())

	// LogMode returns an independent copy at the new level.
	verbose := logger.LogMode(gormlogger.Info)
	verbose.Trace(context.Background(), time.Now(),
		func() (string, int64) { return "SELECT 1", 1 }, nil)
	require.Equal(t, 1, logs.FilterMessage("query").Len())

	logger.Trace(context.Background(), time.Now(),
		func() (string, int64) { return "SELECT 1", 1 }, nil)
	require.Equal(t, 1, logs.Len(), "original logger level must be unchanged")
}
