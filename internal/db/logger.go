package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// slowQueryThreshold is the latency budget for a single statement. The
// relay's hot path holds sequence allocation and version-checked updates
// inside transactions, so a statement slower than this delays every event
// emitted for the account; such statements are surfaced at warn level.
const slowQueryThreshold = 100 * time.Millisecond

// queryLogger routes GORM's internal logging through the relay's zap
// logger. gorm.ErrRecordNotFound is always silenced: the repositories
// translate it into their ErrNotFound sentinel, so it is an expected
// outcome, not a database failure.
type queryLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

func newQueryLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	return &queryLogger{
		log:   log.Named("gorm"),
		level: level,
	}
}

// LogMode returns a copy at the given level. GORM calls this for
// per-operation overrides such as db.Debug().
func (l *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *queryLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *queryLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *queryLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace reports one executed statement. Errors log at error level, slow
// statements at warn, and everything else only under full tracing (Info).
func (l *queryLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.log.Error("query failed", append(fields, zap.Error(err))...)
	case elapsed > slowQueryThreshold:
		l.log.Warn("slow query", fields...)
	case l.level >= gormlogger.Info:
		l.log.Debug("query", fields...)
	}
}
