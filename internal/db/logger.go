package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// Statements slower than this are logged at Warn whatever the level.
const slowQueryThreshold = 200 * time.Millisecond

// gormZap sends GORM output to zap instead of stdout.
type gormZap struct {
	log   *zap.Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

// newGormZap defaults to gormlogger.Warn when level is unset.
func newGormZap(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	return &gormZap{log: log.WithOptions(zap.AddCallerSkip(3)), level: level, slow: slowQueryThreshold}
}

// LogMode backs per-call overrides like db.Debug().
func (g *gormZap) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	c := *g
	c.level = level
	return &c
}

func (g *gormZap) emit(min gormlogger.LogLevel, lvl zapcore.Level, msg string, args []any) {
	if g.level >= min {
		g.log.Log(lvl, fmt.Sprintf(msg, args...))
	}
}

func (g *gormZap) Info(_ context.Context, msg string, args ...any) {
	g.emit(gormlogger.Info, zapcore.InfoLevel, msg, args)
}

func (g *gormZap) Warn(_ context.Context, msg string, args ...any) {
	g.emit(gormlogger.Warn, zapcore.WarnLevel, msg, args)
}

func (g *gormZap) Error(_ context.Context, msg string, args ...any) {
	g.emit(gormlogger.Error, zapcore.ErrorLevel, msg, args)
}

// Trace reports one finished statement. Record-not-found is a normal miss
// for the repositories and stays quiet.
func (g *gormZap) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	took := time.Since(begin)
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	slow := g.slow > 0 && took > g.slow
	if !failed && !slow && g.level < gormlogger.Info {
		return
	}

	stmt, rows := fc()
	fields := []zap.Field{
		zap.String("sql", stmt),
		zap.Int64("rows", rows),
		zap.Duration("took", took),
		zap.String("source", utils.FileWithLineNum()),
	}
	switch {
	case failed:
		g.log.Error("sql statement failed", append(fields, zap.Error(err))...)
	case slow:
		g.log.Warn("slow sql statement", fields...)
	default:
		g.log.Debug("sql statement", fields...)
	}
}
