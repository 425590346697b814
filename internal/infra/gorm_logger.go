package infra

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	gormLogger "gorm.io/gorm/logger"
)

// queryLogger 把 GORM 的 SQL 日志接到 zap 上
// 记录未找到不算错误，慢查询按阈值升为 Warn。
type queryLogger struct {
	zl            *zap.Logger
	level         gormLogger.LogLevel
	slowThreshold time.Duration
}

func newQueryLogger(zl *zap.Logger, slowThreshold time.Duration) *queryLogger {
	if slowThreshold <= 0 {
		slowThreshold = 200 * time.Millisecond
	}
	return &queryLogger{
		zl:            zl,
		level:         gormLogger.Warn,
		slowThreshold: slowThreshold,
	}
}

// LogMode 实现 gormLogger.Interface
func (l *queryLogger) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

// Info 实现 gormLogger.Interface
func (l *queryLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormLogger.Info {
		l.zl.Sugar().Infof(msg, args...)
	}
}

// Warn 实现 gormLogger.Interface
func (l *queryLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormLogger.Warn {
		l.zl.Sugar().Warnf(msg, args...)
	}
}

// Error 实现 gormLogger.Interface
func (l *queryLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormLogger.Error {
		l.zl.Sugar().Errorf(msg, args...)
	}
}

// Trace 实现 gormLogger.Interface
func (l *queryLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormLogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("sql", sql),
	}

	switch {
	case err != nil && !errors.Is(err, gormLogger.ErrRecordNotFound):
		l.zl.Error("SQL 执行失败", append(fields, zap.Error(err))...)
	case elapsed > l.slowThreshold:
		l.zl.Warn("SQL 慢查询", fields...)
	case l.level >= gormLogger.Info:
		l.zl.Debug("SQL 执行", fields...)
	}
}
