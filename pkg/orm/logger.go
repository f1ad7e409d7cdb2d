package orm

import (
	"context"
	"errors"
	"time"

	"github.com/kasuganosora/dbscope/pkg/logging"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultSlowThreshold 慢查询阈值
const DefaultSlowThreshold = 200 * time.Millisecond

// Logger adapts logging.Logger to gorm's logger interface.
type Logger struct {
	logger        logging.Logger
	level         gormlogger.LogLevel
	SlowThreshold time.Duration
}

// NewLogger 创建 gorm 日志适配器
func NewLogger(l logging.Logger) *Logger {
	if l == nil {
		l = logging.NewNoOpLogger()
	}
	return &Logger{logger: l, level: gormlogger.Info, SlowThreshold: DefaultSlowThreshold}
}

// LogMode returns a copy logging at level.
func (l *Logger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	c := *l
	c.level = level
	return &c
}

func (l *Logger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		l.logger.Info(msg, data...)
	}
}

func (l *Logger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.logger.Warn(msg, data...)
	}
}

func (l *Logger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		l.logger.Error(msg, data...)
	}
}

// Trace 记录 SQL；记录未找到不算错误
func (l *Logger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.logger.Error("%s [%s] rows=%d: %v", sql, elapsed, rows, err)
	case l.SlowThreshold > 0 && elapsed > l.SlowThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.logger.Warn("slow sql >= %s: %s [%s] rows=%d", l.SlowThreshold, sql, elapsed, rows)
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.logger.Debug("%s [%s] rows=%d", sql, elapsed, rows)
	}
}
