package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel 日志级别
type LogLevel int

const (
	LogError LogLevel = iota
	LogWarn
	LogInfo
	LogDebug
)

// String 返回日志级别字符串
func (l LogLevel) String() string {
	switch l {
	case LogError:
		return "ERROR"
	case LogWarn:
		return "WARN"
	case LogInfo:
		return "INFO"
	case LogDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel 解析配置中的日志级别字符串，无法识别时返回 LogInfo
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error", "fatal", "panic":
		return LogError
	case "warn", "warning":
		return LogWarn
	case "debug", "trace":
		return LogDebug
	default:
		return LogInfo
	}
}

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case LogError:
		return logrus.ErrorLevel
	case LogWarn:
		return logrus.WarnLevel
	case LogDebug:
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger 日志接口
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
	SetLevel(level LogLevel)
	GetLevel() LogLevel
}

// DefaultLogger 默认日志实现，底层使用 logrus
type DefaultLogger struct {
	mu     sync.Mutex
	level  LogLevel
	base   *logrus.Logger
	fields logrus.Fields
}

// NewDefaultLogger 创建默认日志
func NewDefaultLogger(level LogLevel) *DefaultLogger {
	return NewDefaultLoggerWithOutput(level, os.Stdout)
}

// NewDefaultLoggerWithOutput 创建带输出的默认日志
func NewDefaultLoggerWithOutput(level LogLevel, output io.Writer) *DefaultLogger {
	base := logrus.New()
	base.SetOutput(output)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(level.logrusLevel())
	return &DefaultLogger{level: level, base: base}
}

// SetFormat selects the output format: "json", "color", or "text".
func (l *DefaultLogger) SetFormat(format string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch format {
	case "json":
		l.base.SetFormatter(&logrus.JSONFormatter{})
	case "color":
		l.base.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	default:
		l.base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// SetLevel 设置日志级别
func (l *DefaultLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.base.SetLevel(level.logrusLevel())
}

// GetLevel 获取日志级别
func (l *DefaultLogger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// WithField 返回携带附加字段的子日志，与父日志共享输出和级别
func (l *DefaultLogger) WithField(key string, value interface{}) Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	fields := make(logrus.Fields, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &childLogger{parent: l, fields: fields}
}

// Debug 输出 DEBUG 级别日志
func (l *DefaultLogger) Debug(format string, args ...interface{}) {
	l.entry(l.fields).Debugf(format, args...)
}

// Info 输出 INFO 级别日志
func (l *DefaultLogger) Info(format string, args ...interface{}) {
	l.entry(l.fields).Infof(format, args...)
}

// Warn 输出 WARN 级别日志
func (l *DefaultLogger) Warn(format string, args ...interface{}) {
	l.entry(l.fields).Warnf(format, args...)
}

// Error 输出 ERROR 级别日志
func (l *DefaultLogger) Error(format string, args ...interface{}) {
	l.entry(l.fields).Errorf(format, args...)
}

func (l *DefaultLogger) entry(fields logrus.Fields) *logrus.Entry {
	return l.base.WithFields(fields)
}

// childLogger 由 WithField 创建
type childLogger struct {
	parent *DefaultLogger
	fields logrus.Fields
}

func (c *childLogger) Debug(format string, args ...interface{}) {
	c.parent.entry(c.fields).Debugf(format, args...)
}

func (c *childLogger) Info(format string, args ...interface{}) {
	c.parent.entry(c.fields).Infof(format, args...)
}

func (c *childLogger) Warn(format string, args ...interface{}) {
	c.parent.entry(c.fields).Warnf(format, args...)
}

func (c *childLogger) Error(format string, args ...interface{}) {
	c.parent.entry(c.fields).Errorf(format, args...)
}

func (c *childLogger) WithField(key string, value interface{}) Logger {
	fields := make(logrus.Fields, len(c.fields)+1)
	for k, v := range c.fields {
		fields[k] = v
	}
	fields[key] = value
	return &childLogger{parent: c.parent, fields: fields}
}

func (c *childLogger) SetLevel(level LogLevel) { c.parent.SetLevel(level) }
func (c *childLogger) GetLevel() LogLevel      { return c.parent.GetLevel() }

// NoOpLogger 空日志实现（用于禁用日志）
type NoOpLogger struct{}

// NewNoOpLogger 创建空日志
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (l *NoOpLogger) Debug(format string, args ...interface{})       {}
func (l *NoOpLogger) Info(format string, args ...interface{})        {}
func (l *NoOpLogger) Warn(format string, args ...interface{})        {}
func (l *NoOpLogger) Error(format string, args ...interface{})       {}
func (l *NoOpLogger) WithField(key string, value interface{}) Logger { return l }
func (l *NoOpLogger) SetLevel(level LogLevel)                        {}
func (l *NoOpLogger) GetLevel() LogLevel                             { return LogInfo }
