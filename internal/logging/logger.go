// Package logging provides structured logging for kernel subsystems.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry with the level-gated key/value call shape used
// throughout the kernel subsystems.
type Logger struct {
	entry *logrus.Logger
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) toLogrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(output)
	l.SetLevel(config.Level.toLogrus())
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return &Logger{entry: l}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func fields(args []any) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		f[key] = args[i+1]
	}
	return f
}

func (l *Logger) Debug(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Debug(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Info(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Warn(msg)
}

func (l *Logger) Error(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Error(msg)
}

// Printf-style logging, kept for call sites that build their own message.
func (l *Logger) Debugf(format string, args ...any) {
	l.entry.Debugf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.entry.Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.entry.Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.entry.Errorf(format, args...)
}

// Printf is kept for compatibility with call sites expecting an Info-level
// formatted write.
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// ctxLogger carries a fixed set of fields (process, CPU, request) onto every
// call, the way a device/queue-scoped logger does in an I/O-path codebase.
type ctxLogger struct {
	base   *Logger
	fields logrus.Fields
}

func (l *Logger) WithProcess(pid uint64) *ctxLogger {
	return &ctxLogger{base: l, fields: logrus.Fields{"process_id": pid}}
}

func (l *Logger) WithError(err error) *ctxLogger {
	return &ctxLogger{base: l, fields: logrus.Fields{"error": err}}
}

func (c *ctxLogger) WithCPU(cpu uint32) *ctxLogger {
	merged := mergeFields(c.fields, logrus.Fields{"cpu_id": cpu})
	return &ctxLogger{base: c.base, fields: merged}
}

func (c *ctxLogger) WithRequest(requestID uint64, op string) *ctxLogger {
	merged := mergeFields(c.fields, logrus.Fields{"request_id": requestID, "op": op})
	return &ctxLogger{base: c.base, fields: merged}
}

func mergeFields(base, extra logrus.Fields) logrus.Fields {
	merged := make(logrus.Fields, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func (c *ctxLogger) Debug(msg string, args ...any) {
	c.base.entry.WithFields(mergeFields(c.fields, fields(args))).Debug(msg)
}

func (c *ctxLogger) Info(msg string, args ...any) {
	c.base.entry.WithFields(mergeFields(c.fields, fields(args))).Info(msg)
}

func (c *ctxLogger) Warn(msg string, args ...any) {
	c.base.entry.WithFields(mergeFields(c.fields, fields(args))).Warn(msg)
}

func (c *ctxLogger) Error(msg string, args ...any) {
	c.base.entry.WithFields(mergeFields(c.fields, fields(args))).Error(msg)
}

// Global convenience functions.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
