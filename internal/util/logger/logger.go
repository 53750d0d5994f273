package logger

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.SugaredLogger
	once         sync.Once
	mu           sync.RWMutex
)

// Config defines logging configuration
type Config struct {
	Level    string // "debug", "info", "warn", "error"
	Encoding string // "json" or "console"
	Output   string // "stdout", "stderr" or a file path
}

// DefaultConfig returns default logger config
func DefaultConfig() *Config {
	return &Config{
		Level:    "info",
		Encoding: "console",
		Output:   "stdout",
	}
}

// InitLogger initializes Zap with the given config
func InitLogger(cfg *Config) {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		globalLogger = build(cfg, nil)
	})
}

// ReplaceGlobal replaces the global logger with a new one
func ReplaceGlobal(cfg *Config) {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	globalLogger = build(cfg, nil)
}

// ReplaceWithWriter routes logs to w. Tests use it to capture output.
func ReplaceWithWriter(cfg *Config, w io.Writer) {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	globalLogger = build(cfg, zapcore.AddSync(w))
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func openOutput(output string) zapcore.WriteSyncer {
	switch output {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout)
	case "stderr":
		return zapcore.AddSync(os.Stderr)
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return zapcore.AddSync(os.Stdout)
		}
		return zapcore.AddSync(f)
	}
}

func build(cfg *Config, sink zapcore.WriteSyncer) *zap.SugaredLogger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.LevelKey = "level"
	encoderCfg.CallerKey = "caller"
	encoderCfg.MessageKey = "msg"
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if cfg.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	if sink == nil {
		sink = openOutput(cfg.Output)
	}
	core := zapcore.NewCore(encoder, sink, parseLevel(cfg.Level))
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// GetLogger returns the global logger instance
func GetLogger() *zap.SugaredLogger {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// Sync flushes any buffered log entries
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

func ensureInitialized() {
	mu.RLock()
	ready := globalLogger != nil
	mu.RUnlock()
	if !ready {
		InitLogger(DefaultConfig())
	}
}

func current() *zap.SugaredLogger {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// Debug logs debug level messages
func Debug(msg string, args ...interface{}) {
	current().Debugf(msg, args...)
}

// Debugf logs debug level messages with formatting
func Debugf(msg string, args ...interface{}) {
	current().Debugf(msg, args...)
}

// Info logs info level messages
func Info(msg string, args ...interface{}) {
	current().Infof(msg, args...)
}

// Infof logs info level messages with formatting
func Infof(msg string, args ...interface{}) {
	current().Infof(msg, args...)
}

// Warn logs warning level messages
func Warn(msg string, args ...interface{}) {
	current().Warnf(msg, args...)
}

// Warnf logs warning level messages with formatting
func Warnf(msg string, args ...interface{}) {
	current().Warnf(msg, args...)
}

// Error logs error level messages
func Error(msg string, args ...interface{}) {
	current().Errorf(msg, args...)
}

// Errorf logs error level messages with formatting
func Errorf(msg string, args ...interface{}) {
	current().Errorf(msg, args...)
}

// Fatal logs fatal level messages and exits
func Fatal(msg string, args ...interface{}) {
	current().Fatalf(msg, args...)
}

// Fatalf logs fatal level messages with formatting and exits
func Fatalf(msg string, args ...interface{}) {
	current().Fatalf(msg, args...)
}

// Debugw logs a message with key/value pairs
func Debugw(msg string, keysAndValues ...interface{}) {
	current().Debugw(msg, keysAndValues...)
}

// Infow logs a message with key/value pairs
func Infow(msg string, keysAndValues ...interface{}) {
	current().Infow(msg, keysAndValues...)
}

// Warnw logs a message with key/value pairs
func Warnw(msg string, keysAndValues ...interface{}) {
	current().Warnw(msg, keysAndValues...)
}
