package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sai-cam/sai-cam/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger interface defines logging methods
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Fatal(msg string, keysAndValues ...interface{})
	With(keysAndValues ...interface{}) Logger
	SetLevel(level string) error
	Level() string
	FilePath() string
	Sync() error
}

// zapLogger wraps zap.SugaredLogger with a shared atomic level
type zapLogger struct {
	sugar    *zap.SugaredLogger
	level    zap.AtomicLevel
	filePath string
}

// New creates a logger from configuration. Output goes to a rotated file
// under cfg.LogDir and, if enabled, the console.
func New(cfg *config.LoggingConfig) Logger {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var cores []zapcore.Core

	if cfg.ConsoleOutput {
		consoleConfig := encoderConfig
		consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleConfig),
			zapcore.AddSync(os.Stdout),
			level,
		))
	}

	filePath := ""
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		}
		name := cfg.LogFile
		if name == "" {
			name = "sai-cam.log"
		}
		filePath = filepath.Join(cfg.LogDir, name)
		rotator := &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig),
			zapcore.AddSync(rotator),
			level,
		))
	}

	core := zapcore.NewTee(cores...)
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	return &zapLogger{
		sugar:    l.Sugar(),
		level:    level,
		filePath: filePath,
	}
}

func (l *zapLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *zapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *zapLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *zapLogger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *zapLogger) Fatal(msg string, keysAndValues ...interface{}) {
	l.sugar.Fatalw(msg, keysAndValues...)
}

// With creates a child logger with additional fields. The child shares the
// parent's atomic level, so SetLevel on either affects both.
func (l *zapLogger) With(keysAndValues ...interface{}) Logger {
	return &zapLogger{
		sugar:    l.sugar.With(keysAndValues...),
		level:    l.level,
		filePath: l.filePath,
	}
}

// SetLevel changes the log level at runtime
func (l *zapLogger) SetLevel(level string) error {
	parsed, err := zapcore.ParseLevel(normalizeLevel(level))
	if err != nil {
		return fmt.Errorf("unknown log level %q", level)
	}
	l.level.SetLevel(parsed)
	return nil
}

// Level returns the current log level
func (l *zapLogger) Level() string {
	return l.level.Level().String()
}

// FilePath returns the path of the rotated log file, empty if file output
// is disabled.
func (l *zapLogger) FilePath() string {
	return l.filePath
}

// Sync flushes any buffered log entries
func (l *zapLogger) Sync() error {
	return l.sugar.Sync()
}

func normalizeLevel(level string) string {
	switch strings.ToLower(level) {
	case "warning":
		return "warn"
	default:
		return strings.ToLower(level)
	}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NopLogger is a no-op logger for testing
type NopLogger struct{}

// NewNopLogger creates a no-op logger
func NewNopLogger() Logger {
	return &NopLogger{}
}

func (n *NopLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (n *NopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (n *NopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (n *NopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (n *NopLogger) Fatal(msg string, keysAndValues ...interface{}) {}
func (n *NopLogger) With(keysAndValues ...interface{}) Logger       { return n }
func (n *NopLogger) SetLevel(level string) error                    { return nil }
func (n *NopLogger) Level() string                                  { return "info" }
func (n *NopLogger) FilePath() string                               { return "" }
func (n *NopLogger) Sync() error                                    { return nil }
