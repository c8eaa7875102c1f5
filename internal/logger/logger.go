package logger

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu     sync.RWMutex
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugar  = newDefault()
	closer func()
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel converts a case-insensitive level name into a Level.
// Unknown names map to LevelInfo and ok is false.
func ParseLevel(name string) (l Level, ok bool) {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARN":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	}
	return LevelInfo, false
}

func newDefault() *zap.SugaredLogger {
	return build(encoderFor("text"), zapcore.Lock(zapcore.AddSync(stdoutSink{}))).Sugar()
}

func build(enc zapcore.Encoder, ws zapcore.WriteSyncer) *zap.Logger {
	return zap.New(zapcore.NewCore(enc, ws, level))
}

func encoderFor(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder

	if format == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.ConsoleSeparator = " "
	return zapcore.NewConsoleEncoder(cfg)
}

// SetLevel changes the minimum level. Unknown names are ignored.
func SetLevel(name string) {
	if l, ok := ParseLevel(name); ok {
		level.SetLevel(l.zapLevel())
	}
}

// Configure rebuilds the backend.
// format is "text" or "json"; output is "stdout", "stderr" or a file path.
func Configure(levelName, format, output string) error {
	var (
		ws    zapcore.WriteSyncer
		close func()
	)
	switch output {
	case "", "stdout":
		ws = zapcore.Lock(zapcore.AddSync(stdoutSink{}))
	case "stderr":
		ws = zapcore.Lock(zapcore.AddSync(stderrSink{}))
	default:
		var err error
		ws, close, err = zap.Open(output)
		if err != nil {
			return fmt.Errorf("open log output %q: %w", output, err)
		}
	}

	SetLevel(levelName)
	l := build(encoderFor(format), ws)

	mu.Lock()
	prev := closer
	sugar = l.Sugar()
	closer = close
	mu.Unlock()

	if prev != nil {
		prev()
	}
	return nil
}

// SetLogger replaces the backend with l and returns a function restoring the previous one.
func SetLogger(l *zap.Logger) (restore func()) {
	mu.Lock()
	prev := sugar
	sugar = l.Sugar()
	mu.Unlock()

	return func() {
		mu.Lock()
		sugar = prev
		mu.Unlock()
	}
}

// Sync flushes any buffered entries.
func Sync() {
	mu.RLock()
	s := sugar
	mu.RUnlock()
	_ = s.Sync()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func Debug(format string, v ...any) {
	current().Debugf(format, v...)
}

func Info(format string, v ...any) {
	current().Infof(format, v...)
}

func Warn(format string, v ...any) {
	current().Warnf(format, v...)
}

func Error(format string, v ...any) {
	current().Errorf(format, v...)
}
