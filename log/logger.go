package log

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxLogFileSizeInMb = 5
	maxLogFileCount    = 8
)

type Config struct {
	Level       zapcore.Level
	LogPath     string
	MaxSizeInMB int
	MaxBackups  int
	Component   string
}

// Logger is the process logger. It is a no-op logger until Initialize is called.
var Logger = zap.NewNop()

// ParseLevel converts a level name such as "debug" or "warn" into a zapcore.Level.
func ParseLevel(level string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, errors.Wrapf(err, "invalid log level %q", level)
	}
	return l, nil
}

// Initialize builds the process logger from cfg and syncs it once ctx is done.
func Initialize(ctx context.Context, cfg *Config) *zap.Logger {
	Logger = New(cfg)

	go func() {
		<-ctx.Done()
		if err := Logger.Sync(); err != nil {
			fmt.Fprintln(os.Stderr, "failed to sync logger")
		}
	}()

	return Logger
}

// New returns a JSON logger writing to a rotated file, or to stderr when no LogPath is set.
func New(cfg *Config) *zap.Logger {
	var sink zapcore.WriteSyncer
	if cfg.LogPath == "" {
		sink = zapcore.Lock(os.Stderr)
	} else {
		maxSize, maxBackups := cfg.MaxSizeInMB, cfg.MaxBackups
		if maxSize == 0 {
			maxSize = maxLogFileSizeInMb
		}
		if maxBackups == 0 {
			maxBackups = maxLogFileCount
		}
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		})
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(encoderConfig)

	core := zapcore.NewCore(jsonEncoder, sink, cfg.Level)
	logger := zap.New(core)
	logger = logger.With(zap.Int("pid", os.Getpid()))
	if cfg.Component != "" {
		logger = logger.With(zap.String("component", cfg.Component))
	}

	return logger
}
