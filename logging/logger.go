package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DefaultLevel is used when no level is configured.
	DefaultLevel = "info"
	// DefaultMaxSizeMB is the rotation threshold of the log file.
	DefaultMaxSizeMB = 50
	// DefaultMaxBackups is the number of rotated files kept.
	DefaultMaxBackups = 5
	// DefaultMaxAgeDays is how long rotated files are kept.
	DefaultMaxAgeDays = 14
)

// Config controls logger construction.
type Config struct {
	Level       string
	Development bool
	// FilePath enables rotated file output in addition to stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	NodeID     string
}

// New builds a structured logger writing to stderr and, optionally, a rotated file.
func New(cfg Config) (*zap.Logger, error) {
	levelText := strings.TrimSpace(cfg.Level)
	if levelText == "" {
		levelText = DefaultLevel
	}
	level, err := zapcore.ParseLevel(levelText)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", levelText, err)
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var consoleEncoder zapcore.Encoder
	if cfg.Development {
		consoleEncoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), atomicLevel),
	}

	if cfg.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    valueOr(cfg.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valueOr(cfg.MaxBackups, DefaultMaxBackups),
			MaxAge:     valueOr(cfg.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), atomicLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if cfg.NodeID != "" {
		logger = logger.With(zap.String("node_id", cfg.NodeID))
	}
	return logger, nil
}

// OrNop returns logger, or a no-op logger when nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func valueOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
