// Package logging builds the service logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/gmsas95/preventx/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a console logger when stderr is a terminal and a JSON logger
// otherwise. A configured file receives JSON logs with size-based rotation.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	return build(cfg, os.Stderr, term.IsTerminal(int(os.Stderr.Fd())))
}

func build(cfg config.LoggingConfig, out io.Writer, interactive bool) (*zap.Logger, error) {
	level := zap.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var encoder zapcore.Encoder
	if interactive {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
	} else {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out)), level),
	}

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(rotator),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
