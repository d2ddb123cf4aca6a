// Package logging builds the zap loggers used across the relay.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"kvmrelay/internal/protocol"
)

// Options controls where logs go and how much is written.
type Options struct {
	// Verbose enables debug level, which includes per-event fields and key codes.
	Verbose bool

	// File, when set, receives a JSON copy of every entry with rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a logger writing console-friendly JSON to stderr and, if
// configured, to a rotating file.
func New(opts Options) *zap.Logger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if opts.Verbose {
		level.SetLevel(zap.DebugLevel)
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.Lock(os.Stderr), level),
	}

	if opts.File != "" {
		_ = os.MkdirAll(filepath.Dir(opts.File), 0o755)
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 50), // MB
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 7), // days
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(cfg), w, level))
	}

	return zap.New(zapcore.NewTee(cores...))
}

// Event returns a field describing ev. Key codes are only included when
// verbose is set.
func Event(ev protocol.InputEvent, verbose bool) zap.Field {
	if key, ok := ev.(protocol.KeyEvent); ok && verbose {
		return zap.Object("event", verboseKey(key))
	}
	return zap.Object("event", ev)
}

type verboseKey protocol.KeyEvent

func (k verboseKey) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if err := protocol.KeyEvent(k).MarshalLogObject(enc); err != nil {
		return err
	}
	enc.AddUint32("code", k.Code)
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
