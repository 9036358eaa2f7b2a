// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log level, encoding, and an optional rotating file
// sink next to stderr.
type Options struct {
	Level    string
	Encoding string // console or json
	File     string
}

// New builds a logger. The returned AtomicLevel can retune verbosity at
// runtime, e.g. from the config watcher.
func New(opts Options) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, level, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level.SetLevel(parsed)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch opts.Encoding {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, level, fmt.Errorf("unknown log encoding %q", opts.Encoding)
	}

	sink := zapcore.Lock(os.Stderr)
	cores := []zapcore.Core{zapcore.NewCore(enc, sink, level)}
	if opts.File != "" {
		rotating := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), rotating, level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), level, nil
}
