// Package logging builds the zap loggers used by the gateway and its workers.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options select the logger behaviour.
type Options struct {
	// Verbose enables debug level.
	Verbose bool
	// Path, when set, also appends every entry to this file.
	Path string
	// Stdout sends entries to stdout instead of stderr. Workers use it,
	// since the supervisor treats stderr output as a process error.
	Stdout bool
	// Fields are attached to every entry.
	Fields []zap.Field
}

// New returns a JSON logger writing to stderr (or stdout) and, when configured, to a log
// file whose parent directory is created on demand.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if opts.Verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	if opts.Stdout {
		cfg.OutputPaths = []string{"stdout"}
	}
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, err
		}
		cfg.OutputPaths = append(cfg.OutputPaths, opts.Path)
		cfg.ErrorOutputPaths = append(cfg.ErrorOutputPaths, opts.Path)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(opts.Fields...), nil
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
