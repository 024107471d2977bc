package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls how New builds the process logger.
type Options struct {
	Level   string // debug, info, warn, error
	Format  string // json, text; empty picks text in dev and json elsewhere
	Env     string
	File    string // optional path, rotated with lumberjack
	Service string
}

// New builds a slog logger writing to stdout and, when configured, a rotated file.
func New(opts Options) *slog.Logger {
	writers := []io.Writer{os.Stdout}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}
	return newWithWriter(io.MultiWriter(writers...), opts)
}

func newWithWriter(w io.Writer, opts Options) *slog.Logger {
	isDev := strings.EqualFold(opts.Env, "dev") || strings.EqualFold(opts.Env, "development")

	handlerOpts := &slog.HandlerOptions{
		Level:     parseLevel(opts.Level),
		AddSource: isDev,
	}

	var h slog.Handler
	format := strings.ToLower(opts.Format)
	if format == "json" || (format == "" && !isDev) {
		h = slog.NewJSONHandler(w, handlerOpts)
	} else {
		h = slog.NewTextHandler(w, handlerOpts)
	}

	logger := slog.New(h)
	if opts.Service != "" {
		logger = logger.With(slog.String("service", opts.Service))
	}
	if opts.Env != "" {
		logger = logger.With(slog.String("env", opts.Env))
	}
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
