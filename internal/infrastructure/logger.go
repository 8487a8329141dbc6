package infrastructure

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"keymint/internal/config"
)

var (
	logFile     *os.File
	logFileOnce sync.Once
	loggerOnce  sync.Once
	logger      *slog.Logger
)

// traceHandler wraps an slog.Handler to inject trace IDs from context
type traceHandler struct {
	slog.Handler
}

// Handle adds trace_id to the log record if present in context
func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if traceID := GetTraceID(ctx); traceID != "" {
		r.AddAttrs(slog.String("trace_id", traceID))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs returns a new traceHandler with the given attributes
func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup returns a new traceHandler with the given group name
func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}

// InitializeLogger sets up the global structured logger based on configuration.
// Safe to call multiple times; only the first call takes effect.
func InitializeLogger(cfg config.LoggingConfig, logsDir string) (*slog.Logger, error) {
	var initErr error

	loggerOnce.Do(func() {
		var output io.Writer

		switch strings.ToLower(cfg.Output) {
		case "stdout":
			output = os.Stdout
		case "file":
			f, err := openLogFile(cfg.FilePath, logsDir)
			if err != nil {
				initErr = fmt.Errorf("failed to open log file: %w", err)
				return
			}
			output = f
		case "both":
			f, err := openLogFile(cfg.FilePath, logsDir)
			if err != nil {
				initErr = fmt.Errorf("failed to open log file: %w", err)
				return
			}
			output = io.MultiWriter(os.Stdout, f)
		default:
			output = os.Stdout
		}

		opts := &slog.HandlerOptions{
			Level:     parseLogLevel(cfg.Level),
			AddSource: cfg.Development,
		}

		var handler slog.Handler
		if strings.ToLower(cfg.Format) == "text" {
			handler = slog.NewTextHandler(output, opts)
		} else {
			handler = slog.NewJSONHandler(output, opts)
		}

		// Wrap with trace context injection
		handler = &traceHandler{Handler: handler}

		logger = slog.New(handler)
		slog.SetDefault(logger)
	})

	if initErr != nil {
		return nil, initErr
	}

	return logger, nil
}

// MustInitializeLogger initializes the logger or panics
func MustInitializeLogger(cfg config.LoggingConfig, logsDir string) *slog.Logger {
	l, err := InitializeLogger(cfg, logsDir)
	if err != nil {
		panic(fmt.Sprintf("logger initialization failed: %v", err))
	}
	return l
}

// GetLogger returns the initialized logger, or the slog default if
// InitializeLogger has not run yet.
func GetLogger() *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// openLogFile opens (creating if needed) the log file for appending
func openLogFile(filePath, logsDir string) (*os.File, error) {
	var err error

	logFileOnce.Do(func() {
		path := filePath
		if path == "" {
			path = filepath.Join(logsDir, "keymint.log")
		}
		if !filepath.IsAbs(path) && logsDir != "" {
			// Bare filenames are placed inside the logs dir;
			// relative paths with directories stay as-is.
			if filepath.Dir(path) == "." {
				path = filepath.Join(logsDir, path)
			}
		}

		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			err = mkErr
			return
		}

		logFile, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	})

	if err != nil {
		return nil, err
	}
	if logFile == nil {
		return nil, fmt.Errorf("log file was not opened")
	}
	return logFile, nil
}

// CloseLogFile closes the log file if one was opened
func CloseLogFile() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// parseLogLevel converts a string level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ResetLoggerForTesting resets the logger singletons. Tests only.
func ResetLoggerForTesting() {
	loggerOnce = sync.Once{}
	logFileOnce = sync.Once{}
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	logger = nil
}
