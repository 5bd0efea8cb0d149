package caskdb

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with caskdb-specific helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithDir adds a dir field to the logger.
func (l *Logger) WithDir(dir string) *Logger {
	return &Logger{
		Logger: l.Logger.With("dir", dir),
	}
}

// LogPut logs a put operation.
func (l *Logger) LogPut(ctx context.Context, key []byte, size int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "put failed",
			"key_len", len(key),
			"value_len", size,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "put completed",
			"key_len", len(key),
			"value_len", size,
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, key []byte, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"key_len", len(key),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"key_len", len(key),
		)
	}
}

// LogMerge logs a merge operation.
func (l *Logger) LogMerge(ctx context.Context, report MergeReport, err error) {
	if err != nil {
		l.ErrorContext(ctx, "merge failed",
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "merge completed",
			"segments_merged", report.SegmentsMerged,
			"segments_written", report.SegmentsWritten,
			"keys_dropped", report.KeysDropped,
			"bytes_reclaimed", report.BytesReclaimed,
			"duration", report.Duration,
		)
	}
}

// LogRecovery logs the recovery performed by Open.
func (l *Logger) LogRecovery(ctx context.Context, report RecoveryReport, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed",
			"error", err,
		)
		return
	}
	if report.Truncations > 0 || report.CorruptRecords > 0 || report.HintsInvalid > 0 {
		l.WarnContext(ctx, "recovery completed with repairs",
			"keys", report.Keys,
			"truncations", report.Truncations,
			"truncated_bytes", report.TruncatedBytes,
			"corrupt_records", report.CorruptRecords,
			"hints_invalid", report.HintsInvalid,
		)
		return
	}
	l.DebugContext(ctx, "recovery completed",
		"keys", report.Keys,
		"segments", report.SegmentsScanned,
		"duration", report.Duration,
	)
}
