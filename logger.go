package recgo

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with recgo-specific context.
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
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithItemID adds an item id field to the logger.
func (l *Logger) WithItemID(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("item_id", id),
	}
}

// WithDimension adds a dimension field to the logger.
func (l *Logger) WithDimension(dim int) *Logger {
	return &Logger{
		Logger: l.Logger.With("dimension", dim),
	}
}

// LogIngest logs a batch ingest operation.
func (l *Logger) LogIngest(ctx context.Context, requested, indexed, failed int) {
	if failed > 0 {
		l.WarnContext(ctx, "ingest completed with failures",
			"requested", requested,
			"indexed", indexed,
			"failed", failed,
		)
	} else {
		l.InfoContext(ctx, "ingest completed",
			"requested", requested,
			"indexed", indexed,
		)
	}
}

// LogSync logs an incremental sync operation.
func (l *Logger) LogSync(ctx context.Context, requested, skipped, added, failed int) {
	l.InfoContext(ctx, "sync completed",
		"requested", requested,
		"skipped", skipped,
		"added", added,
		"failed", failed,
	)
}

// LogSearch logs a similar-items search.
func (l *Logger) LogSearch(ctx context.Context, id string, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"item_id", id,
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"item_id", id,
			"k", k,
			"results", resultsFound,
		)
	}
}

// LogRecommend logs a personalized recommendation request.
func (l *Logger) LogRecommend(ctx context.Context, watched, liked, results int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recommend failed",
			"watched", watched,
			"liked", liked,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "recommend completed",
			"watched", watched,
			"liked", liked,
			"results", results,
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, id string, existed bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"item_id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"item_id", id,
			"existed", existed,
		)
	}
}

// LogSnapshot logs a snapshot save.
func (l *Logger) LogSnapshot(ctx context.Context, size int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"size", size,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot saved",
			"size", size,
		)
	}
}

// LogRestore logs a snapshot restore at startup.
func (l *Logger) LogRestore(ctx context.Context, size int, rebuilt bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "restore failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot restored",
			"size", size,
			"store_rebuilt", rebuilt,
		)
	}
}
