package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ParseLevel разбирает уровень логирования: DEBUG, INFO, WARN, ERROR.
// Неизвестное значение — INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger создаёт логгер с заданным уровнем и форматом.
//
// format:
//   - "json" (по умолчанию) — для production
//   - "text" — для локальной разработки
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// SetupLogger создаёт логгер в stdout и делает его глобальным.
func SetupLogger(level, format string) *slog.Logger {
	logger := NewLogger(os.Stdout, level, format)
	slog.SetDefault(logger)
	return logger
}

type ctxKey struct{}

// WithLogger кладёт логгер в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext достаёт логгер из контекста, иначе возвращает глобальный.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := LoggerFrom(ctx); ok {
		return logger
	}
	return slog.Default()
}

// LoggerFrom достаёт логгер из контекста, если он там есть.
func LoggerFrom(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	return logger, ok
}

// WithCompanyID добавляет company_id.
func WithCompanyID(logger *slog.Logger, id uuid.UUID) *slog.Logger {
	return logger.With("company_id", id.String())
}

// WithFlowID добавляет flow_id.
func WithFlowID(logger *slog.Logger, id uuid.UUID) *slog.Logger {
	return logger.With("flow_id", id.String())
}

// WithExecutionID добавляет execution_id.
func WithExecutionID(logger *slog.Logger, id uuid.UUID) *slog.Logger {
	return logger.With("execution_id", id.String())
}

// WithEventID добавляет event_id.
func WithEventID(logger *slog.Logger, id uuid.UUID) *slog.Logger {
	return logger.With("event_id", id.String())
}

// Security пишет WARN с пометкой security=true.
// Используется для нарушений изоляции tenant-ов.
func Security(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	SecurityEvents.Inc()
	logger.WarnContext(ctx, msg, append([]any{"security", true}, args...)...)
}
