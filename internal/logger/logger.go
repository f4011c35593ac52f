// Package logger wraps slog with request and origin enrichment. Output goes
// to stderr so CLI commands keep stdout for their own results.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	originKey    contextKey = "origin"
)

const redacted = "[REDACTED]"

// secretKeys are attribute names whose values never reach a log line
var secretKeys = map[string]bool{
	"password":    true,
	"seed":        true,
	"private_key": true,
	"mnemonic":    true,
	"share":       true,
	"token":       true,
}

// Init configures the default logger from LOG_FORMAT (json|text, default
// json) and LOG_LEVEL (DEBUG|INFO|WARN|ERROR, default INFO)
func Init() error {
	return InitWithWriter(os.Stderr, os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL"))
}

func InitWithWriter(w io.Writer, format, levelStr string) error {
	if levelStr == "" {
		levelStr = "INFO"
	}
	var level slog.Level
	switch up := strings.ToUpper(levelStr); up {
	case "DEBUG", "INFO", "WARN", "ERROR":
		if err := level.UnmarshalText([]byte(up)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be DEBUG, INFO, WARN, or ERROR)", levelStr)
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redact}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json", "":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %s (must be json or text)", format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if secretKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	return a
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns "" when ctx carries no id
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithOrigin tags ctx with the page origin a request came from
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey, origin)
}

func GetOrigin(ctx context.Context) string {
	o, _ := ctx.Value(originKey).(string)
	return o
}

// FromContext returns the default logger with request_id and origin
// attached when ctx has them
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := GetRequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	if origin := GetOrigin(ctx); origin != "" {
		l = l.With("origin", origin)
	}
	return l
}

func Info(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).Info(msg, args...)
}

func Error(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).Error(msg, args...)
}

func Warn(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).Warn(msg, args...)
}

func Debug(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).Debug(msg, args...)
}
