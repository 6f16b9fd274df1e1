// Package observability provides structured logging and Prometheus metrics
// for the chat gateway.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// ContextKey is the type for context keys carried into log records.
type ContextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey ContextKey = "request_id"

	// SessionTokenKey is the context key for session tokens. Values are
	// redacted before emission; only a short prefix survives.
	SessionTokenKey ContextKey = "session_token"

	// ConversationIDKey is the context key for conversation IDs.
	ConversationIDKey ContextKey = "conversation_id"

	// TenantIDKey is the context key for tenant IDs.
	TenantIDKey ContextKey = "tenant_id"
)

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format specifies output format: "json" (production) or "text".
	Format string `yaml:"format"`

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer `yaml:"-"`

	// AddSource includes file and line number in log records.
	AddSource bool `yaml:"add_source"`
}

// defaultRedactPatterns matches credentials that must never reach log output:
// bearer tokens, the identity provider's opaque tokens, and JWTs.
var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer|token|refresh[_-]?token|access[_-]?token)[\s:=]+["']?([a-zA-Z0-9_\-\.]{16,})["']?`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
	regexp.MustCompile(`(?i)(secret|password|passwd)[\s:=]+["']?([^\s"']{8,})["']?`),
}

// NewLogger creates a structured slog logger with the given configuration.
// Level defaults to "info" and format to "json".
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:       LogLevelFromString(config.Level),
		AddSource:   config.AddSource,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	return slog.New(handler)
}

// LogLevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactAttr scrubs credential-bearing values from log attributes.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	a.Value = slog.StringValue(Redact(a.Value.String()))
	return a
}

// Redact applies the credential redaction patterns to a string.
func Redact(s string) string {
	for _, re := range defaultRedactPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// TokenPrefix returns a short, loggable prefix of an opaque token.
func TokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithConversationID adds a conversation ID to the context.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, conversationID)
}

// ContextAttrs extracts well-known correlation fields from the context as
// slog arguments. Session tokens are reduced to a prefix.
func ContextAttrs(ctx context.Context) []any {
	attrs := make([]any, 0, 8)
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		attrs = append(attrs, "request_id", v)
	}
	if v, ok := ctx.Value(SessionTokenKey).(string); ok && v != "" {
		attrs = append(attrs, "session", TokenPrefix(v))
	}
	if v, ok := ctx.Value(ConversationIDKey).(string); ok && v != "" {
		attrs = append(attrs, "conversation_id", v)
	}
	if v, ok := ctx.Value(TenantIDKey).(string); ok && v != "" {
		attrs = append(attrs, "tenant_id", v)
	}
	return attrs
}
