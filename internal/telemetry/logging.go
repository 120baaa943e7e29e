// Package telemetry builds the shared structured logger. Log lines are JSON,
// mirrored to stdout and <home>/goloom.log, with secret-bearing attributes
// redacted before they reach either sink.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-loom/internal/shared"
)

// NewLogger opens <home>/goloom.log and returns a JSON logger writing there
// and to stdout. quiet drops the stdout copy so one-shot commands keep their
// output stream clean. The returned Closer owns the file handle.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(homeDir, "goloom.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	sinks := []io.Writer{file}
	if !quiet {
		sinks = append(sinks, os.Stdout)
	}
	handler := slog.NewJSONHandler(io.MultiWriter(sinks...), &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redactAttr,
	})
	logger := slog.New(handler).With("component", "runtime", "trace_id", "-")
	return logger, file, nil
}

// redactAttr renames the time key and masks secret-bearing attributes, by
// key name first and then by value shape.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if masked, changed := maskSecretValue(a.Value.String()); changed {
			return slog.String(a.Key, masked)
		}
	}
	return a
}

// sensitiveKeyTokens flags attribute keys whose values are secrets no matter
// their shape.
var sensitiveKeyTokens = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// secretValueMarkers force whole-value redaction: a value carrying an auth
// header or key material is replaced outright rather than partially masked.
var secretValueMarkers = []string{"bearer ", "api_key", "authorization:"}

func maskSecretValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	for _, marker := range secretValueMarkers {
		if strings.Contains(lower, marker) {
			return "[REDACTED]", true
		}
	}
	if masked := shared.Redact(v); masked != v {
		return masked, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
