// Package logging holds the process-wide structured logger and the
// redaction helpers that keep credentials and environment values out of
// deployment logs.
package logging

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

var (
	logger *slog.Logger

	// Patterns for detecting sensitive data
	sensitivePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(password|secret|token|key|auth)[\s]*[:=][\s]*[^\s]+`),
		regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-._~+/]+=*`),
		regexp.MustCompile(`AKIA[0-9A-Z]{16}`),       // AWS access key
		regexp.MustCompile(`hvs\.[A-Za-z0-9_-]{20,}`), // Vault service token
		regexp.MustCompile(`(?i)(https?://)[^/\s:@]+:[^/\s@]+@`),
	}

	sensitiveKeys = map[string]bool{
		"password":          true,
		"secret":            true,
		"token":             true,
		"key":               true,
		"auth":              true,
		"credential":        true,
		"access_key_id":     true,
		"secret_key":        true,
		"secret_access_key": true,
		"api_key":           true,
		"session_token":     true,
		"secret_id":         true,
		"role_id":           true,
	}
)

func init() {
	Configure(os.Stderr, os.Getenv("REMOTE_DEPLOY_DEBUG") == "true", os.Getenv("REMOTE_DEPLOY_LOG_FORMAT"))
}

// Configure replaces the logger. format is "text" or "json" (default).
func Configure(w io.Writer, debug bool, format string) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger = slog.New(handler)
}

// SetLogger allows overriding the default logger
func SetLogger(l *slog.Logger) {
	logger = l
}

// GetLogger returns the current logger instance
func GetLogger() *slog.Logger {
	return logger
}

// SanitizeString masks credentials embedded in s.
func SanitizeString(s string) string {
	sanitized := s
	for _, pattern := range sensitivePatterns {
		sanitized = pattern.ReplaceAllStringFunc(sanitized, func(match string) string {
			if strings.HasPrefix(strings.ToLower(match), "http") {
				scheme := match[:strings.Index(match, "://")+3]
				return scheme + "[REDACTED]@"
			}
			if k, _, ok := strings.Cut(match, ":"); ok && !strings.Contains(k, "=") {
				return k + ": [REDACTED]"
			}
			if k, _, ok := strings.Cut(match, "="); ok {
				return k + "=[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return sanitized
}

// RedactAssignments returns KEY=VALUE assignments with every value
// replaced, keeping the keys visible.
func RedactAssignments(assignments []string) []string {
	out := make([]string, len(assignments))
	for i, a := range assignments {
		key, _, ok := strings.Cut(a, "=")
		if !ok {
			out[i] = "[REDACTED]"
			continue
		}
		out[i] = key + "=[REDACTED]"
	}
	return out
}

// SanitizeMap creates a sanitized copy of a map, redacting sensitive keys
func SanitizeMap(m map[string]interface{}) map[string]interface{} {
	sanitized := make(map[string]interface{}, len(m))
	for k, v := range m {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
		} else if strVal, ok := v.(string); ok {
			sanitized[k] = SanitizeString(strVal)
		} else {
			sanitized[k] = v
		}
	}
	return sanitized
}

// Info logs an informational message
func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}

// InfoContext logs with additional context fields
func InfoContext(msg string, contextFields map[string]interface{}, args ...any) {
	logger.Info(msg, withFields(contextFields, args)...)
}

// ErrorContext logs an error with additional context fields
func ErrorContext(msg string, contextFields map[string]interface{}, args ...any) {
	logger.Error(msg, withFields(contextFields, args)...)
}

func withFields(fields map[string]interface{}, args []any) []any {
	sanitized := SanitizeMap(fields)
	all := make([]any, 0, len(args)+len(sanitized)*2)
	all = append(all, args...)
	for k, v := range sanitized {
		all = append(all, k, v)
	}
	return all
}
