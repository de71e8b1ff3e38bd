package webproxy

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// AccessLogger writes one structured record per handled connection.
// It uses slog.LogAttrs for low-allocation logging on the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single request record.
type AccessLogEntry struct {
	// Timestamp when the connection was accepted.
	Timestamp time.Time

	// Method and URL as they appeared on the request line. Both are empty
	// when the request line could not be parsed.
	Method string
	URL    string

	// Outcome is how handling ended.
	Outcome Outcome

	// Source is where the response came from: "cache", "override" or
	// "origin". Empty for blocked and failed requests.
	Source string

	// StatusCode is taken from the response status line. Zero if the
	// response did not start with one.
	StatusCode int

	// Duration is the time to handle the connection.
	Duration time.Duration

	// BytesWritten is the number of bytes written back to the client.
	BytesWritten int64

	// ClientAddr is the client's remote address.
	ClientAddr string

	// BlockPattern is the pattern that matched, if Outcome is blocked.
	BlockPattern string

	// Error is a description of any error that occurred.
	Error string

	// UserAgent is the client's User-Agent header.
	UserAgent string
}

// NewAccessLogger creates a new AccessLogger that writes to the given slog.Logger.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes a request record using slog.LogAttrs to minimize allocations.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 12)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("method", e.Method),
		slog.String("url", e.URL),
		slog.String("outcome", string(e.Outcome)),
		slog.String("client", e.ClientAddr),
	)

	switch e.Outcome {
	case OutcomeBlocked:
		attrs = append(attrs, slog.String("pattern", e.BlockPattern))
	case OutcomeCacheHit, OutcomeForwarded:
		attrs = append(attrs,
			slog.String("source", e.Source),
			slog.Int("status", e.StatusCode),
		)
	}

	attrs = append(attrs,
		slog.Int64("bytes", e.BytesWritten),
		slog.Duration("duration", e.Duration),
	)

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "request", attrs...)
}

// statusCode extracts the code from an "HTTP/x.y NNN ..." status line.
func statusCode(resp []byte) int {
	line := resp
	if i := strings.IndexByte(string(resp[:min(len(resp), 64)]), '\n'); i >= 0 {
		line = resp[:i]
	}
	fields := strings.Fields(string(line[:min(len(line), 64)]))
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 999 {
		return 0
	}
	return code
}
