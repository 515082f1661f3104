package interceptor

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// AccessLogger writes one structured record per committed transaction.
// It uses slog.LogAttrs to keep allocations off the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	// Timestamp when the request was captured.
	Timestamp time.Time

	// ID of the recorded transaction.
	ID string

	Method string
	Host   string
	URL    string

	// StatusCode is the status delivered to the client.
	StatusCode int

	// Duration from capture to response ready.
	Duration time.Duration

	// BytesWritten is the response body size.
	BytesWritten int64

	// ClientAddr is the client's remote address.
	ClientAddr string

	// Tags attached to the transaction (e.g. "filtered").
	Tags []string

	// RuleID is the rule whose action produced the response, if any.
	RuleID string

	// Action is the type of that rule's action.
	Action string

	// Error describes a forwarding failure.
	Error string

	// UserAgent is the client's User-Agent header.
	UserAgent string
}

// NewAccessLogger creates an AccessLogger writing to logger. For machine
// consumption configure logger with slog.NewJSONHandler.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 14)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("id", e.ID),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("url", e.URL),
		slog.Int("status", e.StatusCode),
		slog.Int64("bytes", e.BytesWritten),
		slog.Duration("duration", e.Duration),
		slog.String("client", e.ClientAddr),
	)

	if len(e.Tags) > 0 {
		attrs = append(attrs, slog.String("tags", strings.Join(e.Tags, ",")))
	}
	if e.RuleID != "" {
		attrs = append(attrs,
			slog.String("rule_id", e.RuleID),
			slog.String("action", e.Action),
		)
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}

// LogTransaction builds an entry from a committed transaction.
func (al *AccessLogger) LogTransaction(t Transaction, clientAddr, action string, forwardErr error) {
	e := AccessLogEntry{
		Timestamp:  t.Request.Timestamp,
		ID:         t.ID,
		Method:     t.Request.Method,
		Host:       ExtractDomain(t.Request.URL),
		URL:        t.Request.URL,
		Duration:   t.Duration,
		ClientAddr: clientAddr,
		Tags:       t.Tags,
		RuleID:     t.RuleID,
		Action:     action,
		UserAgent:  t.Request.Headers["User-Agent"],
	}
	if t.Response != nil {
		e.StatusCode = t.Response.Status
		e.BytesWritten = int64(len(t.Response.Body))
	}
	if forwardErr != nil {
		e.Error = forwardErr.Error()
	}
	al.Log(e)
}
