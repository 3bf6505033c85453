package logger

import (
	"context"
	"log/slog"
)

// AuditRecord is the locally logged shape of an audit entry.
type AuditRecord struct {
	EntryID   string
	EventType string
	Severity  string
	UserID    string
	IPAddress string
	RequestID string
	Success   bool
	Hash      string
	Details   map[string]any
}

// AuditLogger mirrors audit entries to the structured process log. It is
// the last resort when the durable ledger cannot be written.
type AuditLogger struct {
	logger *slog.Logger
}

func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger.With(slog.String("component", "audit")),
	}
}

// Record logs an entry that was appended to the ledger.
func (al *AuditLogger) Record(ctx context.Context, r AuditRecord) {
	al.logger.LogAttrs(ctx, levelFor(r.Severity), "audit", al.attrs(r)...)
}

// Dropped logs an entry that could not be persisted, with the cause.
func (al *AuditLogger) Dropped(ctx context.Context, r AuditRecord, err error) {
	attrs := append(al.attrs(r), slog.Any("error", err))
	al.logger.LogAttrs(ctx, slog.LevelError, "audit entry not persisted", attrs...)
}

func (al *AuditLogger) attrs(r AuditRecord) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("event_type", r.EventType),
		slog.String("severity", r.Severity),
		slog.Bool("success", r.Success),
	}

	if r.EntryID != "" {
		attrs = append(attrs, slog.String("entry_id", r.EntryID))
	}
	if r.UserID != "" {
		attrs = append(attrs, slog.String("user_id", r.UserID))
	}
	if r.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", r.IPAddress))
	}
	if r.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", r.RequestID))
	}
	if r.Hash != "" {
		attrs = append(attrs, slog.String("hash", r.Hash))
	}
	if len(r.Details) > 0 {
		attrs = append(attrs, slog.Any("details", r.Details))
	}
	return attrs
}

func levelFor(severity string) slog.Level {
	switch severity {
	case "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
