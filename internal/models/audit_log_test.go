package models

import (
	"testing"
	"time"
)

func TestAuditEventType_IsValid(t *testing.T) {
	if !AuditLoginSuccess.IsValid() {
		t.Error("expected LOGIN_SUCCESS to be valid")
	}
	if AuditEventType("LOGIN_MAYBE").IsValid() {
		t.Error("expected unknown event type to be invalid")
	}
}

func TestAuditEventType_DefaultSeverity(t *testing.T) {
	tests := []struct {
		event    AuditEventType
		expected AuditSeverity
	}{
		{AuditLoginSuccess, SeverityInfo},
		{AuditLoginFailure, SeverityWarning},
		{AuditSecurityAlert, SeverityCritical},
		{AuditMalwareDetected, SeverityCritical},
		{AuditEventType("UNKNOWN"), SeverityInfo},
	}

	for _, tt := range tests {
		if got := tt.event.DefaultSeverity(); got != tt.expected {
			t.Errorf("%s: expected %s, got %s", tt.event, tt.expected, got)
		}
	}
}

func TestAuditLogEntry_CanonicalIsDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.FixedZone("EST", -5*3600))
	a := &AuditLogEntry{
		ID:        "e1",
		Timestamp: ts,
		EventType: AuditLoginSuccess,
		Severity:  SeverityInfo,
		Success:   true,
		Details:   AuditDetails{"b": "2", "a": "1"},
		Hash:      "ignored",
		PrevHash:  "ignored-too",
	}
	b := &AuditLogEntry{
		ID:        "e1",
		Timestamp: ts.UTC(),
		EventType: AuditLoginSuccess,
		Severity:  SeverityInfo,
		Success:   true,
		Details:   AuditDetails{"a": "1", "b": "2"},
	}

	ca, err := a.Canonical()
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	cb, err := b.Canonical()
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ:\n%s\n%s", ca, cb)
	}
}

func TestAuditLogEntry_CanonicalChangesWithContent(t *testing.T) {
	base := &AuditLogEntry{ID: "e1", EventType: AuditLogout, Severity: SeverityInfo}
	changed := &AuditLogEntry{ID: "e1", EventType: AuditLogout, Severity: SeverityInfo, Success: true}

	ca, _ := base.Canonical()
	cb, _ := changed.Canonical()
	if string(ca) == string(cb) {
		t.Error("expected canonical form to change when a field changes")
	}
}
