package models

import (
	"encoding/json"
	"time"
)

type AuditEventType string

// Audit event types. This set is closed; Log rejects anything else.
const (
	AuditLoginSuccess           AuditEventType = "LOGIN_SUCCESS"
	AuditLoginFailure           AuditEventType = "LOGIN_FAILURE"
	AuditLogout                 AuditEventType = "LOGOUT"
	AuditLogoutAll              AuditEventType = "LOGOUT_ALL"
	AuditTokenRefreshed         AuditEventType = "TOKEN_REFRESHED"
	AuditUserCreated            AuditEventType = "USER_CREATED"
	AuditEmailVerified          AuditEventType = "EMAIL_VERIFIED"
	AuditPasswordChanged        AuditEventType = "PASSWORD_CHANGED"
	AuditPasswordResetRequested AuditEventType = "PASSWORD_RESET_REQUESTED"
	AuditPasswordResetCompleted AuditEventType = "PASSWORD_RESET_COMPLETED"
	AuditAccountLocked          AuditEventType = "ACCOUNT_LOCKED"
	AuditAccountUnlocked        AuditEventType = "ACCOUNT_UNLOCKED"
	AuditAccountDeactivated     AuditEventType = "ACCOUNT_DEACTIVATED"
	AuditAccountReactivated     AuditEventType = "ACCOUNT_REACTIVATED"
	AuditTwoFactorEnabled       AuditEventType = "TWO_FACTOR_ENABLED"
	AuditTwoFactorDisabled      AuditEventType = "TWO_FACTOR_DISABLED"
	AuditTwoFactorVerified      AuditEventType = "TWO_FACTOR_VERIFIED"
	AuditTwoFactorFailed        AuditEventType = "TWO_FACTOR_FAILED"
	AuditTrustedDeviceAdded     AuditEventType = "TRUSTED_DEVICE_ADDED"
	AuditSessionCreated         AuditEventType = "SESSION_CREATED"
	AuditSessionExpired         AuditEventType = "SESSION_EXPIRED"
	AuditSessionEvicted         AuditEventType = "SESSION_EVICTED"
	AuditPIIAccessed            AuditEventType = "PII_ACCESSED"
	AuditFileUploaded           AuditEventType = "FILE_UPLOADED"
	AuditSecurityAlert          AuditEventType = "SECURITY_ALERT"
	AuditSuspiciousActivity     AuditEventType = "SUSPICIOUS_ACTIVITY"
	AuditAccessDenied           AuditEventType = "ACCESS_DENIED"
	AuditRateLimitExceeded      AuditEventType = "RATE_LIMIT_EXCEEDED"
	AuditMalwareDetected        AuditEventType = "MALWARE_DETECTED"
	AuditIntegrityCheckFailed   AuditEventType = "INTEGRITY_CHECK_FAILED"
)

type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityError    AuditSeverity = "error"
	SeverityCritical AuditSeverity = "critical"
)

var defaultSeverity = map[AuditEventType]AuditSeverity{
	AuditLoginSuccess:           SeverityInfo,
	AuditLoginFailure:           SeverityWarning,
	AuditLogout:                 SeverityInfo,
	AuditLogoutAll:              SeverityInfo,
	AuditTokenRefreshed:         SeverityInfo,
	AuditUserCreated:            SeverityInfo,
	AuditEmailVerified:          SeverityInfo,
	AuditPasswordChanged:        SeverityInfo,
	AuditPasswordResetRequested: SeverityInfo,
	AuditPasswordResetCompleted: SeverityInfo,
	AuditAccountLocked:          SeverityWarning,
	AuditAccountUnlocked:        SeverityInfo,
	AuditAccountDeactivated:     SeverityWarning,
	AuditAccountReactivated:     SeverityInfo,
	AuditTwoFactorEnabled:       SeverityInfo,
	AuditTwoFactorDisabled:      SeverityWarning,
	AuditTwoFactorVerified:      SeverityInfo,
	AuditTwoFactorFailed:        SeverityWarning,
	AuditTrustedDeviceAdded:     SeverityInfo,
	AuditSessionCreated:         SeverityInfo,
	AuditSessionExpired:         SeverityInfo,
	AuditSessionEvicted:         SeverityInfo,
	AuditPIIAccessed:            SeverityInfo,
	AuditFileUploaded:           SeverityInfo,
	AuditSecurityAlert:          SeverityCritical,
	AuditSuspiciousActivity:     SeverityWarning,
	AuditAccessDenied:           SeverityWarning,
	AuditRateLimitExceeded:      SeverityWarning,
	AuditMalwareDetected:        SeverityCritical,
	AuditIntegrityCheckFailed:   SeverityCritical,
}

func (t AuditEventType) IsValid() bool {
	_, ok := defaultSeverity[t]
	return ok
}

// DefaultSeverity returns the severity used when an entry does not set one.
func (t AuditEventType) DefaultSeverity() AuditSeverity {
	if s, ok := defaultSeverity[t]; ok {
		return s
	}
	return SeverityInfo
}

func (s AuditSeverity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

type AuditActor struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

type AuditNetwork struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
}

type AuditResource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// AuditDetails holds free-form event context. Values are masked before the
// entry is hashed.
type AuditDetails map[string]any

// AuditLogEntry is one link of the tamper-evident chain.
type AuditLogEntry struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Severity  AuditSeverity  `json:"severity"`
	Actor     AuditActor     `json:"actor"`
	Network   AuditNetwork   `json:"network"`
	Resource  AuditResource  `json:"resource"`
	Success   bool           `json:"success"`
	Details   AuditDetails   `json:"details"`
	Hash      string         `json:"hash"`
	PrevHash  string         `json:"prev_hash"`
}

// canonicalEntry fixes field order and excludes Seq, Hash and PrevHash.
type canonicalEntry struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Severity  AuditSeverity  `json:"severity"`
	Actor     AuditActor     `json:"actor"`
	Network   AuditNetwork   `json:"network"`
	Resource  AuditResource  `json:"resource"`
	Success   bool           `json:"success"`
	Details   AuditDetails   `json:"details"`
}

// Canonical returns the deterministic serialization that is hashed into the
// chain. Map keys are emitted in sorted order by encoding/json.
func (e *AuditLogEntry) Canonical() ([]byte, error) {
	details := e.Details
	if details == nil {
		details = AuditDetails{}
	}
	return json.Marshal(canonicalEntry{
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		EventType: e.EventType,
		Severity:  e.Severity,
		Actor:     e.Actor,
		Network:   e.Network,
		Resource:  e.Resource,
		Success:   e.Success,
		Details:   details,
	})
}

// Integrity mismatch kinds
const (
	IntegrityHashMismatch = "hash_mismatch"
	IntegrityLinkMismatch = "link_mismatch"
)

type IntegrityMismatch struct {
	EntryID  string `json:"entry_id"`
	Seq      int64  `json:"seq"`
	Kind     string `json:"kind"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// IntegrityReport is the result of walking a range of the chain. Every entry
// at or after the first break is listed in Untrusted.
type IntegrityReport struct {
	From       time.Time           `json:"from"`
	To         time.Time           `json:"to"`
	Checked    int                 `json:"checked"`
	Valid      bool                `json:"valid"`
	Mismatches []IntegrityMismatch `json:"mismatches"`
	BrokenAt   string              `json:"broken_at,omitempty"`
	Untrusted  []string            `json:"untrusted,omitempty"`
}

// AuditFilter narrows a trail query.
type AuditFilter struct {
	UserID    string
	EventType AuditEventType
	Limit     int
	Offset    int
}
