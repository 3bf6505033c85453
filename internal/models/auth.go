package models

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
)

const TokenTypeAccess = "access"

type TokenClaims struct {
	Type         string `json:"type"`
	UserID       string `json:"user_id"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role,omitempty"`
	DealershipID string `json:"dealership_id,omitempty"`
	SessionID    string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Refresh token revocation reasons
const (
	RevokeReasonLogout         = "logout"
	RevokeReasonLogoutAll      = "logout_all"
	RevokeReasonRotated        = "rotated"
	RevokeReasonSessionEvicted = "session_evicted"
	RevokeReasonPasswordChange = "password_change"
	RevokeReasonReuseDetected  = "reuse_detected"
	RevokeReasonDeactivated    = "account_deactivated"
)

// RefreshToken is the durable record of an issued refresh token. Only the
// SHA-256 of the opaque value is stored.
type RefreshToken struct {
	ID            string
	TokenHash     string
	UserID        string
	SessionID     string
	DeviceID      string
	DeviceType    string
	IPAddress     string
	UserAgent     string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Revoked       bool
	RevokedReason string
	RevokedAt     *time.Time
	ReplacedBy    string
}

func (t *RefreshToken) IsUsable(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// Action token purposes
const (
	ActionEmailVerification = "email_verification"
	ActionPasswordReset     = "password_reset"
)

// ActionToken is a single-use, expiring token for out-of-band flows.
type ActionToken struct {
	ID        string
	UserID    string
	Purpose   string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// RequestContext carries network metadata for a request through the
// services into sessions, tokens and audit entries.
type RequestContext struct {
	IPAddress         string
	UserAgent         string
	RequestID         string
	DeviceID          string
	DeviceType        string
	DeviceFingerprint string
}

// MaxRequestValue bounds every client-supplied RequestContext field.
const MaxRequestValue = 256

// Sanitized returns rc with every field passed through CleanText.
func (rc RequestContext) Sanitized() RequestContext {
	return RequestContext{
		IPAddress:         CleanText(rc.IPAddress, MaxRequestValue),
		UserAgent:         CleanText(rc.UserAgent, MaxRequestValue),
		RequestID:         CleanText(rc.RequestID, MaxRequestValue),
		DeviceID:          CleanText(rc.DeviceID, MaxRequestValue),
		DeviceType:        CleanText(rc.DeviceType, MaxRequestValue),
		DeviceFingerprint: CleanText(rc.DeviceFingerprint, MaxRequestValue),
	}
}

// CleanText drops invalid UTF-8 and NUL bytes, then shortens s to at most
// limit bytes without splitting a rune. A limit of zero or less disables
// the length bound.
func CleanText(s string, limit int) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "\x00", "")
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

type LoginResult struct {
	RequiresTwoFactor bool              `json:"requires_two_factor"`
	PreAuthToken      string            `json:"pre_auth_token,omitempty"`
	Methods           []TwoFactorMethod `json:"methods,omitempty"`
	Tokens            *TokenPair        `json:"tokens,omitempty"`
	User              *UserResponse     `json:"user,omitempty"`
	SessionID         string            `json:"session_id,omitempty"`
}

type requestContextKey struct{}

// WithRequestContext stores request metadata on ctx.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the metadata stored by WithRequestContext.
func RequestContextFrom(ctx context.Context) RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(RequestContext)
	return rc
}
