package models

import "time"

type Session struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	IPAddress         string    `json:"ip_address"`
	UserAgent         string    `json:"user_agent"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivity      time.Time `json:"last_activity"`
	TwoFactorVerified bool      `json:"two_factor_verified"`
	DeviceTrusted     bool      `json:"device_trusted"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
}

// IsUsable reports whether neither the hard nor the idle timeout has passed.
func (s *Session) IsUsable(now time.Time, timeout, idle time.Duration) bool {
	return now.Before(s.CreatedAt.Add(timeout)) && now.Before(s.LastActivity.Add(idle))
}
