package models

import "time"

type TwoFactorMethod string

const (
	TwoFactorTOTP   TwoFactorMethod = "totp"
	TwoFactorSMS    TwoFactorMethod = "sms"
	TwoFactorEmail  TwoFactorMethod = "email"
	TwoFactorBackup TwoFactorMethod = "backup_code"
)

func (m TwoFactorMethod) IsValid() bool {
	switch m {
	case TwoFactorTOTP, TwoFactorSMS, TwoFactorEmail, TwoFactorBackup:
		return true
	}
	return false
}

// TwoFactorEnrollment is a user's durable 2FA configuration. TOTPSecret is
// ciphertext; backup codes are stored as keyed one-way hashes.
type TwoFactorEnrollment struct {
	UserID           string
	Methods          []TwoFactorMethod
	TOTPSecret       string
	TOTPConfirmed    bool
	BackupCodeHashes []string
	EnabledAt        *time.Time
	UpdatedAt        time.Time
}

func (e *TwoFactorEnrollment) Enabled() bool {
	return len(e.Methods) > 0
}

func (e *TwoFactorEnrollment) HasMethod(m TwoFactorMethod) bool {
	if m == TwoFactorBackup {
		return e.Enabled() && len(e.BackupCodeHashes) > 0
	}
	for _, have := range e.Methods {
		if have == m {
			return true
		}
	}
	return false
}

// TOTPEnrollment is returned once, at enrollment time.
type TOTPEnrollment struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	QRCode          string   `json:"qr_code"`
	BackupCodes     []string `json:"backup_codes"`
}

// PreAuthState is held in the cache between password and second-factor
// verification.
type PreAuthState struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}
