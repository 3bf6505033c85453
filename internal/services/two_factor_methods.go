package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/BradenHooton/dealergate/internal/encryption"
	"github.com/BradenHooton/dealergate/internal/models"
)

const (
	totpSecretField   = "totp_secret"
	backupCodePurpose = "backup_code"
	otpCodePurpose    = "otp_code"
)

// TwoFactorVerifier checks a second factor for one method.
type TwoFactorVerifier interface {
	Method() models.TwoFactorMethod
	Verify(ctx context.Context, userID, code string) (bool, error)
}

// TOTPVerifier accepts each time step at most once per user.
type TOTPVerifier struct {
	repo  TwoFactorRepository
	store TwoFactorStore
	totp  *auth.TOTPManager
	enc   *encryption.Service
	now   func() time.Time
}

func NewTOTPVerifier(repo TwoFactorRepository, store TwoFactorStore, totp *auth.TOTPManager, enc *encryption.Service) *TOTPVerifier {
	return &TOTPVerifier{repo: repo, store: store, totp: totp, enc: enc, now: time.Now}
}

func (v *TOTPVerifier) Method() models.TwoFactorMethod { return models.TwoFactorTOTP }

func (v *TOTPVerifier) Verify(ctx context.Context, userID, code string) (bool, error) {
	e, err := v.repo.Get(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !e.TOTPConfirmed || e.TOTPSecret == "" {
		return false, nil
	}
	return v.verifySecret(ctx, userID, e.TOTPSecret, code)
}

// verifySecret matches code against an encrypted secret and burns the step.
func (v *TOTPVerifier) verifySecret(ctx context.Context, userID, ciphertext, code string) (bool, error) {
	secret, err := v.enc.DecryptString(totpSecretField, ciphertext)
	if err != nil {
		return false, fmt.Errorf("failed to decrypt totp secret: %w", err)
	}

	counter, ok, err := v.totp.Match(secret, strings.TrimSpace(code), v.now())
	if err != nil || !ok {
		return false, err
	}

	fresh, err := v.store.AdvanceTOTPCounter(ctx, userID, counter, v.totp.ReplayWindow())
	if err != nil {
		return false, err
	}
	return fresh, nil
}

// codeVerifier checks single-use codes delivered out of band.
type codeVerifier struct {
	method models.TwoFactorMethod
	store  TwoFactorStore
	enc    *encryption.Service
}

func (v *codeVerifier) Method() models.TwoFactorMethod { return v.method }

func (v *codeVerifier) Verify(ctx context.Context, userID, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}
	return v.store.ConsumeCode(ctx, userID, v.method, v.enc.KeyedHash(otpCodePurpose, code))
}

type SMSVerifier struct{ codeVerifier }

func NewSMSVerifier(store TwoFactorStore, enc *encryption.Service) *SMSVerifier {
	return &SMSVerifier{codeVerifier{method: models.TwoFactorSMS, store: store, enc: enc}}
}

type EmailVerifier struct{ codeVerifier }

func NewEmailVerifier(store TwoFactorStore, enc *encryption.Service) *EmailVerifier {
	return &EmailVerifier{codeVerifier{method: models.TwoFactorEmail, store: store, enc: enc}}
}

// BackupCodeVerifier removes a matching code atomically, so each code
// verifies at most once.
type BackupCodeVerifier struct {
	repo TwoFactorRepository
	enc  *encryption.Service
}

func NewBackupCodeVerifier(repo TwoFactorRepository, enc *encryption.Service) *BackupCodeVerifier {
	return &BackupCodeVerifier{repo: repo, enc: enc}
}

func (v *BackupCodeVerifier) Method() models.TwoFactorMethod { return models.TwoFactorBackup }

func (v *BackupCodeVerifier) Verify(ctx context.Context, userID, code string) (bool, error) {
	normalized := normalizeBackupCode(code)
	if normalized == "" {
		return false, nil
	}
	return v.repo.ConsumeBackupCode(ctx, userID, v.enc.KeyedHash(backupCodePurpose, normalized))
}

func normalizeBackupCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

func hashBackupCodes(enc *encryption.Service, codes []string) []string {
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = enc.KeyedHash(backupCodePurpose, normalizeBackupCode(c))
	}
	return hashes
}
