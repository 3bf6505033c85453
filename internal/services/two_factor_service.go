package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/BradenHooton/dealergate/internal/config"
	"github.com/BradenHooton/dealergate/internal/encryption"
	"github.com/BradenHooton/dealergate/internal/models"
	pkgauth "github.com/BradenHooton/dealergate/pkg/auth"
)

// TwoFactorRepository is the durable enrollment storage.
type TwoFactorRepository interface {
	Get(ctx context.Context, userID string) (*models.TwoFactorEnrollment, error)
	Upsert(ctx context.Context, e *models.TwoFactorEnrollment) error
	ConsumeBackupCode(ctx context.Context, userID, codeHash string) (bool, error)
	ReplaceBackupCodes(ctx context.Context, userID string, hashes []string, at time.Time) error
	Delete(ctx context.Context, userID string) error
}

// TwoFactorStore holds short-lived second-factor state.
type TwoFactorStore interface {
	SaveCode(ctx context.Context, userID string, method models.TwoFactorMethod, codeHash string, ttl time.Duration) error
	ConsumeCode(ctx context.Context, userID string, method models.TwoFactorMethod, codeHash string) (bool, error)
	AdvanceTOTPCounter(ctx context.Context, userID string, counter uint64, ttl time.Duration) (bool, error)
	SavePreAuth(ctx context.Context, tokenHash string, state *models.PreAuthState, ttl time.Duration) error
	GetPreAuth(ctx context.Context, tokenHash string) (*models.PreAuthState, error)
	IncrPreAuthAttempts(ctx context.Context, tokenHash string, ttl time.Duration) (int, error)
	ConsumePreAuth(ctx context.Context, tokenHash string) (bool, error)
	TrustDevice(ctx context.Context, userID, fingerprint string, until time.Time, ttl time.Duration) error
	TrustedUntil(ctx context.Context, userID, fingerprint string) (time.Time, error)
	ForgetDevices(ctx context.Context, userID string) error
}

const (
	devicePurpose = "device_fingerprint"
	phoneField    = "phone"
)

// TwoFactorService manages enrollment, challenges, verification and
// trusted devices. Verification dispatches to one verifier per method.
type TwoFactorService struct {
	repo      TwoFactorRepository
	store     TwoFactorStore
	users     UserRepository
	enc       *encryption.Service
	totp      *auth.TOTPManager
	notifier  Notifier
	audit     Auditor
	cfg       config.TwoFactorConfig
	logger    *slog.Logger
	now       func() time.Time
	verifiers map[models.TwoFactorMethod]TwoFactorVerifier
	totpCheck *TOTPVerifier
}

func NewTwoFactorService(
	repo TwoFactorRepository,
	store TwoFactorStore,
	users UserRepository,
	enc *encryption.Service,
	notifier Notifier,
	audit Auditor,
	cfg config.TwoFactorConfig,
	logger *slog.Logger,
) *TwoFactorService {
	totp := auth.NewTOTPManager(cfg.Issuer, cfg.Skew)
	totpVerifier := NewTOTPVerifier(repo, store, totp, enc)

	s := &TwoFactorService{
		repo:      repo,
		store:     store,
		users:     users,
		enc:       enc,
		totp:      totp,
		notifier:  notifier,
		audit:     audit,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		verifiers: map[models.TwoFactorMethod]TwoFactorVerifier{},
		totpCheck: totpVerifier,
	}
	s.Register(totpVerifier)
	s.Register(NewSMSVerifier(store, enc))
	s.Register(NewEmailVerifier(store, enc))
	s.Register(NewBackupCodeVerifier(repo, enc))
	return s
}

// Register installs or replaces the verifier for its method.
func (s *TwoFactorService) Register(v TwoFactorVerifier) {
	s.verifiers[v.Method()] = v
}

func (s *TwoFactorService) enrollment(ctx context.Context, userID string) (*models.TwoFactorEnrollment, error) {
	e, err := s.repo.Get(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return &models.TwoFactorEnrollment{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load two-factor enrollment: %w", err)
	}
	return e, nil
}

// EnrollTOTP issues a new unconfirmed secret plus fresh backup codes. The
// secret and codes are only ever returned here.
func (s *TwoFactorService) EnrollTOTP(ctx context.Context, userID, accountName string) (*models.TOTPEnrollment, error) {
	e, err := s.enrollment(ctx, userID)
	if err != nil {
		return nil, err
	}
	if e.HasMethod(models.TwoFactorTOTP) {
		return nil, models.ErrTwoFactorAlreadyActive
	}

	key, err := s.totp.Generate(accountName)
	if err != nil {
		return nil, err
	}
	ciphertext, err := s.enc.EncryptString(totpSecretField, key.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt totp secret: %w", err)
	}
	codes, err := auth.GenerateBackupCodes(s.cfg.BackupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("failed to generate backup codes: %w", err)
	}

	e.TOTPSecret = ciphertext
	e.TOTPConfirmed = false
	e.BackupCodeHashes = hashBackupCodes(s.enc, codes)
	e.UpdatedAt = s.now()
	if err := s.repo.Upsert(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to save two-factor enrollment: %w", err)
	}

	return &models.TOTPEnrollment{
		Secret:          key.Secret,
		ProvisioningURI: key.ProvisioningURI,
		QRCode:          key.QRCode,
		BackupCodes:     codes,
	}, nil
}

// ConfirmTOTP activates a pending TOTP enrollment once the user proves the
// authenticator produces valid codes.
func (s *TwoFactorService) ConfirmTOTP(ctx context.Context, userID, code string) error {
	e, err := s.enrollment(ctx, userID)
	if err != nil {
		return err
	}
	if e.TOTPSecret == "" {
		return models.ErrTwoFactorNotEnrolled
	}
	if e.TOTPConfirmed {
		return models.ErrTwoFactorAlreadyActive
	}

	ok, err := s.totpCheck.verifySecret(ctx, userID, e.TOTPSecret, code)
	if err != nil {
		return err
	}
	if !ok {
		s.logFailure(ctx, userID, models.TwoFactorTOTP, "enrollment_confirmation")
		return models.ErrTwoFactorInvalidCode
	}

	e.TOTPConfirmed = true
	s.activate(e, models.TwoFactorTOTP)
	if err := s.repo.Upsert(ctx, e); err != nil {
		return fmt.Errorf("failed to save two-factor enrollment: %w", err)
	}

	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditTwoFactorEnabled,
		Actor:     models.AuditActor{UserID: userID},
		Success:   true,
		Details:   models.AuditDetails{"method": string(models.TwoFactorTOTP)},
	})
	return nil
}

// EnableMethod turns on SMS or email codes. Backup codes are returned only
// when the user had none.
func (s *TwoFactorService) EnableMethod(ctx context.Context, userID string, method models.TwoFactorMethod) ([]string, error) {
	if method != models.TwoFactorSMS && method != models.TwoFactorEmail {
		return nil, models.ErrTwoFactorUnsupported
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if method == models.TwoFactorSMS && user.Phone == nil {
		return nil, fmt.Errorf("%w: a phone number is required for sms codes", models.ErrBadRequest)
	}

	e, err := s.enrollment(ctx, userID)
	if err != nil {
		return nil, err
	}
	if e.HasMethod(method) {
		return nil, models.ErrTwoFactorAlreadyActive
	}

	var codes []string
	if len(e.BackupCodeHashes) == 0 {
		codes, err = auth.GenerateBackupCodes(s.cfg.BackupCodeCount)
		if err != nil {
			return nil, fmt.Errorf("failed to generate backup codes: %w", err)
		}
		e.BackupCodeHashes = hashBackupCodes(s.enc, codes)
	}

	s.activate(e, method)
	if err := s.repo.Upsert(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to save two-factor enrollment: %w", err)
	}

	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditTwoFactorEnabled,
		Actor:     models.AuditActor{UserID: userID, Email: user.Email},
		Success:   true,
		Details:   models.AuditDetails{"method": string(method)},
	})
	return codes, nil
}

func (s *TwoFactorService) activate(e *models.TwoFactorEnrollment, method models.TwoFactorMethod) {
	now := s.now()
	if !slices.Contains(e.Methods, method) {
		e.Methods = append(e.Methods, method)
	}
	if e.EnabledAt == nil {
		e.EnabledAt = &now
	}
	e.UpdatedAt = now
}

// Disable removes every method, the backup codes and all trusted devices.
func (s *TwoFactorService) Disable(ctx context.Context, userID string) error {
	if err := s.repo.Delete(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete two-factor enrollment: %w", err)
	}
	if err := s.store.ForgetDevices(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "failed to forget trusted devices",
			slog.String("user_id", userID), slog.Any("error", err))
	}

	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditTwoFactorDisabled,
		Actor:     models.AuditActor{UserID: userID},
		Success:   true,
	})
	return nil
}

// RegenerateBackupCodes replaces every outstanding backup code.
func (s *TwoFactorService) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	e, err := s.enrollment(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !e.Enabled() {
		return nil, models.ErrTwoFactorNotEnrolled
	}

	codes, err := auth.GenerateBackupCodes(s.cfg.BackupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("failed to generate backup codes: %w", err)
	}
	if err := s.repo.ReplaceBackupCodes(ctx, userID, hashBackupCodes(s.enc, codes), s.now()); err != nil {
		return nil, fmt.Errorf("failed to replace backup codes: %w", err)
	}
	return codes, nil
}

// SendChallenge delivers a fresh single-use code for SMS or email. Sending
// replaces any code still outstanding for that method.
func (s *TwoFactorService) SendChallenge(ctx context.Context, userID string, method models.TwoFactorMethod) error {
	if method != models.TwoFactorSMS && method != models.TwoFactorEmail {
		return models.ErrTwoFactorUnsupported
	}

	e, err := s.enrollment(ctx, userID)
	if err != nil {
		return err
	}
	if !e.HasMethod(method) {
		return models.ErrTwoFactorNotEnrolled
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	destination := user.Email
	if method == models.TwoFactorSMS {
		if user.Phone == nil {
			return models.ErrTwoFactorNotEnrolled
		}
		destination, err = s.enc.DecryptString(phoneField, user.Phone.Ciphertext)
		if err != nil {
			return fmt.Errorf("failed to decrypt phone: %w", err)
		}
		s.audit.Log(ctx, models.AuditLogEntry{
			EventType: models.AuditPIIAccessed,
			Actor:     models.AuditActor{UserID: userID, Email: user.Email},
			Resource:  models.AuditResource{Type: "user", ID: userID},
			Success:   true,
			Details:   models.AuditDetails{"field": phoneField, "purpose": "sms_challenge"},
		})
	}

	code, err := pkgauth.GenerateNumericCode(6)
	if err != nil {
		return fmt.Errorf("failed to generate code: %w", err)
	}
	if err := s.store.SaveCode(ctx, userID, method, s.enc.KeyedHash(otpCodePurpose, code), s.cfg.CodeTTL); err != nil {
		return fmt.Errorf("failed to store code: %w", err)
	}

	return s.notifier.SendTwoFactorCode(ctx, method, destination, code)
}

// Verify checks code with the verifier registered for method.
func (s *TwoFactorService) Verify(ctx context.Context, userID string, method models.TwoFactorMethod, code string) (bool, error) {
	verifier, ok := s.verifiers[method]
	if !ok {
		return false, models.ErrTwoFactorUnsupported
	}

	e, err := s.enrollment(ctx, userID)
	if err != nil {
		return false, err
	}
	if !e.HasMethod(method) {
		return false, models.ErrTwoFactorNotEnrolled
	}

	valid, err := verifier.Verify(ctx, userID, code)
	if err != nil {
		return false, fmt.Errorf("failed to verify %s code: %w", method, err)
	}
	if !valid {
		s.logFailure(ctx, userID, method, "invalid_code")
		return false, nil
	}

	details := models.AuditDetails{"method": string(method)}
	if method == models.TwoFactorBackup {
		details["backup_codes_remaining"] = len(e.BackupCodeHashes) - 1
	}
	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditTwoFactorVerified,
		Actor:     models.AuditActor{UserID: userID},
		Success:   true,
		Details:   details,
	})
	return true, nil
}

func (s *TwoFactorService) logFailure(ctx context.Context, userID string, method models.TwoFactorMethod, reason string) {
	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditTwoFactorFailed,
		Actor:     models.AuditActor{UserID: userID},
		Success:   false,
		Details:   models.AuditDetails{"method": string(method), "reason": reason},
	})
}

// Methods lists the usable second factors, backup codes included.
func (s *TwoFactorService) Methods(ctx context.Context, userID string) ([]models.TwoFactorMethod, error) {
	e, err := s.enrollment(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !e.Enabled() {
		return nil, nil
	}
	methods := slices.Clone(e.Methods)
	if e.HasMethod(models.TwoFactorBackup) {
		methods = append(methods, models.TwoFactorBackup)
	}
	return methods, nil
}

// Required reports whether the user must pass a second factor.
func (s *TwoFactorService) Required(ctx context.Context, userID string) (bool, error) {
	e, err := s.enrollment(ctx, userID)
	if err != nil {
		return false, err
	}
	return e.Enabled(), nil
}

// TrustDevice lets fingerprint skip the second factor for the configured
// trust period.
func (s *TwoFactorService) TrustDevice(ctx context.Context, userID, fingerprint string) error {
	if fingerprint == "" {
		return fmt.Errorf("%w: device fingerprint required", models.ErrBadRequest)
	}
	until := s.now().Add(s.cfg.TrustedDeviceTTL)
	if err := s.store.TrustDevice(ctx, userID, s.deviceKey(fingerprint), until, s.cfg.TrustedDeviceTTL); err != nil {
		return err
	}

	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditTrustedDeviceAdded,
		Actor:     models.AuditActor{UserID: userID},
		Success:   true,
		Details:   models.AuditDetails{"trusted_until": until.UTC().Format(time.RFC3339)},
	})
	return nil
}

// IsDeviceTrusted never fails the caller: a lookup error is logged and the
// device is treated as untrusted.
func (s *TwoFactorService) IsDeviceTrusted(ctx context.Context, userID, fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	until, err := s.store.TrustedUntil(ctx, userID, s.deviceKey(fingerprint))
	if err != nil {
		s.logger.WarnContext(ctx, "trusted device lookup failed",
			slog.String("user_id", userID), slog.Any("error", err))
		return false
	}
	return s.now().Before(until)
}

func (s *TwoFactorService) ForgetDevices(ctx context.Context, userID string) error {
	return s.store.ForgetDevices(ctx, userID)
}

func (s *TwoFactorService) deviceKey(fingerprint string) string {
	return s.enc.KeyedHash(devicePurpose, fingerprint)
}

// IssuePreAuth stores pre-auth state for user and returns the opaque token.
// Only the token's hash is kept.
func (s *TwoFactorService) IssuePreAuth(ctx context.Context, user *models.User) (string, error) {
	token, err := pkgauth.GenerateOpaqueToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate pre-auth token: %w", err)
	}
	state := &models.PreAuthState{UserID: user.ID, Email: user.Email, CreatedAt: s.now()}
	if err := s.store.SavePreAuth(ctx, pkgauth.HashToken(token), state, s.cfg.PreAuthTTL); err != nil {
		return "", err
	}
	return token, nil
}

// LoadPreAuth returns models.ErrSessionExpired for unknown, expired or
// consumed tokens.
func (s *TwoFactorService) LoadPreAuth(ctx context.Context, token string) (*models.PreAuthState, error) {
	if token == "" {
		return nil, models.ErrSessionExpired
	}
	state, err := s.store.GetPreAuth(ctx, pkgauth.HashToken(token))
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// FailPreAuth counts a wrong code and burns the token once the attempt
// budget is spent. It reports whether the token is still usable.
func (s *TwoFactorService) FailPreAuth(ctx context.Context, token string) (bool, error) {
	hash := pkgauth.HashToken(token)
	attempts, err := s.store.IncrPreAuthAttempts(ctx, hash, s.cfg.PreAuthTTL)
	if err != nil {
		return false, err
	}
	if attempts < s.cfg.PreAuthAttempts {
		return true, nil
	}
	if _, err := s.store.ConsumePreAuth(ctx, hash); err != nil {
		return false, err
	}
	return false, nil
}

// ConsumePreAuth burns the token. Only one caller observes success.
func (s *TwoFactorService) ConsumePreAuth(ctx context.Context, token string) error {
	ok, err := s.store.ConsumePreAuth(ctx, pkgauth.HashToken(token))
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrSessionExpired
	}
	return nil
}
