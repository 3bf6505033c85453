package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/dealergate/internal/encryption"
	"github.com/BradenHooton/dealergate/internal/models"
	pkgauth "github.com/BradenHooton/dealergate/pkg/auth"
	pkglogger "github.com/BradenHooton/dealergate/pkg/logger"
)

type RegisterInput struct {
	Email    string
	Password string
	Profile  models.Profile
}

// Register creates an account and emails a verification link. The
// response carries the masked phone only.
func (s *AuthService) Register(ctx context.Context, in RegisterInput, rc models.RequestContext) (*models.UserResponse, error) {
	email := normalizeEmail(in.Email)

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, models.ErrDuplicateIdentity
	} else if !errors.Is(err, models.ErrNotFound) {
		s.logger.ErrorContext(ctx, "failed to check existing user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := pkgauth.ValidatePasswordFor(in.Password, email); err != nil {
		return nil, err
	}

	role := in.Profile.Role
	switch role {
	case "":
		role = models.RoleUser
	case models.RoleUser, models.RoleManager, models.RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", models.ErrBadRequest, role)
	}

	hash, err := s.enc.Hash(in.Password)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	user := &models.User{
		Email:             email,
		PasswordHash:      hash,
		FirstName:         in.Profile.FirstName,
		LastName:          in.Profile.LastName,
		Role:              role,
		DealershipID:      in.Profile.DealershipID,
		Active:            true,
		PasswordChangedAt: s.now().UTC(),
	}

	if phone := normalizePhone(in.Profile.Phone); phone != "" {
		field, err := s.enc.EncryptFinancial(phoneField, phone, encryption.KindPhone)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to encrypt phone", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		user.Phone = field
		user.PhoneSearchHash = s.enc.SearchHash(phoneField, phone)
	}

	created, err := s.users.Create(ctx, user)
	if errors.Is(err, models.ErrConflict) {
		return nil, models.ErrDuplicateIdentity
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.sendVerification(ctx, created); err != nil {
		// the account exists; the user can request another link
		s.logger.WarnContext(ctx, "failed to send verification email",
			slog.String("user_id", created.ID), slog.Any("error", err))
	}

	s.logger.InfoContext(ctx, "user registered",
		slog.String("user_id", created.ID),
		slog.String("email", pkglogger.SanitizedEmail(created.Email)))
	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditUserCreated,
		Actor:     models.AuditActor{UserID: created.ID, Email: created.Email, Role: created.Role},
		Network:   s.network(rc, ""),
		Resource:  models.AuditResource{Type: "user", ID: created.ID},
		Success:   true,
	})
	return created.ToResponse(), nil
}

func (s *AuthService) sendVerification(ctx context.Context, user *models.User) error {
	raw, expiresAt, err := s.newActionToken(ctx, user.ID, models.ActionEmailVerification, s.opts.Auth.EmailVerificationTTL)
	if err != nil {
		return err
	}
	link := s.opts.BaseURL + "/verify-email?token=" + raw
	return s.notifier.SendVerificationEmail(ctx, user.Email, link, expiresAt)
}

func (s *AuthService) newActionToken(ctx context.Context, userID, purpose string, ttl time.Duration) (string, time.Time, error) {
	raw, err := pkgauth.GenerateOpaqueToken()
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.now()
	token := &models.ActionToken{
		UserID:    userID,
		Purpose:   purpose,
		TokenHash: pkgauth.HashToken(raw),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.actions.Create(ctx, token); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to store %s token: %w", purpose, err)
	}
	return raw, token.ExpiresAt, nil
}

// VerifyEmail consumes a verification token.
func (s *AuthService) VerifyEmail(ctx context.Context, token string, rc models.RequestContext) error {
	at, err := s.actions.Consume(ctx, pkgauth.HashToken(token), models.ActionEmailVerification, s.now())
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrInvalidOrExpiredToken
	}
	if err != nil {
		return models.ErrInternalServer
	}

	if err := s.users.MarkEmailVerified(ctx, at.UserID); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark email verified",
			slog.String("user_id", at.UserID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditEmailVerified,
		Actor:     models.AuditActor{UserID: at.UserID},
		Network:   s.network(rc, ""),
		Success:   true,
	})
	return nil
}

// ChangePassword replaces the password of an authenticated user and ends
// all of their sessions.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string, rc models.RequestContext) error {
	start := time.Now()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		return models.ErrInternalServer
	}

	if !s.enc.VerifyHash(current, user.PasswordHash) {
		s.audit.Log(ctx, models.AuditLogEntry{
			EventType: models.AuditPasswordChanged,
			Severity:  models.SeverityWarning,
			Actor:     models.AuditActor{UserID: user.ID, Email: user.Email, Role: user.Role},
			Network:   s.network(rc, ""),
			Success:   false,
			Details:   models.AuditDetails{"reason": "incorrect_current_password"},
		})
		s.timing.WaitFrom(ctx, start)
		return models.ErrIncorrectPassword
	}

	if s.opts.Password.MinAge > 0 && s.now().Sub(user.PasswordChangedAt) < s.opts.Password.MinAge {
		return models.ErrPasswordTooRecent
	}

	newHash, err := s.checkNewPassword(ctx, user, next)
	if err != nil {
		return err
	}
	if err := s.writePassword(ctx, user, newHash); err != nil {
		return err
	}

	s.revokeCredentials(ctx, user.ID, models.RevokeReasonPasswordChange)

	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditPasswordChanged,
		Actor:     models.AuditActor{UserID: user.ID, Email: user.Email, Role: user.Role},
		Network:   s.network(rc, ""),
		Success:   true,
	})
	return nil
}

// RequestPasswordReset emails a reset link when the address belongs to an
// active account. The response is the same either way.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string, rc models.RequestContext) error {
	start := time.Now()
	defer s.timing.WaitFrom(ctx, start)

	email = normalizeEmail(email)
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.ErrorContext(ctx, "failed to look up user for reset", slog.Any("error", err))
		}
		return nil
	}
	if !user.Active {
		return nil
	}

	if err := s.actions.InvalidateForUser(ctx, user.ID, models.ActionPasswordReset, s.now()); err != nil {
		s.logger.WarnContext(ctx, "failed to invalidate previous reset tokens",
			slog.String("user_id", user.ID), slog.Any("error", err))
	}

	raw, expiresAt, err := s.newActionToken(ctx, user.ID, models.ActionPasswordReset, s.opts.Auth.PasswordResetTTL)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create reset token", slog.Any("error", err))
		return nil
	}
	link := s.opts.BaseURL + "/reset-password?token=" + raw
	if err := s.notifier.SendPasswordResetEmail(ctx, user.Email, link, expiresAt); err != nil {
		s.logger.ErrorContext(ctx, "failed to send reset email",
			slog.String("user_id", user.ID), slog.Any("error", err))
	}

	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditPasswordResetRequested,
		Actor:     models.AuditActor{UserID: user.ID, Email: user.Email},
		Network:   s.network(rc, ""),
		Success:   true,
	})
	return nil
}

// ResetPassword sets a new password from a reset token. The token is only
// consumed once the new password passes policy.
func (s *AuthService) ResetPassword(ctx context.Context, token, next string, rc models.RequestContext) error {
	tokenHash := pkgauth.HashToken(token)

	at, err := s.actions.Lookup(ctx, tokenHash, models.ActionPasswordReset, s.now())
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrInvalidOrExpiredToken
	}
	if err != nil {
		return models.ErrInternalServer
	}

	user, err := s.users.GetByID(ctx, at.UserID)
	if err != nil {
		return models.ErrInvalidOrExpiredToken
	}

	newHash, err := s.checkNewPassword(ctx, user, next)
	if err != nil {
		return err
	}

	if _, err := s.actions.Consume(ctx, tokenHash, models.ActionPasswordReset, s.now()); err != nil {
		// lost the race to a concurrent reset
		return models.ErrInvalidOrExpiredToken
	}
	if err := s.writePassword(ctx, user, newHash); err != nil {
		return err
	}

	s.revokeCredentials(ctx, user.ID, models.RevokeReasonPasswordChange)
	if err := s.lockout.Unlock(ctx, user.Email); err != nil {
		s.logger.WarnContext(ctx, "failed to clear lockout after reset",
			slog.String("user_id", user.ID), slog.Any("error", err))
	}

	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditPasswordResetCompleted,
		Actor:     models.AuditActor{UserID: user.ID, Email: user.Email},
		Network:   s.network(rc, ""),
		Success:   true,
	})
	return nil
}

// checkNewPassword applies the policy and the history rule and returns the
// verifier for next.
func (s *AuthService) checkNewPassword(ctx context.Context, user *models.User, next string) (string, error) {
	if err := pkgauth.ValidatePasswordFor(next, user.Email); err != nil {
		return "", err
	}

	if s.enc.VerifyHash(next, user.PasswordHash) {
		return "", models.ErrPasswordReused
	}
	history, err := s.users.GetPasswordHistory(ctx, user.ID, s.opts.Password.HistorySize)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load password history",
			slog.String("user_id", user.ID), slog.Any("error", err))
		return "", models.ErrInternalServer
	}
	for _, h := range history {
		if s.enc.VerifyHash(next, h.PasswordHash) {
			return "", models.ErrPasswordReused
		}
	}

	hash, err := s.enc.Hash(next)
	if err != nil {
		return "", models.ErrInternalServer
	}
	return hash, nil
}

func (s *AuthService) writePassword(ctx context.Context, user *models.User, newHash string) error {
	historyLimit := s.opts.Password.HistorySize
	if historyLimit < 1 {
		historyLimit = 1
	}
	err := s.users.UpdatePassword(ctx, user.ID, user.PasswordHash, newHash, s.now().UTC(), historyLimit)
	if errors.Is(err, models.ErrConcurrentUpdate) {
		return err
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to update password",
			slog.String("user_id", user.ID), slog.Any("error", err))
		return models.ErrInternalServer
	}
	return nil
}

func (s *AuthService) revokeCredentials(ctx context.Context, userID, reason string) {
	if _, err := s.sessions.InvalidateAll(ctx, userID, reason); err != nil {
		s.logger.ErrorContext(ctx, "failed to end sessions",
			slog.String("user_id", userID), slog.String("reason", reason), slog.Any("error", err))
	}
	if err := s.twoFactor.ForgetDevices(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "failed to forget trusted devices",
			slog.String("user_id", userID), slog.Any("error", err))
	}
}

// UnlockAccount clears lockout state for a user. Admin only.
func (s *AuthService) UnlockAccount(ctx context.Context, actor *models.TokenClaims, userID string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.lockout.Unlock(ctx, user.Email); err != nil {
		return err
	}

	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditAccountUnlocked,
		Actor:     models.AuditActor{UserID: actor.UserID, Email: actor.Email, Role: actor.Role},
		Resource:  models.AuditResource{Type: "user", ID: user.ID},
		Success:   true,
	})
	return nil
}

// SetUserActive activates or deactivates a user. Deactivation ends all of
// the user's sessions.
func (s *AuthService) SetUserActive(ctx context.Context, actor *models.TokenClaims, userID string, active bool) error {
	if err := s.users.SetActive(ctx, userID, active); err != nil {
		return err
	}

	event := models.AuditAccountReactivated
	if !active {
		event = models.AuditAccountDeactivated
		s.revokeCredentials(ctx, userID, models.RevokeReasonDeactivated)
	}

	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: event,
		Actor:     models.AuditActor{UserID: actor.UserID, Email: actor.Email, Role: actor.Role},
		Resource:  models.AuditResource{Type: "user", ID: userID},
		Success:   true,
	})
	return nil
}

// LockoutStatus reports the throttle state for a user. Admin only.
func (s *AuthService) LockoutStatus(ctx context.Context, userID string) (models.LockoutRecord, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return models.LockoutRecord{}, err
	}
	return s.lockout.Status(ctx, user.Email)
}

// DisableTwoFactor removes every second factor after re-checking the
// password.
func (s *AuthService) DisableTwoFactor(ctx context.Context, userID, password string, rc models.RequestContext) error {
	start := time.Now()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !s.enc.VerifyHash(password, user.PasswordHash) {
		s.timing.WaitFrom(ctx, start)
		return models.ErrIncorrectPassword
	}
	return s.twoFactor.Disable(models.WithRequestContext(ctx, rc), user.ID)
}
