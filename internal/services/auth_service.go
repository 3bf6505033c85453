package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/BradenHooton/dealergate/internal/config"
	"github.com/BradenHooton/dealergate/internal/encryption"
	"github.com/BradenHooton/dealergate/internal/models"
	pkgauth "github.com/BradenHooton/dealergate/pkg/auth"
	pkglogger "github.com/BradenHooton/dealergate/pkg/logger"
	"github.com/google/uuid"
)

// ActionTokenRepository stores single-use email and reset tokens.
type ActionTokenRepository interface {
	Create(ctx context.Context, token *models.ActionToken) error
	Lookup(ctx context.Context, tokenHash, purpose string, now time.Time) (*models.ActionToken, error)
	Consume(ctx context.Context, tokenHash, purpose string, now time.Time) (*models.ActionToken, error)
	InvalidateForUser(ctx context.Context, userID, purpose string, now time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AuthOptions is the policy slice of the configuration used by AuthService.
type AuthOptions struct {
	Auth     config.AuthConfig
	Password config.PasswordConfig
	BaseURL  string
}

// AuthService owns the credential lifecycle: registration, login with the
// optional second factor, token refresh, logout and password changes.
type AuthService struct {
	users     UserRepository
	tokens    RefreshTokenRepository
	actions   ActionTokenRepository
	sessions  *SessionService
	lockout   *LockoutService
	twoFactor *TwoFactorService
	enc       *encryption.Service
	tm        *auth.TokenManager
	timing    *auth.TimingDelay
	notifier  Notifier
	audit     Auditor
	opts      AuthOptions
	logger    *slog.Logger
	now       func() time.Time
	dummyHash string
}

// AuthDeps groups the collaborators of AuthService.
type AuthDeps struct {
	Users        UserRepository
	Tokens       RefreshTokenRepository
	Actions      ActionTokenRepository
	Sessions     *SessionService
	Lockout      *LockoutService
	TwoFactor    *TwoFactorService
	Enc          *encryption.Service
	TokenManager *auth.TokenManager
	Timing       *auth.TimingDelay
	Notifier     Notifier
	Audit        Auditor
	Logger       *slog.Logger
}

func NewAuthService(deps AuthDeps, opts AuthOptions) (*AuthService, error) {
	// Unknown emails are verified against this so both paths cost the same.
	dummy, err := deps.Enc.Hash(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy verifier: %w", err)
	}

	return &AuthService{
		users:     deps.Users,
		tokens:    deps.Tokens,
		actions:   deps.Actions,
		sessions:  deps.Sessions,
		lockout:   deps.Lockout,
		twoFactor: deps.TwoFactor,
		enc:       deps.Enc,
		tm:        deps.TokenManager,
		timing:    deps.Timing,
		notifier:  deps.Notifier,
		audit:     deps.Audit,
		opts:      opts,
		logger:    deps.Logger,
		now:       time.Now,
		dummyHash: dummy,
	}, nil
}

// Login verifies a password. It returns either a session with tokens, or a
// pre-auth token when a second factor is required.
func (s *AuthService) Login(ctx context.Context, email, password string, rc models.RequestContext) (*models.LoginResult, error) {
	email = normalizeEmail(email)

	decision, err := s.lockout.Check(ctx, email, rc.IPAddress)
	if err != nil {
		var lockErr *models.LockoutError
		if errors.As(err, &lockErr) {
			s.loginFailure(ctx, email, "", rc, "account_locked", nil)
		}
		return nil, err
	}
	if err := s.lockout.Wait(ctx, decision.Delay); err != nil {
		return nil, err
	}

	start := time.Now()

	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, models.ErrNotFound) {
		s.enc.VerifyHash(password, s.dummyHash)
		s.lockout.RecordIPFailure(ctx, rc.IPAddress)
		s.loginFailure(ctx, email, "", rc, "unknown_email", nil)
		s.timing.WaitFrom(ctx, start)
		return nil, models.ErrInvalidCredentials
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to get user by email", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if !s.enc.VerifyHash(password, user.PasswordHash) {
		after, lerr := s.lockout.RecordFailure(ctx, email, rc.IPAddress)
		if lerr != nil {
			s.logger.ErrorContext(ctx, "failed to record login failure", slog.Any("error", lerr))
		}
		s.loginFailure(ctx, email, user.ID, rc, "invalid_password", models.AuditDetails{
			"failures":      after.Failures,
			"lockout_state": string(after.State),
		})
		s.timing.WaitFrom(ctx, start)
		return nil, models.ErrInvalidCredentials
	}

	if !user.Active {
		s.loginFailure(ctx, email, user.ID, rc, "account_inactive", nil)
		return nil, models.ErrAccountInactive
	}

	if s.opts.Password.MaxAge > 0 && s.now().Sub(user.PasswordChangedAt) > s.opts.Password.MaxAge {
		s.loginFailure(ctx, email, user.ID, rc, "password_expired", nil)
		return nil, models.ErrPasswordExpired
	}

	return s.afterPassword(ctx, user, rc)
}

func (s *AuthService) afterPassword(ctx context.Context, user *models.User, rc models.RequestContext) (*models.LoginResult, error) {
	required, err := s.twoFactor.Required(ctx, user.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load two-factor enrollment",
			slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if !required {
		return s.establishSession(ctx, user, rc, false, false)
	}

	if s.twoFactor.IsDeviceTrusted(ctx, user.ID, rc.DeviceFingerprint) {
		return s.establishSession(ctx, user, rc, false, true)
	}

	token, err := s.twoFactor.IssuePreAuth(ctx, user)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to issue pre-auth token",
			slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	methods, err := s.twoFactor.Methods(ctx, user.ID)
	if err != nil {
		return nil, models.ErrInternalServer
	}

	return &models.LoginResult{
		RequiresTwoFactor: true,
		PreAuthToken:      token,
		Methods:           methods,
	}, nil
}

// SendLoginChallenge delivers an SMS or email code for a login waiting on
// its second factor.
func (s *AuthService) SendLoginChallenge(ctx context.Context, preAuthToken string, method models.TwoFactorMethod) error {
	state, err := s.twoFactor.LoadPreAuth(ctx, preAuthToken)
	if err != nil {
		if errors.Is(err, models.ErrSessionExpired) {
			return err
		}
		return models.ErrInternalServer
	}
	return s.twoFactor.SendChallenge(ctx, state.UserID, method)
}

// VerifyTwoFactor completes a login that stopped at the second factor.
// The pre-auth token is single use and burnt after too many wrong codes.
// Wrong codes count toward the same account lockout as wrong passwords.
func (s *AuthService) VerifyTwoFactor(ctx context.Context, preAuthToken, code string, method models.TwoFactorMethod, trustDevice bool, rc models.RequestContext) (*models.LoginResult, error) {
	state, err := s.twoFactor.LoadPreAuth(ctx, preAuthToken)
	if err != nil {
		return nil, err
	}
	if !method.IsValid() {
		return nil, models.ErrTwoFactorUnsupported
	}

	decision, err := s.lockout.Check(ctx, state.Email, rc.IPAddress)
	if err != nil {
		var lockErr *models.LockoutError
		if errors.As(err, &lockErr) {
			s.loginFailure(ctx, state.Email, state.UserID, rc, "account_locked", nil)
		}
		return nil, err
	}
	if err := s.lockout.Wait(ctx, decision.Delay); err != nil {
		return nil, err
	}

	start := time.Now()

	ok, err := s.twoFactor.Verify(ctx, state.UserID, method, code)
	if err != nil && !errors.Is(err, models.ErrTwoFactorNotEnrolled) {
		s.logger.ErrorContext(ctx, "two-factor verification failed",
			slog.String("user_id", state.UserID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if !ok {
		after, lerr := s.lockout.RecordFailure(ctx, state.Email, rc.IPAddress)
		if lerr != nil {
			s.logger.ErrorContext(ctx, "failed to record two-factor failure", slog.Any("error", lerr))
		}
		stillUsable, ferr := s.twoFactor.FailPreAuth(ctx, preAuthToken)
		if ferr != nil {
			s.logger.ErrorContext(ctx, "failed to count two-factor attempt", slog.Any("error", ferr))
		}
		if !stillUsable {
			s.loginFailure(ctx, state.Email, state.UserID, rc, "two_factor_attempts_exhausted", models.AuditDetails{
				"failures":      after.Failures,
				"lockout_state": string(after.State),
			})
		}
		s.timing.WaitFrom(ctx, start)
		return nil, models.ErrTwoFactorInvalidCode
	}

	if err := s.twoFactor.ConsumePreAuth(ctx, preAuthToken); err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, state.UserID)
	if err != nil {
		return nil, models.ErrInvalidCredentials
	}
	if !user.Active {
		s.loginFailure(ctx, user.Email, user.ID, rc, "account_inactive", nil)
		return nil, models.ErrAccountInactive
	}

	trusted := false
	if trustDevice && rc.DeviceFingerprint != "" {
		if err := s.twoFactor.TrustDevice(ctx, user.ID, rc.DeviceFingerprint); err != nil {
			s.logger.WarnContext(ctx, "failed to trust device",
				slog.String("user_id", user.ID), slog.Any("error", err))
		} else {
			trusted = true
		}
	}

	return s.establishSession(ctx, user, rc, true, trusted)
}

// establishSession finishes a login once every required factor passed.
func (s *AuthService) establishSession(ctx context.Context, user *models.User, rc models.RequestContext, twoFactorVerified, deviceTrusted bool) (*models.LoginResult, error) {
	s.lockout.RecordSuccess(ctx, user.Email)

	sess, err := s.sessions.Create(ctx, user, rc, twoFactorVerified, deviceTrusted)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create session",
			slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	pair, err := s.issueTokens(ctx, user, sess.ID, rc, uuid.New().String())
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to issue tokens",
			slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.InfoContext(ctx, "user logged in", slog.String("user_id", user.ID))
	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditLoginSuccess,
		Actor:     models.AuditActor{UserID: user.ID, Email: user.Email, Role: user.Role},
		Network:   s.network(rc, sess.ID),
		Success:   true,
		Details: models.AuditDetails{
			"two_factor_verified": twoFactorVerified,
			"device_trusted":      deviceTrusted,
		},
	})

	return &models.LoginResult{
		Tokens:    pair,
		User:      user.ToResponse(),
		SessionID: sess.ID,
	}, nil
}

// issueTokens signs an access token and stores a new refresh token under
// refreshID.
func (s *AuthService) issueTokens(ctx context.Context, user *models.User, sessionID string, rc models.RequestContext, refreshID string) (*models.TokenPair, error) {
	access, expiresAt, err := s.tm.GenerateAccessToken(user, sessionID)
	if err != nil {
		return nil, err
	}

	raw, err := pkgauth.GenerateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	rc = rc.Sanitized()
	now := s.now()
	rt := &models.RefreshToken{
		ID:         refreshID,
		TokenHash:  pkgauth.HashToken(raw),
		UserID:     user.ID,
		SessionID:  sessionID,
		DeviceID:   rc.DeviceID,
		DeviceType: rc.DeviceType,
		IPAddress:  rc.IPAddress,
		UserAgent:  rc.UserAgent,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.opts.Auth.RefreshTokenExpiry),
	}
	if err := s.tokens.Create(ctx, rt); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &models.TokenPair{
		AccessToken:  access,
		RefreshToken: raw,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
	}, nil
}

// RefreshAccessToken exchanges a refresh token for a new pair. With
// rotation enabled the presented token is revoked; presenting it again is
// treated as theft and ends every session of the user.
func (s *AuthService) RefreshAccessToken(ctx context.Context, refreshToken string, rc models.RequestContext) (*models.TokenPair, error) {
	if refreshToken == "" {
		return nil, models.ErrInvalidOrExpiredToken
	}
	now := s.now()

	rt, err := s.tokens.GetByHash(ctx, pkgauth.HashToken(refreshToken))
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrInvalidOrExpiredToken
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load refresh token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if rt.Revoked && rt.RevokedReason == models.RevokeReasonRotated {
		s.handleReuse(ctx, rt, rc)
		return nil, models.ErrInvalidOrExpiredToken
	}
	if !rt.IsUsable(now) {
		return nil, models.ErrInvalidOrExpiredToken
	}

	user, err := s.users.GetByID(ctx, rt.UserID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrInvalidOrExpiredToken
	}
	if err != nil {
		return nil, models.ErrInternalServer
	}
	if !user.Active {
		return nil, models.ErrUserInactive
	}

	sess, err := s.sessions.Validate(ctx, rt.SessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionExpired) {
			return nil, models.ErrSessionExpired
		}
		s.logger.ErrorContext(ctx, "failed to validate session", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	var pair *models.TokenPair
	if s.opts.Auth.RotateRefreshTokens {
		nextID := uuid.New().String()
		revoked, err := s.tokens.Revoke(ctx, rt.ID, models.RevokeReasonRotated, nextID, now)
		if err != nil {
			return nil, models.ErrInternalServer
		}
		if !revoked {
			// a concurrent refresh rotated it first
			return nil, models.ErrInvalidOrExpiredToken
		}
		pair, err = s.issueTokens(ctx, user, sess.ID, rc, nextID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to rotate refresh token", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
	} else {
		access, expiresAt, err := s.tm.GenerateAccessToken(user, sess.ID)
		if err != nil {
			return nil, models.ErrInternalServer
		}
		pair = &models.TokenPair{AccessToken: access, RefreshToken: refreshToken, TokenType: "Bearer", ExpiresAt: expiresAt}
	}

	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditTokenRefreshed,
		Actor:     models.AuditActor{UserID: user.ID, Email: user.Email, Role: user.Role},
		Network:   s.network(rc, sess.ID),
		Success:   true,
		Details:   models.AuditDetails{"rotated": s.opts.Auth.RotateRefreshTokens},
	})
	return pair, nil
}

func (s *AuthService) handleReuse(ctx context.Context, rt *models.RefreshToken, rc models.RequestContext) {
	count, err := s.sessions.InvalidateAll(ctx, rt.UserID, models.RevokeReasonReuseDetected)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to revoke sessions after refresh token reuse",
			slog.String("user_id", rt.UserID), slog.Any("error", err))
	}
	s.logger.WarnContext(ctx, "refresh token reuse detected",
		slog.String("user_id", rt.UserID), slog.String("token_id", rt.ID))

	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditSuspiciousActivity,
		Severity:  models.SeverityCritical,
		Actor:     models.AuditActor{UserID: rt.UserID},
		Network:   s.network(rc, rt.SessionID),
		Resource:  models.AuditResource{Type: "refresh_token", ID: rt.ID},
		Success:   false,
		Details: models.AuditDetails{
			"reason":           "refresh_token_reuse",
			"sessions_revoked": count,
		},
	})
}

// Logout revokes the refresh token and ends its session. Unknown tokens
// are ignored.
func (s *AuthService) Logout(ctx context.Context, refreshToken string, rc models.RequestContext) error {
	if refreshToken == "" {
		return nil
	}
	rt, err := s.tokens.GetByHash(ctx, pkgauth.HashToken(refreshToken))
	if err != nil || rt.Revoked {
		return nil
	}
	s.endSession(ctx, rt.UserID, rt.SessionID, rc)
	return nil
}

// LogoutSession ends one of the user's own sessions. Sessions owned by
// someone else are reported as not found.
func (s *AuthService) LogoutSession(ctx context.Context, userID, sessionID string, rc models.RequestContext) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, models.ErrSessionExpired) {
		return models.ErrNotFound
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load session", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if sess.UserID != userID {
		return models.ErrNotFound
	}
	s.endSession(ctx, userID, sessionID, rc)
	return nil
}

func (s *AuthService) endSession(ctx context.Context, userID, sessionID string, rc models.RequestContext) {
	if err := s.sessions.Invalidate(ctx, userID, sessionID, models.RevokeReasonLogout); err != nil {
		s.logger.WarnContext(ctx, "failed to end session",
			slog.String("session_id", sessionID), slog.Any("error", err))
	}
	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditLogout,
		Actor:     models.AuditActor{UserID: userID},
		Network:   s.network(rc, sessionID),
		Success:   true,
	})
}

// LogoutAllDevices ends every session, revokes every refresh token and
// forgets all trusted devices.
func (s *AuthService) LogoutAllDevices(ctx context.Context, userID string, rc models.RequestContext) error {
	count, err := s.sessions.InvalidateAll(ctx, userID, models.RevokeReasonLogoutAll)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to log out all devices",
			slog.String("user_id", userID), slog.Any("error", err))
		return models.ErrInternalServer
	}
	if err := s.twoFactor.ForgetDevices(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "failed to forget trusted devices",
			slog.String("user_id", userID), slog.Any("error", err))
	}

	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditLogoutAll,
		Actor:     models.AuditActor{UserID: userID},
		Network:   s.network(rc, ""),
		Success:   true,
		Details:   models.AuditDetails{"sessions_ended": count},
	})
	return nil
}

// VerifyAccessToken validates the token, the user's state and the session
// the token is bound to. The returned role is read from the user record.
func (s *AuthService) VerifyAccessToken(ctx context.Context, token string) (*models.TokenClaims, error) {
	claims, err := s.tm.ValidateAccessToken(token)
	if err != nil {
		return nil, err
	}
	if claims.SessionID == "" {
		return nil, models.ErrInvalidAccessToken
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrInvalidAccessToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !user.Active {
		return nil, models.ErrUserInactive
	}

	sess, err := s.sessions.Validate(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != user.ID {
		return nil, models.ErrInvalidAccessToken
	}

	claims.Role = user.Role
	claims.DealershipID = user.DealershipID
	return claims, nil
}

func (s *AuthService) loginFailure(ctx context.Context, email, userID string, rc models.RequestContext, reason string, extra models.AuditDetails) {
	s.logger.InfoContext(ctx, "login failed",
		slog.String("email", pkglogger.SanitizedEmail(email)),
		slog.String("reason", reason))

	details := models.AuditDetails{"reason": reason}
	for k, v := range extra {
		details[k] = v
	}
	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditLoginFailure,
		Actor:     models.AuditActor{UserID: userID, Email: email},
		Network:   s.network(rc, ""),
		Success:   false,
		Details:   details,
	})
}

func (s *AuthService) network(rc models.RequestContext, sessionID string) models.AuditNetwork {
	return models.AuditNetwork{
		IPAddress: rc.IPAddress,
		UserAgent: rc.UserAgent,
		RequestID: rc.RequestID,
		SessionID: sessionID,
	}
}
