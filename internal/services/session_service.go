package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/dealergate/internal/config"
	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/google/uuid"
)

// SessionStore keeps the per-user bounded session set.
type SessionStore interface {
	Create(ctx context.Context, sess *models.Session, max int, ttl time.Duration) ([]string, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Touch(ctx context.Context, sess *models.Session) error
	Delete(ctx context.Context, userID, sessionID string) error
	DeleteAll(ctx context.Context, userID string) ([]string, error)
	List(ctx context.Context, userID string) ([]*models.Session, error)
}

// RefreshTokenRepository is the durable refresh-token ledger.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	GetByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	Revoke(ctx context.Context, id, reason, replacedBy string, at time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID, reason string, at time.Time) (int64, error)
	RevokeBySession(ctx context.Context, sessionID, reason string, at time.Time) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// touchInterval bounds how often activity is written back to the store.
const touchInterval = 30 * time.Second

// SessionService enforces the per-user session cap and both timeouts.
type SessionService struct {
	store  SessionStore
	tokens RefreshTokenRepository
	audit  Auditor
	cfg    config.SessionConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewSessionService(store SessionStore, tokens RefreshTokenRepository, audit Auditor, cfg config.SessionConfig, logger *slog.Logger) *SessionService {
	return &SessionService{
		store:  store,
		tokens: tokens,
		audit:  audit,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Create registers a session, evicting the user's oldest sessions so the
// cap holds. Refresh tokens of evicted sessions are revoked.
func (s *SessionService) Create(ctx context.Context, user *models.User, rc models.RequestContext, twoFactorVerified, deviceTrusted bool) (*models.Session, error) {
	rc = rc.Sanitized()
	now := s.now()
	sess := &models.Session{
		ID:                uuid.New().String(),
		UserID:            user.ID,
		IPAddress:         rc.IPAddress,
		UserAgent:         rc.UserAgent,
		CreatedAt:         now,
		LastActivity:      now,
		TwoFactorVerified: twoFactorVerified,
		DeviceTrusted:     deviceTrusted,
		DeviceFingerprint: rc.DeviceFingerprint,
	}

	evicted, err := s.store.Create(ctx, sess, s.cfg.MaxPerUser, s.cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	for _, id := range evicted {
		if _, err := s.tokens.RevokeBySession(ctx, id, models.RevokeReasonSessionEvicted, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to revoke tokens of evicted session",
				slog.String("session_id", id), slog.Any("error", err))
		}
		s.audit.Log(ctx, models.AuditLogEntry{
			EventType: models.AuditSessionEvicted,
			Actor:     models.AuditActor{UserID: user.ID, Email: user.Email, Role: user.Role},
			Network:   models.AuditNetwork{SessionID: id},
			Resource:  models.AuditResource{Type: "session", ID: id},
			Success:   true,
			Details:   models.AuditDetails{"max_sessions": s.cfg.MaxPerUser, "replaced_by": sess.ID},
		})
	}

	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditSessionCreated,
		Actor:     models.AuditActor{UserID: user.ID, Email: user.Email, Role: user.Role},
		Network:   models.AuditNetwork{IPAddress: rc.IPAddress, UserAgent: rc.UserAgent, RequestID: rc.RequestID, SessionID: sess.ID},
		Resource:  models.AuditResource{Type: "session", ID: sess.ID},
		Success:   true,
		Details: models.AuditDetails{
			"two_factor_verified": twoFactorVerified,
			"device_trusted":      deviceTrusted,
		},
	})

	return sess, nil
}

// Get returns a usable session or models.ErrSessionExpired. A session past
// either timeout is destroyed on sight.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrSessionExpired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	now := s.now()
	if !sess.IsUsable(now, s.cfg.Timeout, s.cfg.IdleTimeout) {
		s.expire(ctx, sess, now)
		return nil, models.ErrSessionExpired
	}
	return sess, nil
}

// Validate is Get plus an activity update.
func (s *SessionService) Validate(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.Touch(ctx, sess)
	return sess, nil
}

// Touch records activity, at most once per touchInterval.
func (s *SessionService) Touch(ctx context.Context, sess *models.Session) {
	now := s.now()
	if now.Sub(sess.LastActivity) < touchInterval {
		return
	}
	sess.LastActivity = now
	if err := s.store.Touch(ctx, sess); err != nil {
		s.logger.WarnContext(ctx, "failed to record session activity",
			slog.String("session_id", sess.ID), slog.Any("error", err))
	}
}

func (s *SessionService) expire(ctx context.Context, sess *models.Session, now time.Time) {
	if err := s.store.Delete(ctx, sess.UserID, sess.ID); err != nil {
		s.logger.WarnContext(ctx, "failed to delete expired session",
			slog.String("session_id", sess.ID), slog.Any("error", err))
	}
	if _, err := s.tokens.RevokeBySession(ctx, sess.ID, models.RevokeReasonLogout, now); err != nil {
		s.logger.WarnContext(ctx, "failed to revoke tokens of expired session",
			slog.String("session_id", sess.ID), slog.Any("error", err))
	}

	reason := "idle_timeout"
	if !now.Before(sess.CreatedAt.Add(s.cfg.Timeout)) {
		reason = "absolute_timeout"
	}
	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditSessionExpired,
		Actor:     models.AuditActor{UserID: sess.UserID},
		Network:   models.AuditNetwork{SessionID: sess.ID},
		Resource:  models.AuditResource{Type: "session", ID: sess.ID},
		Success:   true,
		Details:   models.AuditDetails{"reason": reason},
	})
}

// Invalidate destroys one session and revokes its refresh tokens.
func (s *SessionService) Invalidate(ctx context.Context, userID, sessionID, reason string) error {
	if err := s.store.Delete(ctx, userID, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if _, err := s.tokens.RevokeBySession(ctx, sessionID, reason, s.now()); err != nil {
		return fmt.Errorf("failed to revoke session tokens: %w", err)
	}
	return nil
}

// InvalidateAll destroys every session of the user and revokes all of the
// user's refresh tokens. It returns the number of sessions removed.
func (s *SessionService) InvalidateAll(ctx context.Context, userID, reason string) (int, error) {
	ids, err := s.store.DeleteAll(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	if _, err := s.tokens.RevokeAllForUser(ctx, userID, reason, s.now()); err != nil {
		return len(ids), fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return len(ids), nil
}

// List returns the user's live sessions, oldest first.
func (s *SessionService) List(ctx context.Context, userID string) ([]*models.Session, error) {
	all, err := s.store.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	now := s.now()
	live := make([]*models.Session, 0, len(all))
	for _, sess := range all {
		if sess.IsUsable(now, s.cfg.Timeout, s.cfg.IdleTimeout) {
			live = append(live, sess)
		}
	}
	return live, nil
}
