package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/dealergate/internal/encryption"
	"github.com/BradenHooton/dealergate/internal/models"
)

// UserRepository defines the identity storage used by the services.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByPhoneSearchHash(ctx context.Context, hash string) (*models.User, error)
	UpdatePassword(ctx context.Context, userID, expectedHash, newHash string, changedAt time.Time, historyLimit int) error
	GetPasswordHistory(ctx context.Context, userID string, limit int) ([]models.PasswordHistoryEntry, error)
	SetActive(ctx context.Context, userID string, active bool) error
	MarkEmailVerified(ctx context.Context, userID string) error
}

// UserService serves profile reads. Decrypted PII is only returned through
// RevealPhone, which audits every access.
type UserService struct {
	users  UserRepository
	enc    *encryption.Service
	audit  Auditor
	logger *slog.Logger
}

func NewUserService(users UserRepository, enc *encryption.Service, audit Auditor, logger *slog.Logger) *UserService {
	return &UserService{users: users, enc: enc, audit: audit, logger: logger}
}

func (s *UserService) GetProfile(ctx context.Context, userID string) (*models.UserResponse, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.ToResponse(), nil
}

// canAccess reports whether actor may read target's PII: the user
// themselves, an admin, or a manager of the same dealership.
func canAccess(actor *models.TokenClaims, target *models.User) bool {
	switch {
	case actor.UserID == target.ID:
		return true
	case actor.Role == models.RoleAdmin:
		return true
	case actor.Role == models.RoleManager:
		return actor.DealershipID != "" && actor.DealershipID == target.DealershipID
	}
	return false
}

// RevealPhone decrypts the stored phone number for an authorized actor.
func (s *UserService) RevealPhone(ctx context.Context, actor *models.TokenClaims, userID, reason string) (string, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}

	if !canAccess(actor, user) {
		s.audit.Log(ctx, models.AuditLogEntry{
			EventType: models.AuditAccessDenied,
			Actor:     models.AuditActor{UserID: actor.UserID, Email: actor.Email, Role: actor.Role},
			Resource:  models.AuditResource{Type: "user", ID: userID},
			Success:   false,
			Details:   models.AuditDetails{"field": phoneField},
		})
		return "", models.ErrForbidden
	}
	if user.Phone == nil {
		return "", models.ErrNotFound
	}

	phone, err := s.enc.DecryptString(phoneField, user.Phone.Ciphertext)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to decrypt phone",
			slog.String("user_id", userID), slog.Any("error", err))
		return "", fmt.Errorf("failed to decrypt phone: %w", err)
	}

	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditPIIAccessed,
		Actor:     models.AuditActor{UserID: actor.UserID, Email: actor.Email, Role: actor.Role},
		Resource:  models.AuditResource{Type: "user", ID: userID},
		Success:   true,
		Details:   models.AuditDetails{"field": phoneField, "reason": reason},
	})
	return phone, nil
}

// FindByPhone looks a user up by the deterministic phone search hash.
func (s *UserService) FindByPhone(ctx context.Context, phone string) (*models.UserResponse, error) {
	normalized := normalizePhone(phone)
	if normalized == "" {
		return nil, models.ErrBadRequest
	}
	user, err := s.users.GetByPhoneSearchHash(ctx, s.enc.SearchHash(phoneField, normalized))
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user.ToResponse(), nil
}

// normalizePhone keeps digits and a leading plus.
func normalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range phone {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
