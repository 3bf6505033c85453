package repositories

import (
	"context"
	"time"

	"github.com/BradenHooton/dealergate/internal/database"
	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RefreshTokenRepository struct {
	pool *pgxpool.Pool
}

func NewRefreshTokenRepository(db *database.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{pool: db.Pool}
}

func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}

	query := `
		INSERT INTO refresh_tokens (id, token_hash, user_id, session_id, device_id, device_type,
			ip_address, user_agent, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		token.ID, token.TokenHash, token.UserID, token.SessionID, token.DeviceID, token.DeviceType,
		token.IPAddress, token.UserAgent, token.IssuedAt, token.ExpiresAt,
	)
	return database.MapPostgresError(err)
}

func (r *RefreshTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	query := `
		SELECT id, token_hash, user_id, session_id, device_id, device_type, ip_address, user_agent,
			issued_at, expires_at, revoked, revoked_reason, revoked_at, COALESCE(replaced_by::text, '')
		FROM refresh_tokens WHERE token_hash = $1
	`

	var t models.RefreshToken
	err := r.pool.QueryRow(ctx, query, tokenHash).Scan(
		&t.ID, &t.TokenHash, &t.UserID, &t.SessionID, &t.DeviceID, &t.DeviceType, &t.IPAddress, &t.UserAgent,
		&t.IssuedAt, &t.ExpiresAt, &t.Revoked, &t.RevokedReason, &t.RevokedAt, &t.ReplacedBy,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &t, nil
}

// Revoke marks one token revoked. It reports false when the token was
// already revoked, so exactly one concurrent caller wins a rotation.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, id, reason, replacedBy string, at time.Time) (bool, error) {
	var replaced *string
	if replacedBy != "" {
		replaced = &replacedBy
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_reason = $2, revoked_at = $3, replaced_by = $4
		WHERE id = $1 AND NOT revoked`,
		id, reason, at, replaced,
	)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID, reason string, at time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE, revoked_reason = $2, revoked_at = $3
		WHERE user_id = $1 AND NOT revoked`,
		userID, reason, at,
	)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

func (r *RefreshTokenRepository) RevokeBySession(ctx context.Context, sessionID, reason string, at time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE, revoked_reason = $2, revoked_at = $3
		WHERE session_id = $1 AND NOT revoked`,
		sessionID, reason, at,
	)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired removes tokens past expiry. Safe to run repeatedly.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
