package repositories

import (
	"context"
	"time"

	"github.com/BradenHooton/dealergate/internal/database"
	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ActionTokenRepository stores single-use email verification and password
// reset tokens by hash.
type ActionTokenRepository struct {
	pool *pgxpool.Pool
}

func NewActionTokenRepository(db *database.DB) *ActionTokenRepository {
	return &ActionTokenRepository{pool: db.Pool}
}

func (r *ActionTokenRepository) Create(ctx context.Context, token *models.ActionToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO action_tokens (id, user_id, purpose, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		token.ID, token.UserID, token.Purpose, token.TokenHash, token.ExpiresAt, token.CreatedAt,
	)
	return database.MapPostgresError(err)
}

// Consume marks a live token used and returns it. Missing, used and expired
// tokens all yield models.ErrNotFound; only one concurrent caller succeeds.
func (r *ActionTokenRepository) Consume(ctx context.Context, tokenHash, purpose string, now time.Time) (*models.ActionToken, error) {
	var t models.ActionToken
	err := r.pool.QueryRow(ctx, `
		UPDATE action_tokens SET used_at = $3
		WHERE token_hash = $1 AND purpose = $2 AND used_at IS NULL AND expires_at > $3
		RETURNING id, user_id, purpose, token_hash, expires_at, used_at, created_at`,
		tokenHash, purpose, now,
	).Scan(&t.ID, &t.UserID, &t.Purpose, &t.TokenHash, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &t, nil
}

// Lookup returns a live token without consuming it.
func (r *ActionTokenRepository) Lookup(ctx context.Context, tokenHash, purpose string, now time.Time) (*models.ActionToken, error) {
	var t models.ActionToken
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, purpose, token_hash, expires_at, used_at, created_at
		FROM action_tokens
		WHERE token_hash = $1 AND purpose = $2 AND used_at IS NULL AND expires_at > $3`,
		tokenHash, purpose, now,
	).Scan(&t.ID, &t.UserID, &t.Purpose, &t.TokenHash, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &t, nil
}

// InvalidateForUser burns every unused token of the given purpose.
func (r *ActionTokenRepository) InvalidateForUser(ctx context.Context, userID, purpose string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE action_tokens SET used_at = $3
		WHERE user_id = $1 AND purpose = $2 AND used_at IS NULL`,
		userID, purpose, now,
	)
	return database.MapPostgresError(err)
}

func (r *ActionTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM action_tokens WHERE expires_at < $1 OR used_at IS NOT NULL`, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
