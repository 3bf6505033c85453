package repositories

import (
	"context"
	"time"

	"github.com/BradenHooton/dealergate/internal/database"
	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

type TwoFactorRepository struct {
	pool *pgxpool.Pool
}

func NewTwoFactorRepository(db *database.DB) *TwoFactorRepository {
	return &TwoFactorRepository{pool: db.Pool}
}

func (r *TwoFactorRepository) Get(ctx context.Context, userID string) (*models.TwoFactorEnrollment, error) {
	var (
		e       models.TwoFactorEnrollment
		methods pq.StringArray
		codes   pq.StringArray
	)
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, methods, totp_secret, totp_confirmed, backup_code_hashes, enabled_at, updated_at
		FROM two_factor_enrollments WHERE user_id = $1`, userID,
	).Scan(&e.UserID, &methods, &e.TOTPSecret, &e.TOTPConfirmed, &codes, &e.EnabledAt, &e.UpdatedAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	e.Methods = make([]models.TwoFactorMethod, 0, len(methods))
	for _, m := range methods {
		e.Methods = append(e.Methods, models.TwoFactorMethod(m))
	}
	e.BackupCodeHashes = []string(codes)
	return &e, nil
}

func (r *TwoFactorRepository) Upsert(ctx context.Context, e *models.TwoFactorEnrollment) error {
	methods := make([]string, len(e.Methods))
	for i, m := range e.Methods {
		methods[i] = string(m)
	}
	codes := e.BackupCodeHashes
	if codes == nil {
		codes = []string{}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO two_factor_enrollments
			(user_id, methods, totp_secret, totp_confirmed, backup_code_hashes, enabled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			methods = EXCLUDED.methods,
			totp_secret = EXCLUDED.totp_secret,
			totp_confirmed = EXCLUDED.totp_confirmed,
			backup_code_hashes = EXCLUDED.backup_code_hashes,
			enabled_at = EXCLUDED.enabled_at,
			updated_at = EXCLUDED.updated_at`,
		e.UserID, pq.Array(methods), e.TOTPSecret, e.TOTPConfirmed, pq.Array(codes), e.EnabledAt, e.UpdatedAt,
	)
	return database.MapPostgresError(err)
}

// ConsumeBackupCode removes codeHash from the user's set in a single
// statement. It reports true only for the caller that removed it.
func (r *TwoFactorRepository) ConsumeBackupCode(ctx context.Context, userID, codeHash string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE two_factor_enrollments
		SET backup_code_hashes = array_remove(backup_code_hashes, $2), updated_at = NOW()
		WHERE user_id = $1 AND $2 = ANY(backup_code_hashes)`,
		userID, codeHash,
	)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *TwoFactorRepository) ReplaceBackupCodes(ctx context.Context, userID string, hashes []string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE two_factor_enrollments SET backup_code_hashes = $2, updated_at = $3
		WHERE user_id = $1`,
		userID, pq.Array(hashes), at,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *TwoFactorRepository) Delete(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM two_factor_enrollments WHERE user_id = $1`, userID)
	return database.MapPostgresError(err)
}
