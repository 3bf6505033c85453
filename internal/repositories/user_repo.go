package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/dealergate/internal/database"
	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type UserRepository struct {
	db *database.DB
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, password_hash, first_name, last_name,
	phone_encrypted, phone_masked, phone_search_hash, role, dealership_id,
	active, email_verified, password_changed_at, created_at, updated_at`

// rowScanner interface for scanning user rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...any) error
}

// scanUserRow handles nullable columns and populates a User
func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User
	var phoneEncrypted, phoneMasked, phoneSearchHash *string

	err := scanner.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.FirstName, &user.LastName,
		&phoneEncrypted, &phoneMasked, &phoneSearchHash, &user.Role, &user.DealershipID,
		&user.Active, &user.EmailVerified, &user.PasswordChangedAt, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if phoneEncrypted != nil {
		user.Phone = &models.EncryptedField{Ciphertext: *phoneEncrypted}
		if phoneMasked != nil {
			user.Phone.Masked = *phoneMasked
		}
	}
	if phoneSearchHash != nil {
		user.PhoneSearchHash = *phoneSearchHash
	}

	return &user, nil
}

// Create inserts the user and its first password-history entry in one
// transaction. A duplicate email yields models.ErrConflict.
func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.Role == "" {
		user.Role = models.RoleUser
	}

	var phoneEncrypted, phoneMasked, phoneSearchHash *string
	if user.Phone != nil {
		phoneEncrypted = &user.Phone.Ciphertext
		phoneMasked = &user.Phone.Masked
	}
	if user.PhoneSearchHash != "" {
		phoneSearchHash = &user.PhoneSearchHash
	}

	var created *models.User
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO users (id, email, password_hash, first_name, last_name,
				phone_encrypted, phone_masked, phone_search_hash, role, dealership_id,
				active, email_verified, password_changed_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13, $13)
			RETURNING ` + userColumns

		u, err := scanUserRow(tx.QueryRow(ctx, query,
			user.ID, user.Email, user.PasswordHash, user.FirstName, user.LastName,
			phoneEncrypted, phoneMasked, phoneSearchHash, user.Role, user.DealershipID,
			user.Active, user.EmailVerified, user.PasswordChangedAt,
		))
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO password_history (user_id, password_hash, created_at) VALUES ($1, $2, $3)`,
			u.ID, u.PasswordHash, u.PasswordChangedAt,
		)
		if err != nil {
			return database.MapPostgresError(err)
		}

		created = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUserRow(r.db.Pool.QueryRow(ctx, query, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	return scanUserRow(r.db.Pool.QueryRow(ctx, query, strings.TrimSpace(email)))
}

func (r *UserRepository) GetByPhoneSearchHash(ctx context.Context, hash string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE phone_search_hash = $1 LIMIT 1`
	return scanUserRow(r.db.Pool.QueryRow(ctx, query, hash))
}

// UpdatePassword swaps the verifier only if it still equals expectedHash,
// records the new verifier in history and trims history to historyLimit,
// all in one repeatable-read transaction. A lost race yields
// models.ErrConcurrentUpdate.
func (r *UserRepository) UpdatePassword(ctx context.Context, userID, expectedHash, newHash string, changedAt time.Time, historyLimit int) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead}
	return r.db.WithTransactionOptions(ctx, opts, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE users
			SET password_hash = $3, password_changed_at = $4, updated_at = $4
			WHERE id = $1 AND password_hash = $2`,
			userID, expectedHash, newHash, changedAt,
		)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrConcurrentUpdate
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO password_history (user_id, password_hash, created_at) VALUES ($1, $2, $3)`,
			userID, newHash, changedAt,
		); err != nil {
			return database.MapPostgresError(err)
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM password_history
			WHERE user_id = $1 AND id NOT IN (
				SELECT id FROM password_history WHERE user_id = $1
				ORDER BY created_at DESC, id DESC LIMIT $2
			)`,
			userID, historyLimit,
		)
		return database.MapPostgresError(err)
	})
}

// GetPasswordHistory returns verifiers most recent first.
func (r *UserRepository) GetPasswordHistory(ctx context.Context, userID string, limit int) ([]models.PasswordHistoryEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT user_id, password_hash, created_at FROM password_history
		WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query password history: %w", err)
	}
	defer rows.Close()

	history := make([]models.PasswordHistoryEntry, 0, limit)
	for rows.Next() {
		var entry models.PasswordHistoryEntry
		if err := rows.Scan(&entry.UserID, &entry.PasswordHash, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan password history: %w", err)
		}
		history = append(history, entry)
	}
	return history, rows.Err()
}

func (r *UserRepository) SetActive(ctx context.Context, userID string, active bool) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE users SET active = $2, updated_at = NOW() WHERE id = $1`, userID, active)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *UserRepository) MarkEmailVerified(ctx context.Context, userID string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE users SET email_verified = TRUE, updated_at = NOW() WHERE id = $1`, userID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
