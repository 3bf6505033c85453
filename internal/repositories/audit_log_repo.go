package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/dealergate/internal/database"
	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLogRepository is the durable, append-only audit ledger.
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{pool: db.Pool}
}

const auditColumns = `seq, id, occurred_at, event_type, severity, actor_user_id, actor_email, actor_role,
	ip_address, user_agent, request_id, session_id, resource_type, resource_id, success, details,
	hash, prev_hash`

// Append inserts an entry. prev_hash is unique, so a writer that lost the
// race to extend the same tail gets models.ErrConflict.
func (r *AuditLogRepository) Append(ctx context.Context, e *models.AuditLogEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		INSERT INTO audit_log (id, occurred_at, event_type, severity, actor_user_id, actor_email, actor_role,
			ip_address, user_agent, request_id, session_id, resource_type, resource_id, success, details,
			hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING seq`,
		e.ID, e.Timestamp, string(e.EventType), string(e.Severity), e.Actor.UserID, e.Actor.Email, e.Actor.Role,
		e.Network.IPAddress, e.Network.UserAgent, e.Network.RequestID, e.Network.SessionID,
		e.Resource.Type, e.Resource.ID, e.Success, details, e.Hash, e.PrevHash,
	).Scan(&e.Seq)
	if err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

// LastHash returns the hash of the newest entry, or "" for an empty ledger.
func (r *AuditLogRepository) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := r.pool.QueryRow(ctx, `SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", database.MapPostgresError(err)
	}
	return hash, nil
}

// ListRange returns entries with from <= occurred_at < to in append order.
// A zero bound is open.
func (r *AuditLogRepository) ListRange(ctx context.Context, from, to time.Time) ([]*models.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log
		WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
		  AND ($2::timestamptz IS NULL OR occurred_at < $2)
		ORDER BY seq ASC`

	rows, err := r.pool.Query(ctx, query, nullableTime(from), nullableTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	return scanAuditRows(rows)
}

// Trail returns entries matching the filter, newest first.
func (r *AuditLogRepository) Trail(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + auditColumns + ` FROM audit_log
		WHERE ($1 = '' OR actor_user_id = $1)
		  AND ($2 = '' OR event_type = $2)
		ORDER BY seq DESC LIMIT $3 OFFSET $4`

	rows, err := r.pool.Query(ctx, query, filter.UserID, string(filter.EventType), limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	return scanAuditRows(rows)
}

func scanAuditRows(rows pgx.Rows) ([]*models.AuditLogEntry, error) {
	defer rows.Close()

	entries := make([]*models.AuditLogEntry, 0)
	for rows.Next() {
		var (
			e         models.AuditLogEntry
			eventType string
			severity  string
			details   []byte
		)
		err := rows.Scan(
			&e.Seq, &e.ID, &e.Timestamp, &eventType, &severity, &e.Actor.UserID, &e.Actor.Email, &e.Actor.Role,
			&e.Network.IPAddress, &e.Network.UserAgent, &e.Network.RequestID, &e.Network.SessionID,
			&e.Resource.Type, &e.Resource.ID, &e.Success, &details, &e.Hash, &e.PrevHash,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.EventType = models.AuditEventType(eventType)
		e.Severity = models.AuditSeverity(severity)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}
	return entries, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
