package services

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/google/uuid"
)

// In-memory implementations of the Postgres-backed repositories, used by
// the service tests. Redis-backed stores are exercised through miniredis.

// MemoryUserRepository implements UserRepository for testing
type MemoryUserRepository struct {
	mu      sync.Mutex
	users   map[string]*models.User
	history map[string][]models.PasswordHistoryEntry

	// GetByIDFunc overrides GetByID when set.
	GetByIDFunc func(ctx context.Context, id string) (*models.User, error)
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		users:   map[string]*models.User{},
		history: map[string][]models.PasswordHistoryEntry{},
	}
}

func (m *MemoryUserRepository) Create(_ context.Context, user *models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, user.Email) {
			return nil, models.ErrConflict
		}
	}
	u := *user
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	m.users[u.ID] = &u
	m.history[u.ID] = []models.PasswordHistoryEntry{{UserID: u.ID, PasswordHash: u.PasswordHash, CreatedAt: u.PasswordChangedAt}}

	out := u
	return &out, nil
}

func (m *MemoryUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *u
	return &out, nil
}

func (m *MemoryUserRepository) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, strings.TrimSpace(email)) {
			out := *u
			return &out, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MemoryUserRepository) GetByPhoneSearchHash(_ context.Context, hash string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.PhoneSearchHash != "" && u.PhoneSearchHash == hash {
			out := *u
			return &out, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MemoryUserRepository) UpdatePassword(_ context.Context, userID, expectedHash, newHash string, changedAt time.Time, historyLimit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok || u.PasswordHash != expectedHash {
		return models.ErrConcurrentUpdate
	}
	u.PasswordHash = newHash
	u.PasswordChangedAt = changedAt

	h := append([]models.PasswordHistoryEntry{{UserID: userID, PasswordHash: newHash, CreatedAt: changedAt}}, m.history[userID]...)
	if len(h) > historyLimit {
		h = h[:historyLimit]
	}
	m.history[userID] = h
	return nil
}

func (m *MemoryUserRepository) GetPasswordHistory(_ context.Context, userID string, limit int) ([]models.PasswordHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.history[userID]
	if len(h) > limit {
		h = h[:limit]
	}
	return slices.Clone(h), nil
}

func (m *MemoryUserRepository) SetActive(_ context.Context, userID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return models.ErrNotFound
	}
	u.Active = active
	return nil
}

func (m *MemoryUserRepository) MarkEmailVerified(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return models.ErrNotFound
	}
	u.EmailVerified = true
	return nil
}

// Put stores user as-is, bypassing Create.
func (m *MemoryUserRepository) Put(user *models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := *user
	m.users[u.ID] = &u
}

// MemoryRefreshTokenRepository implements RefreshTokenRepository for testing
type MemoryRefreshTokenRepository struct {
	mu     sync.Mutex
	tokens map[string]*models.RefreshToken
}

func NewMemoryRefreshTokenRepository() *MemoryRefreshTokenRepository {
	return &MemoryRefreshTokenRepository{tokens: map[string]*models.RefreshToken{}}
}

func (m *MemoryRefreshTokenRepository) Create(_ context.Context, token *models.RefreshToken) error {
	if err := storableText(token.UserAgent, token.IPAddress, token.DeviceID, token.DeviceType); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := *token
	m.tokens[t.ID] = &t
	return nil
}

func (m *MemoryRefreshTokenRepository) GetByHash(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.TokenHash == tokenHash {
			out := *t
			return &out, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MemoryRefreshTokenRepository) Revoke(_ context.Context, id, reason, replacedBy string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.Revoked {
		return false, nil
	}
	m.revoke(t, reason, at)
	t.ReplacedBy = replacedBy
	return true, nil
}

func (m *MemoryRefreshTokenRepository) RevokeAllForUser(_ context.Context, userID, reason string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tokens {
		if t.UserID == userID && !t.Revoked {
			m.revoke(t, reason, at)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRefreshTokenRepository) RevokeBySession(_ context.Context, sessionID, reason string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tokens {
		if t.SessionID == sessionID && !t.Revoked {
			m.revoke(t, reason, at)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRefreshTokenRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tokens {
		if !now.Before(t.ExpiresAt) {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRefreshTokenRepository) revoke(t *models.RefreshToken, reason string, at time.Time) {
	t.Revoked = true
	t.RevokedReason = reason
	t.RevokedAt = &at
}

// Count returns the number of stored tokens for user, revoked or not.
func (m *MemoryRefreshTokenRepository) Count(userID string) (total, live int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.UserID == userID {
			total++
			if !t.Revoked {
				live++
			}
		}
	}
	return total, live
}

// MemoryActionTokenRepository implements ActionTokenRepository for testing
type MemoryActionTokenRepository struct {
	mu     sync.Mutex
	tokens []*models.ActionToken
}

func NewMemoryActionTokenRepository() *MemoryActionTokenRepository {
	return &MemoryActionTokenRepository{}
}

func (m *MemoryActionTokenRepository) Create(_ context.Context, token *models.ActionToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := *token
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	m.tokens = append(m.tokens, &t)
	return nil
}

func (m *MemoryActionTokenRepository) find(tokenHash, purpose string, now time.Time) *models.ActionToken {
	for _, t := range m.tokens {
		if t.TokenHash == tokenHash && t.Purpose == purpose && t.UsedAt == nil && now.Before(t.ExpiresAt) {
			return t
		}
	}
	return nil
}

func (m *MemoryActionTokenRepository) Lookup(_ context.Context, tokenHash, purpose string, now time.Time) (*models.ActionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.find(tokenHash, purpose, now)
	if t == nil {
		return nil, models.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (m *MemoryActionTokenRepository) Consume(_ context.Context, tokenHash, purpose string, now time.Time) (*models.ActionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.find(tokenHash, purpose, now)
	if t == nil {
		return nil, models.ErrNotFound
	}
	t.UsedAt = &now
	out := *t
	return &out, nil
}

func (m *MemoryActionTokenRepository) InvalidateForUser(_ context.Context, userID, purpose string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.UserID == userID && t.Purpose == purpose && t.UsedAt == nil {
			t.UsedAt = &now
		}
	}
	return nil
}

func (m *MemoryActionTokenRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.tokens[:0]
	var n int64
	for _, t := range m.tokens {
		if now.Before(t.ExpiresAt) {
			kept = append(kept, t)
		} else {
			n++
		}
	}
	m.tokens = kept
	return n, nil
}

// MemoryTwoFactorRepository implements TwoFactorRepository for testing
type MemoryTwoFactorRepository struct {
	mu          sync.Mutex
	enrollments map[string]*models.TwoFactorEnrollment
}

func NewMemoryTwoFactorRepository() *MemoryTwoFactorRepository {
	return &MemoryTwoFactorRepository{enrollments: map[string]*models.TwoFactorEnrollment{}}
}

func (m *MemoryTwoFactorRepository) Get(_ context.Context, userID string) (*models.TwoFactorEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *e
	out.Methods = slices.Clone(e.Methods)
	out.BackupCodeHashes = slices.Clone(e.BackupCodeHashes)
	return &out, nil
}

func (m *MemoryTwoFactorRepository) Upsert(_ context.Context, e *models.TwoFactorEnrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *e
	stored.Methods = slices.Clone(e.Methods)
	stored.BackupCodeHashes = slices.Clone(e.BackupCodeHashes)
	m.enrollments[e.UserID] = &stored
	return nil
}

func (m *MemoryTwoFactorRepository) ConsumeBackupCode(_ context.Context, userID, codeHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[userID]
	if !ok {
		return false, nil
	}
	i := slices.Index(e.BackupCodeHashes, codeHash)
	if i < 0 {
		return false, nil
	}
	e.BackupCodeHashes = slices.Delete(e.BackupCodeHashes, i, i+1)
	return true, nil
}

func (m *MemoryTwoFactorRepository) ReplaceBackupCodes(_ context.Context, userID string, hashes []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[userID]
	if !ok {
		return models.ErrNotFound
	}
	e.BackupCodeHashes = slices.Clone(hashes)
	e.UpdatedAt = at
	return nil
}

func (m *MemoryTwoFactorRepository) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.enrollments, userID)
	return nil
}

// errUnstorableText mirrors PostgreSQL rejecting invalid UTF-8 (22021) and
// NUL characters in TEXT and JSONB columns.
var errUnstorableText = errors.New("invalid byte sequence for encoding UTF8")

func storableText(values ...string) error {
	for _, v := range values {
		if !utf8.ValidString(v) || strings.ContainsRune(v, 0) {
			return errUnstorableText
		}
	}
	return nil
}

// MemoryAuditLogRepository implements AuditLogRepository for testing. Like
// the audit_log table it rejects a second entry with the same prev_hash.
type MemoryAuditLogRepository struct {
	mu      sync.Mutex
	entries []*models.AuditLogEntry

	// AppendFunc, when set, runs before the entry is stored; a non-nil
	// error is returned instead.
	AppendFunc func(ctx context.Context, entry *models.AuditLogEntry) error
}

func NewMemoryAuditLogRepository() *MemoryAuditLogRepository {
	return &MemoryAuditLogRepository{}
}

func (m *MemoryAuditLogRepository) Append(ctx context.Context, entry *models.AuditLogEntry) error {
	if m.AppendFunc != nil {
		if err := m.AppendFunc(ctx, entry); err != nil {
			return err
		}
	}
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return err
	}
	if err := storableText(
		entry.Actor.UserID, entry.Actor.Email, entry.Actor.Role,
		entry.Network.IPAddress, entry.Network.UserAgent, entry.Network.RequestID, entry.Network.SessionID,
		entry.Resource.Type, entry.Resource.ID,
	); err != nil {
		return err
	}
	if strings.Contains(string(details), `\u0000`) {
		return errUnstorableText
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.PrevHash == entry.PrevHash {
			return models.ErrConflict
		}
	}
	stored := *entry
	stored.Seq = int64(len(m.entries) + 1)
	m.entries = append(m.entries, &stored)
	return nil
}

func (m *MemoryAuditLogRepository) LastHash(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return "", nil
	}
	return m.entries[len(m.entries)-1].Hash, nil
}

func (m *MemoryAuditLogRepository) ListRange(_ context.Context, from, to time.Time) ([]*models.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditLogEntry
	for _, e := range m.entries {
		if e.Timestamp.Before(from) || (!to.IsZero() && !e.Timestamp.Before(to)) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryAuditLogRepository) Trail(_ context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditLogEntry
	for _, e := range m.entries {
		if filter.UserID != "" && e.Actor.UserID != filter.UserID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if filter.Offset >= len(out) {
		return []*models.AuditLogEntry{}, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Entries returns the stored entries in append order. Mutating them
// simulates tampering with the table.
func (m *MemoryAuditLogRepository) Entries() []*models.AuditLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries
}

// RecordingAuditor implements Auditor by keeping entries in memory.
type RecordingAuditor struct {
	mu      sync.Mutex
	entries []models.AuditLogEntry
}

func (r *RecordingAuditor) Log(_ context.Context, entry models.AuditLogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *RecordingAuditor) Events() []models.AuditEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AuditEventType, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.EventType
	}
	return out
}

// Last returns the most recent entry of type t.
func (r *RecordingAuditor) Last(t models.AuditEventType) (models.AuditLogEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].EventType == t {
			return r.entries[i], true
		}
	}
	return models.AuditLogEntry{}, false
}

func (r *RecordingAuditor) Count(t models.AuditEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.EventType == t {
			n++
		}
	}
	return n
}

// SentMessage is one delivery captured by RecordingNotifier.
type SentMessage struct {
	Kind       string
	To         string
	Link       string
	Code       string
	Method     models.TwoFactorMethod
	AlertEntry *models.AuditLogEntry
	ExpiresAt  time.Time
}

// RecordingNotifier implements Notifier for testing
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []SentMessage

	// Err is returned from every send when set.
	Err error
}

func (n *RecordingNotifier) record(m SentMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m)
	return n.Err
}

func (n *RecordingNotifier) SendVerificationEmail(_ context.Context, to, link string, expiresAt time.Time) error {
	return n.record(SentMessage{Kind: "verification", To: to, Link: link, ExpiresAt: expiresAt})
}

func (n *RecordingNotifier) SendPasswordResetEmail(_ context.Context, to, link string, expiresAt time.Time) error {
	return n.record(SentMessage{Kind: "password_reset", To: to, Link: link, ExpiresAt: expiresAt})
}

func (n *RecordingNotifier) SendTwoFactorCode(_ context.Context, method models.TwoFactorMethod, destination, code string) error {
	return n.record(SentMessage{Kind: "two_factor", To: destination, Code: code, Method: method})
}

func (n *RecordingNotifier) SendSecurityAlert(_ context.Context, entry *models.AuditLogEntry) error {
	return n.record(SentMessage{Kind: "alert", AlertEntry: entry})
}

func (n *RecordingNotifier) Sent() []SentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.sent)
}

// Last returns the most recent message of kind.
func (n *RecordingNotifier) Last(kind string) (SentMessage, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].Kind == kind {
			return n.sent[i], true
		}
	}
	return SentMessage{}, false
}

// MockLockoutStore implements LockoutStore with overridable functions.
type MockLockoutStore struct {
	RecordFailureFunc func(ctx context.Context, key string, at time.Time, window time.Duration) (int, error)
	CountFunc         func(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
	TryLockFunc       func(ctx context.Context, key string, until, now time.Time, ttl time.Duration) (bool, error)
	LockedUntilFunc   func(ctx context.Context, key string) (time.Time, error)
	ClearFunc         func(ctx context.Context, key string) error
}

func (m *MockLockoutStore) RecordFailure(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	if m.RecordFailureFunc != nil {
		return m.RecordFailureFunc(ctx, key, at, window)
	}
	return 1, nil
}

func (m *MockLockoutStore) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	if m.CountFunc != nil {
		return m.CountFunc(ctx, key, now, window)
	}
	return 0, nil
}

func (m *MockLockoutStore) TryLock(ctx context.Context, key string, until, now time.Time, ttl time.Duration) (bool, error) {
	if m.TryLockFunc != nil {
		return m.TryLockFunc(ctx, key, until, now, ttl)
	}
	return true, nil
}

func (m *MockLockoutStore) LockedUntil(ctx context.Context, key string) (time.Time, error) {
	if m.LockedUntilFunc != nil {
		return m.LockedUntilFunc(ctx, key)
	}
	return time.Time{}, nil
}

func (m *MockLockoutStore) Clear(ctx context.Context, key string) error {
	if m.ClearFunc != nil {
		return m.ClearFunc(ctx, key)
	}
	return nil
}

// NewTestUser returns an active, verified user with the given verifier.
func NewTestUser(id, email, passwordHash string) *models.User {
	now := time.Now()
	return &models.User{
		ID:                id,
		Email:             email,
		PasswordHash:      passwordHash,
		FirstName:         "Test",
		LastName:          "User",
		Role:              models.RoleUser,
		Active:            true,
		EmailVerified:     true,
		PasswordChangedAt: now.Add(-48 * time.Hour),
		CreatedAt:         now.Add(-48 * time.Hour),
		UpdatedAt:         now.Add(-48 * time.Hour),
	}
}
