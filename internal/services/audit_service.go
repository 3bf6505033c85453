package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BradenHooton/dealergate/internal/encryption"
	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/BradenHooton/dealergate/pkg/logger"
	"github.com/google/uuid"
)

// Auditor is the write side of the audit log. Log never fails the caller.
type Auditor interface {
	Log(ctx context.Context, entry models.AuditLogEntry)
}

// AuditLogRepository is the durable, append-only ledger.
type AuditLogRepository interface {
	Append(ctx context.Context, entry *models.AuditLogEntry) error
	LastHash(ctx context.Context) (string, error)
	ListRange(ctx context.Context, from, to time.Time) ([]*models.AuditLogEntry, error)
	Trail(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error)
}

// AuditChainCache holds the shared pointer to the newest hash.
type AuditChainCache interface {
	LastHash(ctx context.Context) (string, bool, error)
	Advance(ctx context.Context, prev, next string) (bool, error)
	Invalidate(ctx context.Context) error
}

// SecurityAlerter is notified of critical entries.
type SecurityAlerter interface {
	SendSecurityAlert(ctx context.Context, entry *models.AuditLogEntry) error
}

var errChainContention = errors.New("audit chain tail kept moving")

const (
	auditWriteTimeout = 5 * time.Second
	alertTimeout      = 10 * time.Second
	auditMaxRetries   = 5
)

// AuditService appends hash-chained entries. Appends within one process are
// serialized; across processes the UNIQUE prev_hash constraint arbitrates.
type AuditService struct {
	repo    AuditLogRepository
	chain   AuditChainCache
	alerter SecurityAlerter
	local   *logger.AuditLogger
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	alerts sync.WaitGroup
}

func NewAuditService(repo AuditLogRepository, chain AuditChainCache, alerter SecurityAlerter, log *slog.Logger) *AuditService {
	return &AuditService{
		repo:    repo,
		chain:   chain,
		alerter: alerter,
		local:   logger.NewAuditLogger(log),
		logger:  log,
		now:     time.Now,
	}
}

// Log masks, hashes and appends entry. Failures are written to the process
// log and swallowed.
func (s *AuditService) Log(ctx context.Context, entry models.AuditLogEntry) {
	if !entry.EventType.IsValid() {
		s.logger.ErrorContext(ctx, "rejected audit entry with unknown event type",
			slog.String("event_type", string(entry.EventType)))
		return
	}
	if !entry.Severity.IsValid() {
		entry.Severity = entry.EventType.DefaultSeverity()
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	fillNetwork(ctx, &entry.Network)
	cleanEntryText(&entry)

	details, err := normalizeDetails(maskDetails(entry.Details))
	if err != nil {
		s.local.Dropped(ctx, auditRecord(&entry), err)
		return
	}
	entry.Details = details

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	if err := s.append(writeCtx, &entry); err != nil {
		s.local.Dropped(ctx, auditRecord(&entry), err)
	} else {
		s.local.Record(ctx, auditRecord(&entry))
	}

	if entry.Severity == models.SeverityCritical && s.alerter != nil {
		s.alert(ctx, entry)
	}
}

func (s *AuditService) append(ctx context.Context, e *models.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.tail(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain tail: %w", err)
	}

	// Postgres keeps microseconds; the hashed timestamp must survive a round trip.
	e.Timestamp = s.now().UTC().Truncate(time.Microsecond)

	for attempt := 0; attempt < auditMaxRetries; attempt++ {
		e.PrevHash = prev
		e.Hash, err = ComputeEntryHash(e, prev)
		if err != nil {
			return err
		}

		err = s.repo.Append(ctx, e)
		if err == nil {
			s.advancePointer(ctx, prev, e.Hash)
			return nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}

		// Another writer extended this tail first.
		if s.chain != nil {
			if err := s.chain.Invalidate(ctx); err != nil {
				s.logger.WarnContext(ctx, "failed to invalidate audit chain pointer", slog.Any("error", err))
			}
		}
		prev, err = s.repo.LastHash(ctx)
		if err != nil {
			return fmt.Errorf("failed to reread chain tail: %w", err)
		}
	}
	return errChainContention
}

func (s *AuditService) tail(ctx context.Context) (string, error) {
	if s.chain != nil {
		hash, ok, err := s.chain.LastHash(ctx)
		if err == nil && ok {
			return hash, nil
		}
		if err != nil {
			s.logger.WarnContext(ctx, "audit chain pointer unavailable, using ledger", slog.Any("error", err))
		}
	}
	return s.repo.LastHash(ctx)
}

func (s *AuditService) advancePointer(ctx context.Context, prev, next string) {
	if s.chain == nil {
		return
	}
	ok, err := s.chain.Advance(ctx, prev, next)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to advance audit chain pointer", slog.Any("error", err))
		return
	}
	if !ok {
		s.logger.DebugContext(ctx, "audit chain pointer moved by another writer")
	}
}

func (s *AuditService) alert(ctx context.Context, entry models.AuditLogEntry) {
	s.alerts.Add(1)
	go func() {
		defer s.alerts.Done()
		alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
		defer cancel()
		if err := s.alerter.SendSecurityAlert(alertCtx, &entry); err != nil {
			s.logger.ErrorContext(alertCtx, "failed to send security alert",
				slog.String("entry_id", entry.ID),
				slog.String("event_type", string(entry.EventType)),
				slog.Any("error", err),
			)
		}
	}()
}

// Flush waits for in-flight security alerts.
func (s *AuditService) Flush() {
	s.alerts.Wait()
}

// ComputeEntryHash returns hex(SHA-256(canonical(entry) || prevHash)).
func ComputeEntryHash(e *models.AuditLogEntry, prevHash string) (string, error) {
	canonical, err := e.Canonical()
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize audit entry: %w", err)
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyIntegrity walks entries with from <= timestamp < to in append order
// and checks every hash and link. A zero from starts at the genesis entry,
// whose previous hash must be empty.
func (s *AuditService) VerifyIntegrity(ctx context.Context, from, to time.Time) (*models.IntegrityReport, error) {
	entries, err := s.repo.ListRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit range: %w", err)
	}

	report := &models.IntegrityReport{
		From:       from,
		To:         to,
		Valid:      true,
		Mismatches: []models.IntegrityMismatch{},
	}

	expectedPrev, linkKnown := "", from.IsZero()
	for _, e := range entries {
		report.Checked++
		broken := false

		if linkKnown && e.PrevHash != expectedPrev {
			broken = true
			report.Mismatches = append(report.Mismatches, models.IntegrityMismatch{
				EntryID: e.ID, Seq: e.Seq, Kind: models.IntegrityLinkMismatch,
				Expected: expectedPrev, Actual: e.PrevHash,
			})
		}

		want, err := ComputeEntryHash(e, e.PrevHash)
		if err != nil {
			return nil, err
		}
		if want != e.Hash {
			broken = true
			report.Mismatches = append(report.Mismatches, models.IntegrityMismatch{
				EntryID: e.ID, Seq: e.Seq, Kind: models.IntegrityHashMismatch,
				Expected: want, Actual: e.Hash,
			})
		}

		if broken && report.Valid {
			report.Valid = false
			report.BrokenAt = e.ID
		}
		if !report.Valid {
			report.Untrusted = append(report.Untrusted, e.ID)
		}

		expectedPrev, linkKnown = e.Hash, true
	}

	if !report.Valid {
		s.Log(ctx, models.AuditLogEntry{
			EventType: models.AuditIntegrityCheckFailed,
			Severity:  models.SeverityCritical,
			Resource:  models.AuditResource{Type: "audit_log", ID: report.BrokenAt},
			Success:   false,
			Details: models.AuditDetails{
				"checked":    report.Checked,
				"mismatches": len(report.Mismatches),
				"untrusted":  len(report.Untrusted),
			},
		})
	}

	return report, nil
}

// Trail returns entries for a user, newest first.
func (s *AuditService) Trail(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.EventType != "" && !filter.EventType.IsValid() {
		return nil, models.ErrBadRequest
	}

	entries, err := s.repo.Trail(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit trail: %w", err)
	}
	return entries, nil
}

func fillNetwork(ctx context.Context, n *models.AuditNetwork) {
	rc := models.RequestContextFrom(ctx)
	if n.IPAddress == "" {
		n.IPAddress = rc.IPAddress
	}
	if n.UserAgent == "" {
		n.UserAgent = rc.UserAgent
	}
	if n.RequestID == "" {
		n.RequestID = rc.RequestID
	}
}

// cleanEntryText keeps every stored column valid UTF-8 so the row is
// accepted and its hash matches what is read back.
func cleanEntryText(e *models.AuditLogEntry) {
	e.Actor.UserID = models.CleanText(e.Actor.UserID, 0)
	e.Actor.Email = models.CleanText(e.Actor.Email, 0)
	e.Actor.Role = models.CleanText(e.Actor.Role, 0)
	e.Network.IPAddress = models.CleanText(e.Network.IPAddress, models.MaxRequestValue)
	e.Network.UserAgent = models.CleanText(e.Network.UserAgent, models.MaxRequestValue)
	e.Network.RequestID = models.CleanText(e.Network.RequestID, models.MaxRequestValue)
	e.Network.SessionID = models.CleanText(e.Network.SessionID, models.MaxRequestValue)
	e.Resource.Type = models.CleanText(e.Resource.Type, 0)
	e.Resource.ID = models.CleanText(e.Resource.ID, 0)
}

// exact matches for short keys, substring matches for the rest
var (
	sensitiveKeys      = map[string]bool{"code": true, "otp": true, "pin": true, "cvv": true, "ssn": true}
	sensitiveFragments = []string{"password", "secret", "token", "card_number", "account_number", "backup_code", "routing_number"}
)

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if sensitiveKeys[k] {
		return true
	}
	for _, f := range sensitiveFragments {
		if strings.Contains(k, f) {
			return true
		}
	}
	return false
}

func maskDetails(details models.AuditDetails) models.AuditDetails {
	if details == nil {
		return models.AuditDetails{}
	}
	out := make(models.AuditDetails, len(details))
	for k, v := range details {
		k = models.CleanText(k, 0)
		out[k] = maskValue(k, v)
	}
	return out
}

func maskValue(key string, v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(maskDetails(val))
	case models.AuditDetails:
		return map[string]any(maskDetails(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = maskValue(key, item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = maskValue(key, item)
		}
		return out
	case string:
		v = models.CleanText(val, 0)
	}
	if !isSensitiveKey(key) || v == nil {
		return v
	}
	if str, ok := v.(string); ok {
		return encryption.MaskMiddle(str)
	}
	return "****"
}

// normalizeDetails round-trips through JSON so the hashed form equals what
// is read back from storage.
func normalizeDetails(details models.AuditDetails) (models.AuditDetails, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit details: %w", err)
	}
	out := models.AuditDetails{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode audit details: %w", err)
	}
	return out, nil
}

func auditRecord(e *models.AuditLogEntry) logger.AuditRecord {
	return logger.AuditRecord{
		EntryID:   e.ID,
		EventType: string(e.EventType),
		Severity:  string(e.Severity),
		UserID:    e.Actor.UserID,
		IPAddress: e.Network.IPAddress,
		RequestID: e.Network.RequestID,
		Success:   e.Success,
		Hash:      e.Hash,
		Details:   e.Details,
	}
}
