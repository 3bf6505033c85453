package services

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/BradenHooton/dealergate/internal/config"
	"github.com/BradenHooton/dealergate/internal/models"
	pkgauth "github.com/BradenHooton/dealergate/pkg/auth"
	"github.com/BradenHooton/dealergate/pkg/logger"
)

// LockoutStore is the shared, authoritative attempt-window storage.
type LockoutStore interface {
	RecordFailure(ctx context.Context, key string, at time.Time, window time.Duration) (int, error)
	Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
	TryLock(ctx context.Context, key string, until, now time.Time, ttl time.Duration) (bool, error)
	LockedUntil(ctx context.Context, key string) (time.Time, error)
	Clear(ctx context.Context, key string) error
}

const unavailableAlertEvery = time.Minute

// LockoutService throttles credential attempts per account and per source
// IP. Redis is authoritative; the local lock cache only short-circuits
// requests for keys already known to be locked.
type LockoutService struct {
	store  LockoutStore
	cfg    config.LockoutConfig
	audit  Auditor
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	locks  *lockCache

	alertMu   sync.Mutex
	lastAlert time.Time
}

func NewLockoutService(store LockoutStore, cfg config.LockoutConfig, audit Auditor, logger *slog.Logger) *LockoutService {
	return &LockoutService{
		store:  store,
		cfg:    cfg,
		audit:  audit,
		logger: logger,
		now:    time.Now,
		sleep:  auth.SleepContext,
		locks:  newLockCache(cfg.LocalCacheTTL, cfg.LocalCacheMaxLen),
	}
}

func accountKey(email string) string {
	return "acct:" + pkgauth.HashToken(strings.ToLower(strings.TrimSpace(email)))
}

func ipKey(ip string) string {
	return "ip:" + ip
}

// Check gates an attempt. A locked account or blocked IP yields a
// *models.LockoutError. The returned delay must be applied by the caller
// through Wait before verifying credentials.
func (s *LockoutService) Check(ctx context.Context, email, ip string) (models.LockoutDecision, error) {
	now := s.now()

	if ip != "" {
		until, err := s.lockedUntil(ctx, ipKey(ip), now)
		if err != nil {
			return s.openDecision(), s.unavailable(ctx, "check_ip", err)
		}
		if now.Before(until) {
			s.audit.Log(ctx, models.AuditLogEntry{
				EventType: models.AuditRateLimitExceeded,
				Actor:     models.AuditActor{Email: email},
				Network:   models.AuditNetwork{IPAddress: ip},
				Success:   false,
				Details:   models.AuditDetails{"reason": "ip_blocked", "blocked_until": until.UTC().Format(time.RFC3339)},
			})
			return lockedDecision(until, now), &models.LockoutError{RetryAfter: until.Sub(now)}
		}
	}

	key := accountKey(email)
	until, err := s.lockedUntil(ctx, key, now)
	if err != nil {
		return s.openDecision(), s.unavailable(ctx, "check_account", err)
	}
	if now.Before(until) {
		return lockedDecision(until, now), &models.LockoutError{RetryAfter: until.Sub(now)}
	}

	count, err := s.store.Count(ctx, key, now, s.cfg.Window)
	if err != nil {
		return s.openDecision(), s.unavailable(ctx, "count", err)
	}

	switch {
	case !until.IsZero():
		// lock served its time
		if err := s.store.Clear(ctx, key); err != nil {
			s.logger.WarnContext(ctx, "failed to clear expired lockout", slog.Any("error", err))
		}
		s.locks.delete(key)
		count = 0
	case count >= s.cfg.Threshold:
		// window is full but the lock marker is missing
		until, err = s.lock(ctx, key, now.Add(s.cfg.Duration), now, s.cfg.Duration+s.cfg.Window)
		if err != nil {
			return s.openDecision(), s.unavailable(ctx, "lock", err)
		}
		s.locks.put(key, until, now)
		return lockedDecision(until, now), &models.LockoutError{RetryAfter: until.Sub(now)}
	}

	return s.decision(count), nil
}

// Wait applies a progressive delay. It returns early if ctx is done.
func (s *LockoutService) Wait(ctx context.Context, d time.Duration) error {
	return s.sleep(ctx, d)
}

// RecordFailure counts a wrong password or second-factor code for email
// and, past the threshold, locks the account. Only the caller whose write
// locked the account audits ACCOUNT_LOCKED.
func (s *LockoutService) RecordFailure(ctx context.Context, email, ip string) (models.LockoutDecision, error) {
	now := s.now()
	key := accountKey(email)

	count, err := s.store.RecordFailure(ctx, key, now, s.cfg.Window)
	if err != nil {
		return s.openDecision(), s.unavailable(ctx, "record_failure", err)
	}

	if ip != "" {
		s.RecordIPFailure(ctx, ip)
	}

	if count < s.cfg.Threshold {
		return s.decision(count), nil
	}

	until := now.Add(s.cfg.Duration)
	locked, err := s.store.TryLock(ctx, key, until, now, s.cfg.Duration+s.cfg.Window)
	if err != nil {
		return s.openDecision(), s.unavailable(ctx, "lock", err)
	}
	if !locked {
		existing, err := s.store.LockedUntil(ctx, key)
		if err != nil {
			return s.openDecision(), s.unavailable(ctx, "lock", err)
		}
		s.locks.put(key, existing, now)
		return lockedDecision(existing, now), nil
	}
	s.locks.put(key, until, now)

	s.logger.WarnContext(ctx, "account locked",
		slog.String("email", logger.SanitizedEmail(email)),
		slog.Int("failures", count),
		slog.Time("locked_until", until),
	)
	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditAccountLocked,
		Actor:     models.AuditActor{Email: email},
		Network:   models.AuditNetwork{IPAddress: ip},
		Success:   false,
		Details: models.AuditDetails{
			"failures":     count,
			"locked_until": until.UTC().Format(time.RFC3339),
		},
	})

	return lockedDecision(until, now), nil
}

// RecordIPFailure counts any failed credential attempt from ip and blocks
// the address once the per-IP threshold is reached.
func (s *LockoutService) RecordIPFailure(ctx context.Context, ip string) {
	if ip == "" {
		return
	}
	now := s.now()
	key := ipKey(ip)

	count, err := s.store.RecordFailure(ctx, key, now, s.cfg.IPWindow)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record ip failure", slog.Any("error", err))
		return
	}
	if count < s.cfg.IPThreshold {
		return
	}

	until := now.Add(s.cfg.IPBlockDuration)
	blocked, err := s.store.TryLock(ctx, key, until, now, s.cfg.IPBlockDuration+s.cfg.IPWindow)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to block ip", slog.Any("error", err))
		return
	}
	if !blocked {
		return
	}
	s.locks.put(key, until, now)

	s.audit.Log(ctx, models.AuditLogEntry{
		EventType: models.AuditSuspiciousActivity,
		Network:   models.AuditNetwork{IPAddress: ip},
		Success:   false,
		Details: models.AuditDetails{
			"reason":        "credential_stuffing",
			"failures":      count,
			"blocked_until": until.UTC().Format(time.RFC3339),
		},
	})
}

// lock writes until unless another caller already holds a running lock, in
// which case that lock's expiry is returned.
func (s *LockoutService) lock(ctx context.Context, key string, until, now time.Time, ttl time.Duration) (time.Time, error) {
	locked, err := s.store.TryLock(ctx, key, until, now, ttl)
	if err != nil {
		return time.Time{}, err
	}
	if locked {
		return until, nil
	}
	return s.store.LockedUntil(ctx, key)
}

// RecordSuccess resets the account window after a successful login.
func (s *LockoutService) RecordSuccess(ctx context.Context, email string) {
	key := accountKey(email)
	s.locks.delete(key)
	if err := s.store.Clear(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "failed to reset lockout window",
			slog.String("email", logger.SanitizedEmail(email)),
			slog.Any("error", err),
		)
	}
}

// Unlock removes any lock and failure history for email.
func (s *LockoutService) Unlock(ctx context.Context, email string) error {
	key := accountKey(email)
	s.locks.delete(key)
	return s.store.Clear(ctx, key)
}

// Status reports the current state without side effects.
func (s *LockoutService) Status(ctx context.Context, email string) (models.LockoutRecord, error) {
	key := accountKey(email)
	now := s.now()

	until, err := s.store.LockedUntil(ctx, key)
	if err != nil {
		return models.LockoutRecord{}, err
	}
	count, err := s.store.Count(ctx, key, now, s.cfg.Window)
	if err != nil {
		return models.LockoutRecord{}, err
	}
	rec := models.LockoutRecord{Key: key, Count: count}
	if now.Before(until) {
		rec.LockedUntil = until
	}
	return rec, nil
}

func (s *LockoutService) lockedUntil(ctx context.Context, key string, now time.Time) (time.Time, error) {
	if until, ok := s.locks.get(key, now); ok {
		return until, nil
	}
	until, err := s.store.LockedUntil(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	if now.Before(until) {
		s.locks.put(key, until, now)
	}
	return until, nil
}

func (s *LockoutService) decision(count int) models.LockoutDecision {
	state := models.LockoutOpen
	if count >= s.cfg.Threshold-1 && count > 0 {
		state = models.LockoutWarning
	}
	return models.LockoutDecision{
		State:    state,
		Failures: count,
		Delay:    s.delayFor(count),
	}
}

func (s *LockoutService) openDecision() models.LockoutDecision {
	return models.LockoutDecision{State: models.LockoutOpen}
}

func (s *LockoutService) delayFor(count int) time.Duration {
	if len(s.cfg.Delays) == 0 || count <= 0 {
		return 0
	}
	if count >= len(s.cfg.Delays) {
		return s.cfg.Delays[len(s.cfg.Delays)-1]
	}
	return s.cfg.Delays[count]
}

func lockedDecision(until, now time.Time) models.LockoutDecision {
	return models.LockoutDecision{State: models.LockoutLocked, RetryAfter: until.Sub(now)}
}

// unavailable applies the cache-outage policy. Fail-closed rejects; fail-open
// admits the attempt and raises a rate-limited SECURITY_ALERT.
func (s *LockoutService) unavailable(ctx context.Context, op string, err error) error {
	s.logger.ErrorContext(ctx, "lockout store unavailable",
		slog.String("operation", op),
		slog.Bool("fail_closed", s.cfg.FailClosed),
		slog.Any("error", err),
	)
	if s.cfg.FailClosed {
		return models.ErrLockoutUnavailable
	}

	s.alertMu.Lock()
	now := s.now()
	shouldAlert := now.Sub(s.lastAlert) >= unavailableAlertEvery
	if shouldAlert {
		s.lastAlert = now
	}
	s.alertMu.Unlock()

	if shouldAlert {
		s.audit.Log(ctx, models.AuditLogEntry{
			EventType: models.AuditSecurityAlert,
			Severity:  models.SeverityError,
			Success:   false,
			Details: models.AuditDetails{
				"component": "lockout",
				"operation": op,
				"policy":    "fail_open",
			},
		})
	}
	return nil
}

// lockCache remembers known lock expiries for a short time.
type lockCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxLen  int
	entries map[string]lockCacheEntry
}

type lockCacheEntry struct {
	until    time.Time
	cachedAt time.Time
}

func newLockCache(ttl time.Duration, maxLen int) *lockCache {
	return &lockCache{ttl: ttl, maxLen: maxLen, entries: make(map[string]lockCacheEntry)}
}

func (c *lockCache) get(key string, now time.Time) (time.Time, bool) {
	if c.ttl <= 0 {
		return time.Time{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return time.Time{}, false
	}
	if now.Sub(e.cachedAt) >= c.ttl || !now.Before(e.until) {
		delete(c.entries, key)
		return time.Time{}, false
	}
	return e.until, true
}

func (c *lockCache) put(key string, until, now time.Time) {
	if c.ttl <= 0 || c.maxLen <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxLen {
		for k, e := range c.entries {
			if now.Sub(e.cachedAt) >= c.ttl || !now.Before(e.until) {
				delete(c.entries, k)
			}
		}
		for k := range c.entries {
			if len(c.entries) < c.maxLen {
				break
			}
			delete(c.entries, k)
		}
	}
	c.entries[key] = lockCacheEntry{until: until, cachedAt: now}
}

func (c *lockCache) delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
