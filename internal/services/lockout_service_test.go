package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/BradenHooton/dealergate/internal/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLockout(t *testing.T) (*LockoutService, *RecordingAuditor, *testClock) {
	t.Helper()
	_, client := newTestRedis(t)
	audit := &RecordingAuditor{}
	clock := newTestClock()
	svc := NewLockoutService(repositories.NewLockoutStore(client, "t:"), testLockoutConfig(), audit, discardLogger())
	svc.now = clock.Now
	svc.sleep = noSleep
	return svc, audit, clock
}

func TestLockoutService_ProgressiveDelay(t *testing.T) {
	svc, _, _ := newTestLockout(t)
	ctx := context.Background()
	email := "dealer@example.com"

	d, err := svc.Check(ctx, email, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, models.LockoutOpen, d.State)
	assert.Zero(t, d.Delay)

	wantDelays := []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second}
	for i, want := range wantDelays {
		_, err := svc.RecordFailure(ctx, email, "10.0.0.1")
		require.NoError(t, err)

		d, err := svc.Check(ctx, email, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, i+1, d.Failures)
		assert.Equal(t, want, d.Delay, "delay after %d failures", i+1)
	}

	d, err = svc.Check(ctx, email, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, models.LockoutWarning, d.State, "one attempt left should warn")
}

func TestLockoutService_LocksAtThreshold(t *testing.T) {
	svc, audit, _ := newTestLockout(t)
	ctx := context.Background()
	email := "dealer@example.com"

	var last models.LockoutDecision
	for i := 0; i < 5; i++ {
		var err error
		last, err = svc.RecordFailure(ctx, email, "10.0.0.1")
		require.NoError(t, err)
	}
	assert.Equal(t, models.LockoutLocked, last.State)
	assert.Equal(t, 1, audit.Count(models.AuditAccountLocked))

	_, err := svc.Check(ctx, email, "10.0.0.1")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAccountLocked)

	var lockErr *models.LockoutError
	require.True(t, errors.As(err, &lockErr))
	assert.Equal(t, 15*time.Minute, lockErr.RetryAfter)

	// further failures while locked do not re-lock or re-audit
	_, err = svc.RecordFailure(ctx, email, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 1, audit.Count(models.AuditAccountLocked))
}

func TestLockoutService_CaseInsensitiveKey(t *testing.T) {
	svc, _, _ := newTestLockout(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.RecordFailure(ctx, "Dealer@Example.com", "")
		require.NoError(t, err)
	}

	_, err := svc.Check(ctx, " dealer@example.com", "")
	assert.ErrorIs(t, err, models.ErrAccountLocked)
}

func TestLockoutService_LockExpiresAndWindowResets(t *testing.T) {
	svc, _, clock := newTestLockout(t)
	ctx := context.Background()
	email := "dealer@example.com"

	for i := 0; i < 5; i++ {
		_, err := svc.RecordFailure(ctx, email, "")
		require.NoError(t, err)
	}

	clock.Advance(15*time.Minute + time.Second)

	d, err := svc.Check(ctx, email, "")
	require.NoError(t, err)
	assert.Equal(t, models.LockoutOpen, d.State)
	assert.Zero(t, d.Failures)

	rec, err := svc.Status(ctx, email)
	require.NoError(t, err)
	assert.Zero(t, rec.Count)
	assert.True(t, rec.LockedUntil.IsZero())
}

func TestLockoutService_FailuresOutsideWindowDoNotCount(t *testing.T) {
	svc, _, clock := newTestLockout(t)
	ctx := context.Background()
	email := "dealer@example.com"

	for i := 0; i < 4; i++ {
		_, err := svc.RecordFailure(ctx, email, "")
		require.NoError(t, err)
	}
	clock.Advance(16 * time.Minute)

	d, err := svc.RecordFailure(ctx, email, "")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Failures)
	assert.NotEqual(t, models.LockoutLocked, d.State)
}

func TestLockoutService_RecordSuccessResets(t *testing.T) {
	svc, _, _ := newTestLockout(t)
	ctx := context.Background()
	email := "dealer@example.com"

	for i := 0; i < 3; i++ {
		_, err := svc.RecordFailure(ctx, email, "")
		require.NoError(t, err)
	}
	svc.RecordSuccess(ctx, email)

	d, err := svc.Check(ctx, email, "")
	require.NoError(t, err)
	assert.Zero(t, d.Failures)
}

func TestLockoutService_Unlock(t *testing.T) {
	svc, _, _ := newTestLockout(t)
	ctx := context.Background()
	email := "dealer@example.com"

	for i := 0; i < 5; i++ {
		_, err := svc.RecordFailure(ctx, email, "")
		require.NoError(t, err)
	}
	rec, err := svc.Status(ctx, email)
	require.NoError(t, err)
	assert.False(t, rec.LockedUntil.IsZero())

	require.NoError(t, svc.Unlock(ctx, email))

	_, err = svc.Check(ctx, email, "")
	assert.NoError(t, err)
}

func TestLockoutService_BlocksCredentialStuffingIP(t *testing.T) {
	svc, audit, _ := newTestLockout(t)
	ctx := context.Background()
	ip := "203.0.113.9"

	// one failure each against many accounts never trips the account lock
	for i := 0; i < 20; i++ {
		svc.RecordIPFailure(ctx, ip)
	}
	assert.Equal(t, 1, audit.Count(models.AuditSuspiciousActivity))

	_, err := svc.Check(ctx, fmt.Sprintf("fresh%d@example.com", 99), ip)
	assert.ErrorIs(t, err, models.ErrAccountLocked)
	assert.Equal(t, 1, audit.Count(models.AuditRateLimitExceeded))

	_, err = svc.Check(ctx, "fresh@example.com", "198.51.100.1")
	assert.NoError(t, err)
}

func TestLockoutService_ConcurrentFailuresLockOnce(t *testing.T) {
	svc, audit, _ := newTestLockout(t)
	ctx := context.Background()
	email := "dealer@example.com"

	for i := 0; i < 4; i++ {
		_, err := svc.RecordFailure(ctx, email, "10.0.0.1")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	decisions := make([]models.LockoutDecision, 8)
	for i := range decisions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i], _ = svc.RecordFailure(ctx, email, "10.0.0.1")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, audit.Count(models.AuditAccountLocked))
	for _, d := range decisions {
		assert.Equal(t, models.LockoutLocked, d.State)
	}
}

func TestLockoutService_LostLockRaceDoesNotAudit(t *testing.T) {
	other := time.Now().Add(10 * time.Minute)
	store := &MockLockoutStore{
		RecordFailureFunc: func(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
			return 5, nil
		},
		TryLockFunc: func(ctx context.Context, key string, until, now time.Time, ttl time.Duration) (bool, error) {
			return false, nil
		},
		LockedUntilFunc: func(ctx context.Context, key string) (time.Time, error) {
			return other, nil
		},
	}
	audit := &RecordingAuditor{}
	svc := NewLockoutService(store, testLockoutConfig(), audit, discardLogger())

	d, err := svc.RecordFailure(context.Background(), "dealer@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, models.LockoutLocked, d.State)
	assert.Zero(t, audit.Count(models.AuditAccountLocked))
}

func TestLockoutService_RepairsMissingLockMarker(t *testing.T) {
	var lockedUntil time.Time
	store := &MockLockoutStore{
		CountFunc: func(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
			return 5, nil
		},
		TryLockFunc: func(ctx context.Context, key string, until, now time.Time, ttl time.Duration) (bool, error) {
			lockedUntil = until
			return true, nil
		},
	}
	svc := NewLockoutService(store, testLockoutConfig(), &RecordingAuditor{}, discardLogger())

	_, err := svc.Check(context.Background(), "dealer@example.com", "")
	assert.ErrorIs(t, err, models.ErrAccountLocked)
	assert.False(t, lockedUntil.IsZero())
}

func TestLockoutService_StoreOutage(t *testing.T) {
	down := errors.New("connection refused")
	store := &MockLockoutStore{
		LockedUntilFunc: func(ctx context.Context, key string) (time.Time, error) {
			return time.Time{}, down
		},
		RecordFailureFunc: func(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
			return 0, down
		},
	}

	t.Run("fail closed rejects", func(t *testing.T) {
		cfg := testLockoutConfig()
		cfg.FailClosed = true
		svc := NewLockoutService(store, cfg, &RecordingAuditor{}, discardLogger())

		_, err := svc.Check(context.Background(), "dealer@example.com", "10.0.0.1")
		assert.ErrorIs(t, err, models.ErrLockoutUnavailable)
	})

	t.Run("fail open admits and alerts once per minute", func(t *testing.T) {
		audit := &RecordingAuditor{}
		clock := newTestClock()
		svc := NewLockoutService(store, testLockoutConfig(), audit, discardLogger())
		svc.now = clock.Now

		d, err := svc.Check(context.Background(), "dealer@example.com", "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed())

		_, err = svc.RecordFailure(context.Background(), "dealer@example.com", "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, 1, audit.Count(models.AuditSecurityAlert))

		clock.Advance(time.Minute)
		_, err = svc.Check(context.Background(), "dealer@example.com", "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, 2, audit.Count(models.AuditSecurityAlert))
	})
}

func TestLockoutService_WaitHonoursContext(t *testing.T) {
	svc := NewLockoutService(&MockLockoutStore{}, testLockoutConfig(), &RecordingAuditor{}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.Wait(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLockCache(t *testing.T) {
	now := time.Now()
	c := newLockCache(5*time.Second, 2)

	c.put("a", now.Add(time.Minute), now)
	until, ok := c.get("a", now.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), until)

	_, ok = c.get("a", now.Add(6*time.Second))
	assert.False(t, ok, "entry older than ttl must be dropped")

	c.put("b", now.Add(time.Minute), now)
	c.put("c", now.Add(time.Minute), now)
	c.put("d", now.Add(time.Minute), now)
	assert.LessOrEqual(t, len(c.entries), 2)

	c.put("e", now.Add(time.Second), now)
	_, ok = c.get("e", now.Add(2*time.Second))
	assert.False(t, ok, "expired lock must not be served")
}
