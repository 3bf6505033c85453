package repositories

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// ============================================================================
// LockoutStore
// ============================================================================

func TestLockoutStore_SlidingWindow(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewLockoutStore(client, "t:")
	ctx := context.Background()
	window := 15 * time.Minute
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		n, err := store.RecordFailure(ctx, "email:a@example.com", start.Add(time.Duration(i)*time.Minute), window)
		require.NoError(t, err)
		assert.Equal(t, i+1, n)
	}

	// 16 minutes after the first failure it has left the window.
	n, err := store.RecordFailure(ctx, "email:a@example.com", start.Add(16*time.Minute), window)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := store.Count(ctx, "email:a@example.com", start.Add(30*time.Minute), window)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLockoutStore_ConcurrentFailuresAreCounted(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewLockoutStore(client, "t:")
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.RecordFailure(ctx, "email:race@example.com", now, time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, err := store.Count(ctx, "email:race@example.com", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 20, count)
}

func TestLockoutStore_LockLifecycle(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewLockoutStore(client, "t:")
	ctx := context.Background()

	until, err := store.LockedUntil(ctx, "email:x@example.com")
	require.NoError(t, err)
	assert.True(t, until.IsZero())

	now := time.Now()
	want := time.UnixMilli(now.Add(15 * time.Minute).UnixMilli())
	locked, err := store.TryLock(ctx, "email:x@example.com", want, now, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, locked)

	locked, err = store.TryLock(ctx, "email:x@example.com", want.Add(time.Minute), now.Add(time.Second), 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, locked, "a running lock is not overwritten")

	until, err = store.LockedUntil(ctx, "email:x@example.com")
	require.NoError(t, err)
	assert.True(t, want.Equal(until))

	// an expired marker still inside its TTL can be replaced
	later := now.Add(16 * time.Minute)
	locked, err = store.TryLock(ctx, "email:x@example.com", later.Add(15*time.Minute), later, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, locked)

	_, err = store.RecordFailure(ctx, "email:x@example.com", time.Now(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Clear(ctx, "email:x@example.com"))

	until, err = store.LockedUntil(ctx, "email:x@example.com")
	require.NoError(t, err)
	assert.True(t, until.IsZero())
	count, err := store.Count(ctx, "email:x@example.com", time.Now(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// ============================================================================
// SessionStore
// ============================================================================

func newSession(id, userID string, created time.Time) *models.Session {
	return &models.Session{ID: id, UserID: userID, CreatedAt: created, LastActivity: created}
}

func TestSessionStore_CreateEvictsOldest(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewSessionStore(client, "t:")
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		evicted, err := store.Create(ctx, newSession(fmt.Sprintf("s%d", i), "u1", base.Add(time.Duration(i)*time.Minute)), 3, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, evicted)
	}

	evicted, err := store.Create(ctx, newSession("s3", "u1", base.Add(3*time.Minute)), 3, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"s0"}, evicted)

	_, err = store.Get(ctx, "s0")
	assert.ErrorIs(t, err, models.ErrNotFound)

	sessions, err := store.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "s1", sessions[0].ID)
	assert.Equal(t, "s3", sessions[2].ID)
}

func TestSessionStore_ConcurrentCreateRespectsMax(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewSessionStore(client, "t:")
	ctx := context.Background()
	base := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Create(ctx, newSession(fmt.Sprintf("c%02d", i), "u2", base.Add(time.Duration(i)*time.Millisecond)), 5, time.Hour)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sessions, err := store.List(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, sessions, 5)
}

func TestSessionStore_PurgedEntriesDoNotCount(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewSessionStore(client, "t:")
	ctx := context.Background()
	base := time.Now()

	_, err := store.Create(ctx, newSession("old", "u3", base), 2, time.Minute)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	_, err = store.Create(ctx, newSession("a", "u3", base.Add(3*time.Minute)), 2, time.Hour)
	require.NoError(t, err)
	evicted, err := store.Create(ctx, newSession("b", "u3", base.Add(4*time.Minute)), 2, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, evicted)
}

func TestSessionStore_TouchAndDelete(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewSessionStore(client, "t:")
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	sess := newSession("s1", "u4", base)
	_, err := store.Create(ctx, sess, 5, time.Hour)
	require.NoError(t, err)

	sess.LastActivity = base.Add(10 * time.Minute)
	require.NoError(t, store.Touch(ctx, sess))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.LastActivity.Equal(base.Add(10*time.Minute)))

	require.NoError(t, store.Delete(ctx, "u4", "s1"))
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Touch after delete must not resurrect the session.
	require.NoError(t, store.Touch(ctx, sess))
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSessionStore_DeleteAll(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewSessionStore(client, "t:")
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, newSession(fmt.Sprintf("d%d", i), "u5", base.Add(time.Duration(i)*time.Second)), 5, time.Hour)
		require.NoError(t, err)
	}

	ids, err := store.DeleteAll(ctx, "u5")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d0", "d1", "d2"}, ids)

	sessions, err := store.List(ctx, "u5")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	ids, err = store.DeleteAll(ctx, "u5")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// ============================================================================
// TwoFactorStore
// ============================================================================

func TestTwoFactorStore_CodeSingleUse(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewTwoFactorStore(client, "t:")
	ctx := context.Background()

	require.NoError(t, store.SaveCode(ctx, "u1", models.TwoFactorEmail, "hash-1", time.Minute))

	ok, err := store.ConsumeCode(ctx, "u1", models.TwoFactorEmail, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.ConsumeCode(ctx, "u1", models.TwoFactorEmail, "hash-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ConsumeCode(ctx, "u1", models.TwoFactorEmail, "hash-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTwoFactorStore_CodeExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewTwoFactorStore(client, "t:")
	ctx := context.Background()

	require.NoError(t, store.SaveCode(ctx, "u1", models.TwoFactorSMS, "hash-1", time.Minute))
	mr.FastForward(2 * time.Minute)

	ok, err := store.ConsumeCode(ctx, "u1", models.TwoFactorSMS, "hash-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTwoFactorStore_AdvanceTOTPCounter(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewTwoFactorStore(client, "t:")
	ctx := context.Background()

	ok, err := store.AdvanceTOTPCounter(ctx, "u1", 100, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AdvanceTOTPCounter(ctx, "u1", 100, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "same step must not be accepted twice")

	ok, err = store.AdvanceTOTPCounter(ctx, "u1", 99, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "older step must not be accepted")

	ok, err = store.AdvanceTOTPCounter(ctx, "u1", 101, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTwoFactorStore_PreAuthLifecycle(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewTwoFactorStore(client, "t:")
	ctx := context.Background()

	state := &models.PreAuthState{UserID: "u1", Email: "a@example.com", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.SavePreAuth(ctx, "tok", state, time.Minute))

	got, err := store.GetPreAuth(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)

	n, err := store.IncrPreAuthAttempts(ctx, "tok", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := store.ConsumePreAuth(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ConsumePreAuth(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.GetPreAuth(ctx, "tok")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestTwoFactorStore_TrustedDevices(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewTwoFactorStore(client, "t:")
	ctx := context.Background()
	until := time.UnixMilli(time.Now().Add(30 * 24 * time.Hour).UnixMilli())

	require.NoError(t, store.TrustDevice(ctx, "u1", "fp-1", until, time.Hour))
	require.NoError(t, store.TrustDevice(ctx, "u1", "fp-2", until, time.Hour))

	got, err := store.TrustedUntil(ctx, "u1", "fp-1")
	require.NoError(t, err)
	assert.True(t, until.Equal(got))

	got, err = store.TrustedUntil(ctx, "u1", "unknown")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	require.NoError(t, store.ForgetDevices(ctx, "u1"))
	got, err = store.TrustedUntil(ctx, "u1", "fp-2")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

// ============================================================================
// AuditChainStore
// ============================================================================

func TestAuditChainStore_Advance(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewAuditChainStore(client, "t:")
	ctx := context.Background()

	_, ok, err := store.LastHash(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	advanced, err := store.Advance(ctx, "", "h1")
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = store.Advance(ctx, "stale", "h2")
	require.NoError(t, err)
	assert.False(t, advanced)

	advanced, err = store.Advance(ctx, "h1", "h2")
	require.NoError(t, err)
	assert.True(t, advanced)

	hash, ok, err := store.LastHash(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "h2", hash)

	require.NoError(t, store.Invalidate(ctx))
	_, ok, err = store.LastHash(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
