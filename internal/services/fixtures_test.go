package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/BradenHooton/dealergate/internal/config"
	"github.com/BradenHooton/dealergate/internal/encryption"
	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/BradenHooton/dealergate/internal/repositories"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const testPassword = "Dealer#Floor2026"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEncryption(t *testing.T) *encryption.Service {
	t.Helper()
	enc, err := encryption.New(encryption.Options{
		MasterKey:      "services-test-master-key-0123456789",
		KDFIterations:  1000,
		HashIterations: 1000,
	})
	require.NoError(t, err)
	return enc
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func noSleep(context.Context, time.Duration) error { return nil }

// testClock is a settable clock shared by the services under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().Truncate(time.Millisecond)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLockoutConfig() config.LockoutConfig {
	return config.LockoutConfig{
		Threshold:        5,
		Window:           15 * time.Minute,
		Duration:         15 * time.Minute,
		Delays:           []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second},
		IPThreshold:      20,
		IPWindow:         15 * time.Minute,
		IPBlockDuration:  time.Hour,
		LocalCacheTTL:    5 * time.Second,
		LocalCacheMaxLen: 100,
	}
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{MaxPerUser: 3, Timeout: 24 * time.Hour, IdleTimeout: 30 * time.Minute}
}

func testTwoFactorConfig() config.TwoFactorConfig {
	return config.TwoFactorConfig{
		Issuer:           "DealerGate",
		PreAuthTTL:       5 * time.Minute,
		PreAuthAttempts:  3,
		CodeTTL:          5 * time.Minute,
		BackupCodeCount:  10,
		TrustedDeviceTTL: 30 * 24 * time.Hour,
		Skew:             1,
	}
}

// testEnv wires every service against miniredis and in-memory repositories.
type testEnv struct {
	clock     *testClock
	mr        *miniredis.Miniredis
	enc       *encryption.Service
	users     *MemoryUserRepository
	tokens    *MemoryRefreshTokenRepository
	actions   *MemoryActionTokenRepository
	twoFARepo *MemoryTwoFactorRepository
	audit     *RecordingAuditor
	notifier  *RecordingNotifier
	lockout   *LockoutService
	sessions  *SessionService
	twoFactor *TwoFactorService
	auth      *AuthService
	tm        *auth.TokenManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, client := newTestRedis(t)
	log := discardLogger()
	clock := newTestClock()

	env := &testEnv{
		clock:     clock,
		mr:        mr,
		enc:       newTestEncryption(t),
		users:     NewMemoryUserRepository(),
		tokens:    NewMemoryRefreshTokenRepository(),
		actions:   NewMemoryActionTokenRepository(),
		twoFARepo: NewMemoryTwoFactorRepository(),
		audit:     &RecordingAuditor{},
		notifier:  &RecordingNotifier{},
	}

	env.lockout = NewLockoutService(repositories.NewLockoutStore(client, "t:"), testLockoutConfig(), env.audit, log)
	env.lockout.now = clock.Now
	env.lockout.sleep = noSleep

	env.sessions = NewSessionService(repositories.NewSessionStore(client, "t:"), env.tokens, env.audit, testSessionConfig(), log)
	env.sessions.now = clock.Now

	env.twoFactor = NewTwoFactorService(env.twoFARepo, repositories.NewTwoFactorStore(client, "t:"),
		env.users, env.enc, env.notifier, env.audit, testTwoFactorConfig(), log)
	env.twoFactor.now = clock.Now

	env.tm = auth.NewTokenManager("services-test-jwt-secret-0123456789", 15*time.Minute).WithClock(clock.Now)

	authSvc, err := NewAuthService(AuthDeps{
		Users:        env.users,
		Tokens:       env.tokens,
		Actions:      env.actions,
		Sessions:     env.sessions,
		Lockout:      env.lockout,
		TwoFactor:    env.twoFactor,
		Enc:          env.enc,
		TokenManager: env.tm,
		Timing:       auth.NewTimingDelay(auth.TimingConfig{}).WithSleep(noSleep),
		Notifier:     env.notifier,
		Audit:        env.audit,
		Logger:       log,
	}, AuthOptions{
		Auth: config.AuthConfig{
			RefreshTokenExpiry:   7 * 24 * time.Hour,
			RotateRefreshTokens:  true,
			EmailVerificationTTL: 24 * time.Hour,
			PasswordResetTTL:     time.Hour,
		},
		Password: config.PasswordConfig{MaxAge: 90 * 24 * time.Hour, MinAge: 24 * time.Hour, HistorySize: 5},
		BaseURL:  "https://portal.example.com",
	})
	require.NoError(t, err)
	authSvc.now = clock.Now
	env.auth = authSvc

	return env
}

// addUser stores an active user whose password is testPassword.
func (e *testEnv) addUser(t *testing.T, id, email string) *models.User {
	t.Helper()
	hash, err := e.enc.Hash(testPassword)
	require.NoError(t, err)
	u := NewTestUser(id, email, hash)
	u.PasswordChangedAt = e.clock.Now().Add(-48 * time.Hour)
	e.users.Put(u)
	e.users.history[id] = []models.PasswordHistoryEntry{{UserID: id, PasswordHash: hash, CreatedAt: u.PasswordChangedAt}}
	return u
}

func testRequest(ip string) models.RequestContext {
	return models.RequestContext{
		IPAddress:         ip,
		UserAgent:         "go-test",
		RequestID:         "req-1",
		DeviceFingerprint: "fp-" + ip,
	}
}
