package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript deletes KEYS[1] only when it holds ARGV[1].
var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// advanceCounterScript stores ARGV[1] in KEYS[1] only when it is greater
// than the stored counter, so an accepted time step can never be reused.
var advanceCounterScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// TwoFactorStore holds the short-lived second-factor state: one-time codes,
// TOTP replay counters, pre-auth tokens and trusted devices.
type TwoFactorStore struct {
	client *redis.Client
	prefix string
}

func NewTwoFactorStore(client *redis.Client, prefix string) *TwoFactorStore {
	return &TwoFactorStore{client: client, prefix: prefix}
}

func (s *TwoFactorStore) codeKey(userID string, method models.TwoFactorMethod) string {
	return s.prefix + "2fa:code:" + string(method) + ":" + userID
}

// SaveCode replaces any outstanding code for the user and method.
func (s *TwoFactorStore) SaveCode(ctx context.Context, userID string, method models.TwoFactorMethod, codeHash string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.codeKey(userID, method), codeHash, ttl).Err(); err != nil {
		return fmt.Errorf("save code: %w", err)
	}
	return nil
}

// ConsumeCode deletes the stored code when it matches codeHash. It reports
// false when there is no code or it does not match.
func (s *TwoFactorStore) ConsumeCode(ctx context.Context, userID string, method models.TwoFactorMethod, codeHash string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{s.codeKey(userID, method)}, codeHash).Int()
	if err != nil {
		return false, fmt.Errorf("consume code: %w", err)
	}
	return n == 1, nil
}

// AdvanceTOTPCounter records counter as the last accepted time step.
func (s *TwoFactorStore) AdvanceTOTPCounter(ctx context.Context, userID string, counter uint64, ttl time.Duration) (bool, error) {
	n, err := advanceCounterScript.Run(ctx, s.client,
		[]string{s.prefix + "2fa:totp:last:" + userID}, counter, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("advance totp counter: %w", err)
	}
	return n == 1, nil
}

func (s *TwoFactorStore) preAuthKey(tokenHash string) string {
	return s.prefix + "preauth:" + tokenHash
}

func (s *TwoFactorStore) SavePreAuth(ctx context.Context, tokenHash string, state *models.PreAuthState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal pre-auth: %w", err)
	}
	if err := s.client.Set(ctx, s.preAuthKey(tokenHash), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save pre-auth: %w", err)
	}
	return nil
}

func (s *TwoFactorStore) GetPreAuth(ctx context.Context, tokenHash string) (*models.PreAuthState, error) {
	raw, err := s.client.Get(ctx, s.preAuthKey(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pre-auth: %w", err)
	}
	var state models.PreAuthState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode pre-auth: %w", err)
	}
	return &state, nil
}

// IncrPreAuthAttempts counts a failed second factor against the token.
func (s *TwoFactorStore) IncrPreAuthAttempts(ctx context.Context, tokenHash string, ttl time.Duration) (int, error) {
	key := s.preAuthKey(tokenHash) + ":attempts"
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count pre-auth attempt: %w", err)
	}
	return int(incr.Val()), nil
}

// ConsumePreAuth removes the token atomically. Only one caller observes true.
func (s *TwoFactorStore) ConsumePreAuth(ctx context.Context, tokenHash string) (bool, error) {
	key := s.preAuthKey(tokenHash)
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, key)
		pipe.Del(ctx, key+":attempts")
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("consume pre-auth: %w", err)
	}
	return del.Val() == 1, nil
}

func (s *TwoFactorStore) trustedKey(userID, fingerprint string) string {
	return s.prefix + "trusted:" + userID + ":" + fingerprint
}

func (s *TwoFactorStore) trustedIndexKey(userID string) string {
	return s.prefix + "trusted_index:" + userID
}

func (s *TwoFactorStore) TrustDevice(ctx context.Context, userID, fingerprint string, until time.Time, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.trustedKey(userID, fingerprint), until.UnixMilli(), ttl)
		pipe.SAdd(ctx, s.trustedIndexKey(userID), fingerprint)
		pipe.PExpire(ctx, s.trustedIndexKey(userID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("trust device: %w", err)
	}
	return nil
}

// TrustedUntil returns the zero time when the device is not trusted.
func (s *TwoFactorStore) TrustedUntil(ctx context.Context, userID, fingerprint string) (time.Time, error) {
	ms, err := s.client.Get(ctx, s.trustedKey(userID, fingerprint)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get trusted device: %w", err)
	}
	return time.UnixMilli(ms), nil
}

func (s *TwoFactorStore) ForgetDevices(ctx context.Context, userID string) error {
	fingerprints, err := s.client.SMembers(ctx, s.trustedIndexKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("list trusted devices: %w", err)
	}

	keys := make([]string, 0, len(fingerprints)+1)
	for _, fp := range fingerprints {
		keys = append(keys, s.trustedKey(userID, fp))
	}
	keys = append(keys, s.trustedIndexKey(userID))

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("forget devices: %w", err)
	}
	return nil
}
