package repositories

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// tryLockScript stores ARGV[1] unless KEYS[1] already holds an expiry
// later than ARGV[2]. It returns 1 when the lock was written.
//
// KEYS[1] lock key; ARGV[1] until ms, ARGV[2] now ms, ARGV[3] ttl ms
var tryLockScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// LockoutStore keeps sliding windows of failed attempts and lock expiries
// in Redis. Window scores are unix milliseconds supplied by the caller.
type LockoutStore struct {
	client *redis.Client
	prefix string
}

func NewLockoutStore(client *redis.Client, prefix string) *LockoutStore {
	return &LockoutStore{client: client, prefix: prefix}
}

func (s *LockoutStore) attemptsKey(key string) string {
	return s.prefix + "lockout:attempts:" + key
}

func (s *LockoutStore) lockKey(key string) string {
	return s.prefix + "lockout:until:" + key
}

// RecordFailure trims the window, adds the attempt and returns the new
// count in one MULTI/EXEC so concurrent failures never under-count.
func (s *LockoutStore) RecordFailure(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	k := s.attemptsKey(key)
	cutoff := "(" + strconv.FormatInt(at.Add(-window).UnixMilli(), 10)

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", cutoff)
		pipe.ZAdd(ctx, k, redis.Z{
			Score:  float64(at.UnixMilli()),
			Member: uuid.NewString(),
		})
		card = pipe.ZCard(ctx, k)
		pipe.PExpire(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	return int(card.Val()), nil
}

// Count returns the number of failures inside the window ending at now.
func (s *LockoutStore) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	min := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	n, err := s.client.ZCount(ctx, s.attemptsKey(key), min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count failures: %w", err)
	}
	return int(n), nil
}

// TryLock records the lock expiry unless a lock still running at now is
// already stored. Only the caller that gets true performed the transition.
// The TTL only purges the key; the stored timestamp is what callers compare
// against.
func (s *LockoutStore) TryLock(ctx context.Context, key string, until, now time.Time, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	n, err := tryLockScript.Run(ctx, s.client, []string{s.lockKey(key)},
		until.UnixMilli(), now.UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("set lock: %w", err)
	}
	return n == 1, nil
}

// LockedUntil returns the zero time when no lock is recorded.
func (s *LockoutStore) LockedUntil(ctx context.Context, key string) (time.Time, error) {
	ms, err := s.client.Get(ctx, s.lockKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get lock: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// Clear removes both the attempt window and any lock for key.
func (s *LockoutStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.attemptsKey(key), s.lockKey(key)).Err(); err != nil {
		return fmt.Errorf("clear lockout: %w", err)
	}
	return nil
}
