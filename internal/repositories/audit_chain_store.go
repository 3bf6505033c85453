package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// advancePointerScript moves the pointer from ARGV[1] to ARGV[2]. A missing
// pointer is also advanced; any other value means another writer is ahead.
var advancePointerScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (not cur) or cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// AuditChainStore caches the hash of the newest ledger entry.
type AuditChainStore struct {
	client *redis.Client
	key    string
}

func NewAuditChainStore(client *redis.Client, prefix string) *AuditChainStore {
	return &AuditChainStore{client: client, key: prefix + "audit:last_hash"}
}

// LastHash reports ok=false when the pointer is cold.
func (s *AuditChainStore) LastHash(ctx context.Context) (string, bool, error) {
	hash, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get last hash: %w", err)
	}
	return hash, true, nil
}

func (s *AuditChainStore) Advance(ctx context.Context, prev, next string) (bool, error) {
	n, err := advancePointerScript.Run(ctx, s.client, []string{s.key}, prev, next).Int()
	if err != nil {
		return false, fmt.Errorf("advance last hash: %w", err)
	}
	return n == 1, nil
}

// Invalidate drops the pointer so the next reader falls back to the ledger.
func (s *AuditChainStore) Invalidate(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("invalidate last hash: %w", err)
	}
	return nil
}
