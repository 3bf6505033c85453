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

// The session scripts derive per-session keys from ARGV, so they are not
// declared in KEYS. This is valid on a single Redis node or a Sentinel
// primary; Redis Cluster would reject the cross-slot access.

// createSessionScript evicts the oldest sessions of a user until there is
// room, then inserts the new one. It runs atomically on the server, so two
// concurrent logins cannot both skip eviction.
//
// KEYS[1] user index, KEYS[2] session key
// ARGV[1] max sessions, ARGV[2] created_at ms, ARGV[3] session id,
// ARGV[4] payload, ARGV[5] ttl ms, ARGV[6] session key prefix
var createSessionScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  if redis.call('EXISTS', ARGV[6] .. id) == 0 then
    redis.call('ZREM', KEYS[1], id)
  end
end

local evicted = {}
local count = redis.call('ZCARD', KEYS[1])
local max = tonumber(ARGV[1])
while count >= max do
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0)
  if #oldest == 0 then break end
  redis.call('ZREM', KEYS[1], oldest[1])
  redis.call('DEL', ARGV[6] .. oldest[1])
  table.insert(evicted, oldest[1])
  count = count - 1
end

redis.call('SET', KEYS[2], ARGV[4], 'PX', ARGV[5])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return evicted
`)

// deleteAllSessionsScript removes every session of a user together with the
// index and returns the removed ids.
//
// KEYS[1] user index; ARGV[1] session key prefix
var deleteAllSessionsScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1])
return ids
`)

type SessionStore struct {
	client *redis.Client
	prefix string
}

func NewSessionStore(client *redis.Client, prefix string) *SessionStore {
	return &SessionStore{client: client, prefix: prefix}
}

func (s *SessionStore) sessionPrefix() string {
	return s.prefix + "session:"
}

func (s *SessionStore) indexKey(userID string) string {
	return s.prefix + "user_sessions:" + userID
}

// Create stores the session, evicting the oldest ones while the user is at
// max. It returns the ids of evicted sessions.
func (s *SessionStore) Create(ctx context.Context, sess *models.Session, max int, ttl time.Duration) ([]string, error) {
	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	evicted, err := createSessionScript.Run(ctx, s.client,
		[]string{s.indexKey(sess.UserID), s.sessionPrefix() + sess.ID},
		max, sess.CreatedAt.UnixMilli(), sess.ID, payload, ttl.Milliseconds(), s.sessionPrefix(),
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return evicted, nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	raw, err := s.client.Get(ctx, s.sessionPrefix()+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// Touch rewrites the session in place, keeping its remaining TTL. A session
// that has already been removed is not recreated.
func (s *SessionStore) Touch(ctx context.Context, sess *models.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	err = s.client.SetArgs(ctx, s.sessionPrefix()+sess.ID, payload, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, userID, sessionID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionPrefix()+sessionID)
		pipe.ZRem(ctx, s.indexKey(userID), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteAll removes every session of the user and returns their ids.
func (s *SessionStore) DeleteAll(ctx context.Context, userID string) ([]string, error) {
	ids, err := deleteAllSessionsScript.Run(ctx, s.client,
		[]string{s.indexKey(userID)}, s.sessionPrefix(),
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("delete sessions: %w", err)
	}
	return ids, nil
}

// List returns the stored sessions of a user, oldest first. Index entries
// whose session has been purged are skipped.
func (s *SessionStore) List(ctx context.Context, userID string) ([]*models.Session, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		return []*models.Session{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionPrefix() + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	sessions := make([]*models.Session, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var sess models.Session
		if err := json.Unmarshal([]byte(str), &sess); err != nil {
			continue
		}
		sessions = append(sessions, &sess)
	}
	return sessions, nil
}
