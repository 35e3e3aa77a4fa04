package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists notifications as JSON strings with a per-user sorted
// set of unread ids scored by creation time.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis server at redisURL.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

var _ Store = (*RedisStore)(nil)

func recordKey(id string) string {
	return fmt.Sprintf("notification:%s", id)
}

func unreadKey(userID string) string {
	return fmt.Sprintf("notifications:user:%s:unread", userID)
}

// saveScript stores the record only if the id is new and indexes it as
// unread in the same step. A repeated id re-adds a stored unread record to
// its owner's index, which ZADD NX makes idempotent.
var saveScript = redis.NewScript(`
local created = redis.call('SET', KEYS[1], ARGV[1], 'NX')
if not created then
	local existing = cjson.decode(redis.call('GET', KEYS[1]))
	if existing['isRead'] or existing['targetUserId'] ~= ARGV[5] then
		return 0
	end
elseif ARGV[2] == '1' then
	return 1
end
redis.call('ZADD', KEYS[2], 'NX', ARGV[3], ARGV[4])
if created then
	return 1
end
return 0
`)

// Save writes the record unless its id already exists, leaving the first
// copy untouched, and indexes it as unread atomically.
func (s *RedisStore) Save(ctx context.Context, n *Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	read := "0"
	if n.IsRead {
		read = "1"
	}

	keys := []string{recordKey(n.ID), unreadKey(n.TargetUserID)}
	err = saveScript.Run(ctx, s.client, keys, data, read, n.CreatedAt.UnixMilli(), n.ID, n.TargetUserID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}

// Get loads a single record.
func (s *RedisStore) Get(ctx context.Context, id string) (*Notification, error) {
	data, err := s.client.Get(ctx, recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("unmarshal notification: %w", err)
	}
	return &n, nil
}

// ListUnread returns unread records newest first.
func (s *RedisStore) ListUnread(ctx context.Context, userID string) ([]Notification, error) {
	ids, err := s.client.ZRevRange(ctx, unreadKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Notification{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Notification, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var n Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// MarkRead rewrites the record with the read flag and drops it from the
// user's unread index.
func (s *RedisStore) MarkRead(ctx context.Context, id string) error {
	n, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if n.IsRead {
		return nil
	}
	n.IsRead = true

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recordKey(id), data, redis.KeepTTL)
		pipe.ZRem(ctx, unreadKey(n.TargetUserID), id)
		return nil
	})
	return err
}

// CountUnread returns the cardinality of the user's unread index.
func (s *RedisStore) CountUnread(ctx context.Context, userID string) (int, error) {
	count, err := s.client.ZCard(ctx, unreadKey(userID)).Result()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
