package memory

import (
	"context"
	"encoding/json"
	"path"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// The redis store implements the History interface with one Redis list
// per user, trimmed to the most recent turns. The keys namespace is
// organized as follows:
// - `/<prefix>/history/<userID>` for the conversation turns

type redisHistory struct {
	client *redis.Client
	prefix string
	max    int64
}

// NewRedisHistory creates a History backed by Redis.
func NewRedisHistory(client *redis.Client, prefix string) History {
	return &redisHistory{
		client: client,
		prefix: prefix,
		max:    50,
	}
}

func (m *redisHistory) key(userID string) string {
	return path.Join(m.prefix, "history", userID)
}

func (m *redisHistory) GetRecent(ctx context.Context, userID string, limit int) ([]Turn, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	data, err := m.client.LRange(ctx, m.key(userID), start, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read history from Redis")
	}

	turns := make([]Turn, 0, len(data))
	for _, item := range data {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			logger.ContextKV(ctx, xlog.ERROR, "reason", "unmarshal turn", "err", err.Error())
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (m *redisHistory) Append(ctx context.Context, userID string, turn Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return errors.Wrap(err, "failed to marshal turn")
	}

	key := m.key(userID)
	pipe := m.client.Pipeline()
	pipe.RPush(ctx, key, data)
	// Keep only the most recent turns
	pipe.LTrim(ctx, key, -m.max, -1)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to store turn in Redis")
	}
	return nil
}

func (m *redisHistory) Reset(ctx context.Context, userID string) error {
	if err := m.client.Del(ctx, m.key(userID)).Err(); err != nil {
		return errors.Wrap(err, "failed to reset history in Redis")
	}
	return nil
}
