package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	commonlog "plan_sync/client/common/log"
)

const (
	redisKeyPrefix      = "plansync:storage:"
	redisChangesChannel = "plansync:storage:changes"
)

type redisChange struct {
	Key    string `json:"key"`
	Origin string `json:"origin"`
}

// RedisStore shares storage between every agent of a user through Redis.
// Writes are announced on a pub/sub channel tagged with the writer's origin so
// a store skips its own announcements.
type RedisStore struct {
	client *redis.Client
	origin string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, origin: uuid.NewString()}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return raw, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, redisKeyPrefix+key, value, 0).Err(); err != nil {
		return err
	}
	s.announce(ctx, key)
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return err
	}
	s.announce(ctx, key)
	return nil
}

func (s *RedisStore) announce(ctx context.Context, key string) {
	b, err := json.Marshal(redisChange{Key: key, Origin: s.origin})
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, redisChangesChannel, b).Err(); err != nil {
		commonlog.Warnf("event=storage_change action=publish status=failed key=%s error=%v", key, err)
	}
}

func (s *RedisStore) Watch(ctx context.Context) (<-chan Change, error) {
	sub := s.client.Subscribe(ctx, redisChangesChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	out := make(chan Change, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			var change redisChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				continue
			}
			if change.Origin == s.origin || change.Key == "" {
				continue
			}
			select {
			case out <- Change{Key: change.Key}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) Close() error {
	return nil
}

func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func Ping(ctx context.Context, c *redis.Client) error {
	return c.Ping(ctx).Err()
}
