package store

import (
	"context"
	"fmt"
	"time"

	"vidqueue/task"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps the snapshot as one hash whose fields are the four keys.
type RedisStore struct {
	rdb    redis.Cmdable
	key    string
	closer func() error
}

func NewRedisStore(rdb redis.Cmdable, key string) *RedisStore {
	return &RedisStore{rdb: rdb, key: key, closer: func() error { return nil }}
}

// DialRedis connects to addr and verifies the connection with a ping.
func DialRedis(ctx context.Context, addr, password string, db int, key string, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("redis store connected", zap.String("addr", addr), zap.String("key", key))
	s := NewRedisStore(client, key)
	s.closer = client.Close
	return s, nil
}

// Save writes every field in a single MULTI/EXEC.
func (s *RedisStore) Save(ctx context.Context, snap *task.Snapshot) error {
	values, err := encode(snap)
	if err != nil {
		return err
	}
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		fields[k] = v
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.key, fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline save state: %w", err)
	}
	return nil
}

// Load returns (nil, nil) when the hash does not exist.
func (s *RedisStore) Load(ctx context.Context) (*task.Snapshot, error) {
	res, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load state: %w", err)
	}
	return decode(res)
}

func (s *RedisStore) Close() error {
	return s.closer()
}
