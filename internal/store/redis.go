package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/config"
)

// Redis stores the record as one hash named "<namespace>:session".
type Redis struct {
	client *redis.Client
	key    string
	log    *zap.Logger
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, cfg config.Redis, namespace string, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	return NewRedis(client, namespace, logger), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, namespace string, logger *zap.Logger) *Redis {
	return &Redis{client: client, key: namespace + ":session", log: logger.Named("store.redis")}
}

func (s *Redis) Load(ctx context.Context) (schemas.SessionState, error) {
	kv, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return schemas.SessionState{}, fmt.Errorf("failed to read session hash: %w", err)
	}
	return Decode(kv)
}

func (s *Redis) Save(ctx context.Context, state schemas.SessionState) error {
	kv, err := Encode(state)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(kv) > 0 {
			pipe.HSet(ctx, s.key, kv)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write session hash: %w", err)
	}
	return nil
}

func (s *Redis) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear session hash: %w", err)
	}
	return nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}
