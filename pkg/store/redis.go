package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

// RedisAdapter stores contract records in a single Redis hash keyed by
// contract id.
type RedisAdapter struct {
	client *redis.Client
	key    string
}

// NewRedisAdapter creates an adapter backed by Redis. keyPrefix namespaces
// the hash; empty means "lc".
func NewRedisAdapter(addr, password string, db int, keyPrefix string) *RedisAdapter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisAdapterWithClient(rdb, keyPrefix)
}

// NewRedisAdapterWithClient wraps an existing client.
func NewRedisAdapterWithClient(client *redis.Client, keyPrefix string) *RedisAdapter {
	if keyPrefix == "" {
		keyPrefix = "lc"
	}
	return &RedisAdapter{client: client, key: keyPrefix + ":contracts"}
}

// Initialize checks connectivity.
func (r *RedisAdapter) Initialize(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: redis ping: %w", err)
	}
	return nil
}

func (r *RedisAdapter) Save(ctx context.Context, c *contracts.LearningContract) error {
	rec, err := EncodeRecord(c)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.key, c.ContractID, rec).Err(); err != nil {
		return fmt.Errorf("store: redis save: %w", err)
	}
	return nil
}

func (r *RedisAdapter) Get(ctx context.Context, id string) (*contracts.LearningContract, error) {
	rec, err := r.client.HGet(ctx, r.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get: %w", err)
	}
	return DecodeRecord(rec)
}

func (r *RedisAdapter) Delete(ctx context.Context, id string) (bool, error) {
	n, err := r.client.HDel(ctx, r.key, id).Result()
	if err != nil {
		return false, fmt.Errorf("store: redis delete: %w", err)
	}
	return n > 0, nil
}

func (r *RedisAdapter) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.HExists(ctx, r.key, id).Result()
	if err != nil {
		return false, fmt.Errorf("store: redis exists: %w", err)
	}
	return ok, nil
}

func (r *RedisAdapter) GetAll(ctx context.Context) ([]*contracts.LearningContract, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis get all: %w", err)
	}
	out := make([]*contracts.LearningContract, 0, len(all))
	for id, rec := range all {
		c, err := DecodeRecord([]byte(rec))
		if err != nil {
			return nil, fmt.Errorf("contract %s: %w", id, err)
		}
		out = append(out, c)
	}
	sortContracts(out)
	return out, nil
}

func (r *RedisAdapter) Count(ctx context.Context) (int, error) {
	n, err := r.client.HLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: redis count: %w", err)
	}
	return int(n), nil
}

func (r *RedisAdapter) Clear(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

func (r *RedisAdapter) Close() error {
	return r.client.Close()
}
