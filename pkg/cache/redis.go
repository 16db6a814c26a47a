package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIndexPrefix namespaces index keys: plategen:v1:index:<fingerprint>.
const RedisIndexPrefix = "plategen:v1:index:"

// RedisIndex keeps one key per cached fingerprint. Keys never expire.
type RedisIndex struct {
	client redis.UniversalClient
}

type redisIndexRecord struct {
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

func NewRedisIndex(client redis.UniversalClient) *RedisIndex {
	return &RedisIndex{client: client}
}

func redisIndexKey(fingerprint string) string {
	return RedisIndexPrefix + fingerprint
}

func (r *RedisIndex) Has(ctx context.Context, fingerprint string) (bool, error) {
	n, err := r.client.Exists(ctx, redisIndexKey(fingerprint)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key existence: %w", err)
	}
	return n > 0, nil
}

func (r *RedisIndex) Record(ctx context.Context, fingerprint string, createdAt time.Time) error {
	value, err := json.Marshal(redisIndexRecord{Fingerprint: fingerprint, CreatedAt: createdAt})
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return r.client.Set(ctx, redisIndexKey(fingerprint), value, 0).Err()
}

var _ Index = (*RedisIndex)(nil)
