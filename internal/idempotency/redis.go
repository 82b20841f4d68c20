package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "presence:idempotency:"

// RedisRepository stores records in Redis with a TTL, so every replica sees
// the same keys and expired records need no cleanup job.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisRepository creates a repository whose records live for ttl
// (DefaultExpiry when zero).
func NewRedisRepository(client *redis.Client, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &RedisRepository{client: client, ttl: ttl, now: time.Now}
}

func redisKey(scope, key string) string {
	return redisKeyPrefix + scope + ":" + key
}

// Get retrieves the record stored for key in scope.
func (r *RedisRepository) Get(ctx context.Context, scope, key string) (*Record, error) {
	raw, err := r.client.Get(ctx, redisKey(scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}

	var record Record
	if err := cbor.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &record, nil
}

// Store saves a new record with SET NX.
func (r *RedisRepository) Store(ctx context.Context, record *Record) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	stored := *record
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	raw, err := cbor.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}

	ok, err := r.client.SetNX(ctx, redisKey(stored.Scope, stored.Key), raw, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}
