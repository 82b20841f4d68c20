package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how long an administrator change can take to reach
// the verification path.
const DefaultCacheTTL = 30 * time.Second

const activePoliciesKey = "presence:network:active_policies"

// CachedPolicySource serves the active policy set from Redis, falling back to
// the repository on a miss. Redis failures degrade to direct repository reads;
// they never turn into an empty allow-list.
type CachedPolicySource struct {
	repo   PolicyRepository
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedPolicySource wraps repo with a Redis-backed snapshot cache.
func NewCachedPolicySource(repo PolicyRepository, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedPolicySource {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedPolicySource{
		repo:   repo,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// ListActive returns the cached active policies, loading them on a miss.
func (c *CachedPolicySource) ListActive(ctx context.Context) ([]Policy, error) {
	raw, err := c.client.Get(ctx, activePoliciesKey).Bytes()
	switch {
	case err == nil:
		var policies []Policy
		decodeErr := cbor.Unmarshal(raw, &policies)
		if decodeErr == nil {
			return policies, nil
		}
		c.logger.WarnContext(ctx, "discarding undecodable policy cache entry", "error", decodeErr)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.WarnContext(ctx, "policy cache read failed", "error", err)
	}

	policies, err := c.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	encoded, err := cbor.Marshal(policies)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to encode policy cache entry", "error", err)
		return policies, nil
	}
	if err := c.client.Set(ctx, activePoliciesKey, encoded, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "policy cache write failed", "error", err)
	}
	return policies, nil
}

// Save writes through to the repository and drops the cached snapshot.
func (c *CachedPolicySource) Save(ctx context.Context, policy Policy) error {
	if err := c.repo.Save(ctx, policy); err != nil {
		return err
	}
	return c.Invalidate(ctx)
}

// Get reads directly from the repository.
func (c *CachedPolicySource) Get(ctx context.Context, id string) (*Policy, error) {
	return c.repo.Get(ctx, id)
}

// Invalidate removes the cached snapshot.
func (c *CachedPolicySource) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, activePoliciesKey).Err(); err != nil {
		return fmt.Errorf("failed to invalidate policy cache: %w", err)
	}
	return nil
}
