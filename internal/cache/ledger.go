package cache

import (
	"context"
	"fmt"
	"time"

	"signal-kitchen/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	deliveryPrefix     = "delivered:"
	DefaultLedgerTTL   = 7 * 24 * time.Hour
	tierPrefix         = "tier:"
	subscriptionPrefix = "subscription:"
)

// DeliveryLedger records which (channel, consumer, key) triples were already
// pushed so overlapping distributor runs never deliver twice.
type DeliveryLedger struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewDeliveryLedger(client redis.UniversalClient, ttl time.Duration) *DeliveryLedger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &DeliveryLedger{client: client, ttl: ttl}
}

// Claim returns true for exactly one caller per triple within the TTL.
func (l *DeliveryLedger) Claim(ctx context.Context, channel, consumerID, key string) (bool, error) {
	ok, err := l.client.SetNX(ctx, deliveryPrefix+channel+":"+consumerID+":"+key, time.Now().UTC().Unix(), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim delivery %s/%s/%s: %w", channel, consumerID, key, err)
	}
	return ok, nil
}

// TierCache memoizes externally resolved tiers.
type TierCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewTierCache(client redis.UniversalClient, ttl time.Duration) *TierCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TierCache{client: client, ttl: ttl}
}

func (c *TierCache) Get(ctx context.Context, consumerID string) (domain.Tier, bool, error) {
	raw, err := c.client.Get(ctx, tierPrefix+consumerID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read cached tier for %s: %w", consumerID, err)
	}
	tier, ok := domain.ParseTier(raw)
	if !ok {
		return "", false, nil
	}
	return tier, true, nil
}

func (c *TierCache) Set(ctx context.Context, consumerID string, tier domain.Tier) error {
	if err := c.client.Set(ctx, tierPrefix+consumerID, string(tier), c.ttl).Err(); err != nil {
		return fmt.Errorf("cache tier for %s: %w", consumerID, err)
	}
	return nil
}
