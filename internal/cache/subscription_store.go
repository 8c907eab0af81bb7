package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"signal-kitchen/internal/domain"

	"github.com/redis/go-redis/v9"
)

// SubscriptionStore keeps webhook registrations made over the API.
type SubscriptionStore struct {
	client redis.UniversalClient
}

func NewSubscriptionStore(client redis.UniversalClient) *SubscriptionStore {
	return &SubscriptionStore{client: client}
}

func (s *SubscriptionStore) Save(ctx context.Context, sub domain.Subscription) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	if err := s.client.Set(ctx, subscriptionPrefix+sub.ConsumerID, body, 0).Err(); err != nil {
		return fmt.Errorf("save subscription for %s: %w", sub.ConsumerID, err)
	}
	return nil
}

// Get returns nil without error when the consumer has no subscription.
func (s *SubscriptionStore) Get(ctx context.Context, consumerID string) (*domain.Subscription, error) {
	body, err := s.client.Get(ctx, subscriptionPrefix+consumerID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read subscription for %s: %w", consumerID, err)
	}
	var sub domain.Subscription
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription for %s: %w", consumerID, err)
	}
	return &sub, nil
}
