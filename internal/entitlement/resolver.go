package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"signal-kitchen/internal/domain"
	"signal-kitchen/pkg/retry"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Directory is the on-disk consumer list.
type Directory struct {
	Consumers  []domain.Consumer `yaml:"consumers" validate:"dive"`
	StakeSteps []StakeStep       `yaml:"stake_steps"`
}

// LoadDirectory reads and validates a YAML consumer directory. Consumer IDs
// and API keys must be unique.
func LoadDirectory(path string) (*Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read consumer directory: %w", err)
	}
	return ParseDirectory(raw)
}

func ParseDirectory(raw []byte) (*Directory, error) {
	var dir Directory
	if err := yaml.Unmarshal(raw, &dir); err != nil {
		return nil, fmt.Errorf("decode consumer directory: %w", err)
	}
	if err := validator.New().Struct(dir); err != nil {
		return nil, fmt.Errorf("invalid consumer directory: %w", err)
	}

	ids := make(map[string]struct{}, len(dir.Consumers))
	keys := make(map[string]struct{}, len(dir.Consumers))
	for i := range dir.Consumers {
		c := &dir.Consumers[i]
		c.Tier, _ = domain.ParseTier(string(c.Tier))
		if _, dup := ids[c.ID]; dup {
			return nil, fmt.Errorf("duplicate consumer id %q", c.ID)
		}
		ids[c.ID] = struct{}{}
		if c.APIKey != "" {
			if _, dup := keys[c.APIKey]; dup {
				return nil, fmt.Errorf("duplicate api key for consumer %q", c.ID)
			}
			keys[c.APIKey] = struct{}{}
		}
		for j, a := range c.Assets {
			c.Assets[j] = strings.ToUpper(strings.TrimSpace(a))
		}
	}
	for _, s := range dir.StakeSteps {
		if !s.Resolution.IsValid() {
			return nil, fmt.Errorf("stake step %v: unsupported resolution %q", s.MinWeight, s.Resolution)
		}
	}
	return &dir, nil
}

// TierLookup resolves a consumer's tier from the staking ledger.
type TierLookup interface {
	LookupTier(ctx context.Context, consumerID string) (domain.Tier, error)
}

type TierCache interface {
	Get(ctx context.Context, consumerID string) (domain.Tier, bool, error)
	Set(ctx context.Context, consumerID string, tier domain.Tier) error
}

type SubscriptionReader interface {
	Get(ctx context.Context, consumerID string) (*domain.Subscription, error)
}

// HTTPTierLookup calls GET {base}/tiers/{id} and expects {"tier": "..."}.
type HTTPTierLookup struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
}

func NewHTTPTierLookup(baseURL string, maxAttempts int) *HTTPTierLookup {
	return &HTTPTierLookup{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		maxAttempts: maxAttempts,
	}
}

func (l *HTTPTierLookup) LookupTier(ctx context.Context, consumerID string) (domain.Tier, error) {
	var tier domain.Tier
	_, err := retry.Do(ctx, 200*time.Millisecond, l.maxAttempts, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/tiers/"+url.PathEscape(consumerID), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := l.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(domain.ErrUnknownConsumer)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("tier lookup returned status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("tier lookup returned status %d", resp.StatusCode))
		}

		var body struct {
			Tier string `json:"tier"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return backoff.Permanent(fmt.Errorf("decode tier lookup: %w", err))
		}
		parsed, ok := domain.ParseTier(body.Tier)
		if !ok {
			return backoff.Permanent(fmt.Errorf("tier lookup returned unknown tier %q", body.Tier))
		}
		tier = parsed
		return nil
	})
	if err != nil {
		return "", err
	}
	return tier, nil
}

// Resolver turns a consumer ID or API key into a Consumer with its current
// tier and webhook registration.
type Resolver struct {
	mu        sync.RWMutex
	consumers map[string]domain.Consumer
	byAPIKey  map[string]string

	lookup TierLookup
	tiers  TierCache
	subs   SubscriptionReader
	logger *zap.Logger
}

// NewResolver accepts nil lookup, tiers and subs.
func NewResolver(dir *Directory, lookup TierLookup, tiers TierCache, subs SubscriptionReader, logger *zap.Logger) *Resolver {
	r := &Resolver{
		consumers: make(map[string]domain.Consumer),
		byAPIKey:  make(map[string]string),
		lookup:    lookup,
		tiers:     tiers,
		subs:      subs,
		logger:    logger.With(zap.String("component", "entitlement-resolver")),
	}
	if dir != nil {
		for _, c := range dir.Consumers {
			r.consumers[c.ID] = c
			if c.APIKey != "" {
				r.byAPIKey[c.APIKey] = c.ID
			}
		}
	}
	return r
}

// IDs lists directory consumers in a stable order.
func (r *Resolver) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.consumers))
	for id := range r.consumers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Resolver) ResolveAPIKey(ctx context.Context, apiKey string) (domain.Consumer, error) {
	r.mu.RLock()
	id, ok := r.byAPIKey[apiKey]
	r.mu.RUnlock()
	if !ok || apiKey == "" {
		return domain.Consumer{}, domain.ErrUnknownConsumer
	}
	return r.Resolve(ctx, id)
}

// ResolveUnkeyed accepts a bare consumer ID only for directory entries that
// have no API key. Keyed and lookup-only consumers must present credentials.
func (r *Resolver) ResolveUnkeyed(ctx context.Context, consumerID string) (domain.Consumer, error) {
	consumerID = strings.TrimSpace(consumerID)
	r.mu.RLock()
	c, known := r.consumers[consumerID]
	r.mu.RUnlock()
	if !known || c.APIKey != "" {
		return domain.Consumer{}, domain.ErrUnknownConsumer
	}
	return r.Resolve(ctx, consumerID)
}

// KeyedConsumers reports whether any directory entry carries an API key.
func (r *Resolver) KeyedConsumers() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAPIKey) > 0
}

// Resolve returns the consumer with its tier refreshed from the cache or
// the external lookup. Consumers absent from the directory are accepted
// when the lookup knows them. Lookup failures fall back to the directory
// tier.
func (r *Resolver) Resolve(ctx context.Context, consumerID string) (domain.Consumer, error) {
	consumerID = strings.TrimSpace(consumerID)
	if consumerID == "" {
		return domain.Consumer{}, domain.ErrUnknownConsumer
	}
	r.mu.RLock()
	c, known := r.consumers[consumerID]
	r.mu.RUnlock()
	if !known {
		c = domain.Consumer{ID: consumerID}
	}

	tier, err := r.resolveTier(ctx, consumerID)
	switch {
	case err == nil:
		c.Tier = tier
	case !known && (errors.Is(err, domain.ErrUnknownConsumer) || errors.Is(err, errNoLookup)):
		return domain.Consumer{}, domain.ErrUnknownConsumer
	case !known:
		return domain.Consumer{}, fmt.Errorf("resolve tier for %s: %w", consumerID, err)
	default:
		if !errors.Is(err, errNoLookup) {
			r.logger.Warn("tier lookup failed, using directory tier", zap.String("consumer", consumerID), zap.Error(err))
		}
	}

	if r.subs != nil {
		sub, err := r.subs.Get(ctx, consumerID)
		if err != nil {
			r.logger.Warn("subscription read failed", zap.String("consumer", consumerID), zap.Error(err))
		} else if sub != nil {
			c.WebhookURL = sub.WebhookURL
			c.WebhookKey = sub.WebhookKey
		}
	}
	return c, nil
}

var errNoLookup = errors.New("no tier lookup configured")

func (r *Resolver) resolveTier(ctx context.Context, consumerID string) (domain.Tier, error) {
	if r.lookup == nil {
		return "", errNoLookup
	}
	if r.tiers != nil {
		tier, ok, err := r.tiers.Get(ctx, consumerID)
		if err != nil {
			r.logger.Warn("tier cache read failed", zap.String("consumer", consumerID), zap.Error(err))
		} else if ok {
			return tier, nil
		}
	}
	tier, err := r.lookup.LookupTier(ctx, consumerID)
	if err != nil {
		return "", err
	}
	if r.tiers != nil {
		if err := r.tiers.Set(ctx, consumerID, tier); err != nil {
			r.logger.Warn("tier cache write failed", zap.String("consumer", consumerID), zap.Error(err))
		}
	}
	return tier, nil
}

// ResolveChat maps a Telegram chat to its directory consumer. Unknown chats
// get an anonymous free-tier consumer.
func (r *Resolver) ResolveChat(ctx context.Context, chatID int64) (domain.Consumer, error) {
	r.mu.RLock()
	var id string
	for _, c := range r.consumers {
		if c.TelegramChatID == chatID && chatID != 0 {
			id = c.ID
			break
		}
	}
	r.mu.RUnlock()
	if id == "" {
		return domain.Consumer{ID: fmt.Sprintf("telegram:%d", chatID), Tier: domain.TierFree, TelegramChatID: chatID}, nil
	}
	return r.Resolve(ctx, id)
}

// ChatIDs lists the Telegram chats configured in the directory.
func (r *Resolver) ChatIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.consumers))
	for _, c := range r.consumers {
		if c.TelegramChatID != 0 {
			out = append(out, c.TelegramChatID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
