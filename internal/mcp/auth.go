package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"signal-kitchen/internal/domain"

	mcpauth "github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultMCPMaxBodyBytes int64 = 1 << 20 // 1MiB
	tokenInfoTTL                 = time.Minute
)

// RateLimiter decides whether one more request for key fits the budget.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type HTTPHandlerConfig struct {
	// Consumers maps bearer tokens to directory consumers by API key.
	Consumers       APIKeyResolver
	RateLimitPerMin int
	MaxBodyBytes    int64
	// Limiter defaults to an in-process token bucket of RateLimitPerMin.
	Limiter RateLimiter
	Logger  *zap.Logger
}

func wrapHTTPHandler(base http.Handler, cfg HTTPHandlerConfig) http.Handler {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = newMemoryRateLimiter(cfg.RateLimitPerMin)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := withBodyLimit(base, cfg.MaxBodyBytes)
	h = withRateLimit(h, limiter, logger)
	h = mcpauth.RequireBearerToken(consumerTokenVerifier(cfg.Consumers), nil)(h)
	return h
}

// consumerTokenVerifier binds each bearer token to the directory consumer
// owning that API key. The consumer ID becomes the session user, so tools
// read as that consumer and sessions cannot be reused under another key.
func consumerTokenVerifier(consumers APIKeyResolver) mcpauth.TokenVerifier {
	return func(ctx context.Context, token string, _ *http.Request) (*mcpauth.TokenInfo, error) {
		if consumers == nil {
			return nil, fmt.Errorf("%w: no consumer keys configured", mcpauth.ErrInvalidToken)
		}
		c, err := consumers.ResolveAPIKey(ctx, strings.TrimSpace(token))
		if err != nil {
			if errors.Is(err, domain.ErrUnknownConsumer) {
				return nil, mcpauth.ErrInvalidToken
			}
			return nil, fmt.Errorf("resolve bearer token: %w", err)
		}
		return &mcpauth.TokenInfo{UserID: c.ID, Expiration: time.Now().Add(tokenInfoTTL)}, nil
	}
}

func withBodyLimit(next http.Handler, limit int64) http.Handler {
	if limit <= 0 {
		limit = defaultMCPMaxBodyBytes
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit fails open when the limiter itself errors.
func withRateLimit(next http.Handler, limiter RateLimiter, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := rateLimitKey(r)
		allowed, err := limiter.Allow(r.Context(), key)
		if err != nil {
			logger.Warn("rate limit check failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", "60")
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitKey combines a token digest with the client host so raw tokens
// never end up in limiter keys.
func rateLimitKey(r *http.Request) string {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	if host == "" {
		host = "unknown"
	}
	if token == "" {
		return host
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8]) + "|" + host
}

type memoryRateLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	bucket map[string]*tokenBucket
	now    func() time.Time
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

func newMemoryRateLimiter(perMin int) *memoryRateLimiter {
	if perMin <= 0 {
		perMin = 60
	}
	return &memoryRateLimiter{
		rate:   float64(perMin) / 60.0,
		burst:  float64(perMin),
		bucket: make(map[string]*tokenBucket),
		now:    time.Now,
	}
}

func (l *memoryRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	if key == "" {
		key = "default"
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &tokenBucket{tokens: l.burst - 1, last: now}
		return true, nil
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
	}
	b.last = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// windowScript counts a request in the current minute window. KEYS: window.
// ARGV: limit. Returns 1 when the request fits.
var windowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('EXPIRE', KEYS[1], 60)
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

// RedisRateLimiter is a fixed one-minute window shared by every MCP replica.
type RedisRateLimiter struct {
	client redis.UniversalClient
	perMin int
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, perMin int) *RedisRateLimiter {
	if perMin <= 0 {
		perMin = 60
	}
	return &RedisRateLimiter{client: client, perMin: perMin, now: time.Now}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	window := l.now().Unix() / 60
	res, err := windowScript.Run(ctx, l.client,
		[]string{fmt.Sprintf("mcp:ratelimit:%s:%d", key, window)},
		strconv.Itoa(l.perMin),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit window: %w", err)
	}
	return res == 1, nil
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
