package config

import (
	"os"
	"strconv"
	"strings"

	"signal-kitchen/internal/domain"

	"go.uber.org/zap"
)

type Config struct {
	LogLevel         string
	HTTPAddr         string
	TelegramBotToken string
	DatabaseURL      string
	RedisURL         string
	CORSOrigins      []string

	Assets           []string
	Timeframes       []domain.Timeframe
	SchedulerTickSec int
	LookbackPoints   int
	FetchWorkers     int
	FetchMaxAttempts int
	BinanceBaseURL   string
	StoreTimeoutSecs int
	RetentionHours   int
	AnomalyEnabled   bool
	AnomalyThreshold float64

	SummaryMaxAttempts int
	SummaryTimeoutSecs int
	SummaryHistory     int
	OrderBookEnabled   bool
	OrderBookLimit     int
	OpenAIAPIKey       string
	OpenAIModel        string
	PredictionAPIURL   string
	PredictionAPIKey   string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	ConsumersFile       string
	TierLookupURL       string
	TierCacheTTLSecs    int
	DeliveryMaxAttempts int
	KafkaBrokers        []string

	PositionManagerURL string
	TraderTimeframes   []domain.Timeframe
	TraderTopN         int

	MCPTransport          string
	MCPHTTPEnabled        bool
	MCPHTTPBind           string
	MCPHTTPPort           int
	MCPRequestTimeoutSecs int
	MCPRateLimitPerMin    int
}

func Load() *Config {
	log := zap.L()
	cfg := &Config{
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		PredictionAPIKey: os.Getenv("PREDICTION_API_KEY"),
		S3AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:      os.Getenv("S3_SECRET_KEY"),
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.HTTPAddr = strings.TrimSpace(os.Getenv("PORT"))
	switch {
	case cfg.HTTPAddr == "":
		cfg.HTTPAddr = ":8080"
	case !strings.HasPrefix(cfg.HTTPAddr, ":") && !strings.Contains(cfg.HTTPAddr, ":"):
		cfg.HTTPAddr = ":" + cfg.HTTPAddr
	}

	if cfg.TelegramBotToken == "" {
		log.Warn("TELEGRAM_BOT_TOKEN not set")
	}
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, signal records will be kept in Redis")
	}
	if cfg.RedisURL == "" {
		log.Warn("REDIS_URL not set, defaulting to localhost:6379")
		cfg.RedisURL = "localhost:6379"
	}

	cfg.CORSOrigins = splitList(os.Getenv("CORS_ALLOWED_ORIGINS"))

	cfg.Assets = parseAssets(os.Getenv("ASSETS"))
	cfg.Timeframes = parseTimeframes(os.Getenv("TIMEFRAMES"), domain.SupportedTimeframes)

	cfg.SchedulerTickSec = positiveInt("SCHEDULER_TICK_SECS", 60)
	cfg.LookbackPoints = positiveInt("LOOKBACK_POINTS", 120)
	cfg.FetchWorkers = positiveInt("FETCH_WORKERS", 4)
	cfg.FetchMaxAttempts = positiveInt("FETCH_MAX_ATTEMPTS", 4)
	cfg.StoreTimeoutSecs = positiveInt("STORE_TIMEOUT_SECS", 5)
	cfg.RetentionHours = positiveInt("RECORD_RETENTION_HOURS", 96)

	cfg.AnomalyEnabled = !strings.EqualFold(strings.TrimSpace(os.Getenv("ANOMALY_DETECTION")), "off")
	cfg.AnomalyThreshold = positiveFloat("ANOMALY_THRESHOLD", 0.7)
	if cfg.AnomalyThreshold > 1 {
		log.Warn("ANOMALY_THRESHOLD above 1, clamping", zap.Float64("value", cfg.AnomalyThreshold))
		cfg.AnomalyThreshold = 1
	}

	cfg.BinanceBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("BINANCE_BASE_URL")), "/")
	if cfg.BinanceBaseURL == "" {
		cfg.BinanceBaseURL = "https://data-api.binance.vision/api/v3"
	}

	cfg.SummaryMaxAttempts = positiveInt("SUMMARY_MAX_ATTEMPTS", 3)
	cfg.SummaryTimeoutSecs = positiveInt("SUMMARY_TIMEOUT_SECS", 30)
	cfg.SummaryHistory = positiveInt("SUMMARY_HISTORY", 5)
	cfg.OrderBookEnabled = !strings.EqualFold(strings.TrimSpace(os.Getenv("ORDERBOOK_CONTEXT")), "off")
	cfg.OrderBookLimit = positiveInt("ORDERBOOK_LIMIT", 1000)

	cfg.OpenAIModel = strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "gpt-4o-mini"
	}
	cfg.PredictionAPIURL = strings.TrimSpace(os.Getenv("PREDICTION_API_URL"))
	if cfg.OpenAIAPIKey == "" && cfg.PredictionAPIURL == "" {
		log.Warn("neither OPENAI_API_KEY nor PREDICTION_API_URL set, summaries will be disabled")
	}

	cfg.S3Bucket = strings.TrimSpace(os.Getenv("S3_BUCKET"))
	cfg.S3Endpoint = strings.TrimSpace(os.Getenv("S3_ENDPOINT"))
	cfg.S3Region = strings.TrimSpace(os.Getenv("S3_REGION"))
	if cfg.S3Region == "" {
		cfg.S3Region = "us-east-1"
	}

	cfg.ConsumersFile = strings.TrimSpace(os.Getenv("CONSUMERS_FILE"))
	if cfg.ConsumersFile == "" {
		log.Warn("CONSUMERS_FILE not set, no consumers will receive deliveries")
	}
	cfg.TierLookupURL = strings.TrimRight(strings.TrimSpace(os.Getenv("TIER_LOOKUP_URL")), "/")
	cfg.TierCacheTTLSecs = positiveInt("TIER_CACHE_TTL_SECS", 300)
	cfg.DeliveryMaxAttempts = positiveInt("DELIVERY_MAX_ATTEMPTS", 3)
	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))

	cfg.PositionManagerURL = strings.TrimRight(strings.TrimSpace(os.Getenv("POSITION_MANAGER_URL")), "/")
	cfg.TraderTimeframes = parseTimeframes(os.Getenv("TRADER_TIMEFRAMES"), []domain.Timeframe{
		domain.Timeframe15m, domain.Timeframe1h, domain.Timeframe4h, domain.Timeframe1d,
	})
	cfg.TraderTopN = positiveInt("TRADER_TOP_N", 3)

	cfg.MCPTransport = strings.ToLower(strings.TrimSpace(os.Getenv("MCP_TRANSPORT")))
	if cfg.MCPTransport == "" {
		cfg.MCPTransport = "stdio"
	}
	if cfg.MCPTransport != "stdio" && cfg.MCPTransport != "http" {
		log.Warn("unsupported MCP_TRANSPORT, defaulting to stdio", zap.String("value", cfg.MCPTransport))
		cfg.MCPTransport = "stdio"
	}

	cfg.MCPHTTPEnabled = strings.EqualFold(strings.TrimSpace(os.Getenv("MCP_HTTP_ENABLED")), "true")

	cfg.MCPHTTPBind = strings.TrimSpace(os.Getenv("MCP_HTTP_BIND"))
	if cfg.MCPHTTPBind == "" {
		cfg.MCPHTTPBind = "127.0.0.1"
	}
	cfg.MCPHTTPPort = positiveInt("MCP_HTTP_PORT", 8090)
	cfg.MCPRequestTimeoutSecs = positiveInt("MCP_REQUEST_TIMEOUT_SECS", 5)
	cfg.MCPRateLimitPerMin = positiveInt("MCP_RATE_LIMIT_PER_MIN", 60)

	return cfg
}

func positiveInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		zap.L().Warn("ignoring invalid integer setting", zap.String("key", key), zap.String("value", v))
	}
	return fallback
}

func positiveFloat(key string, fallback float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
		zap.L().Warn("ignoring invalid number setting", zap.String("key", key), zap.String("value", v))
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAssets(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), domain.SupportedAssets...)
	}
	out := make([]string, 0, len(domain.SupportedAssets))
	seen := make(map[string]struct{})
	for _, part := range splitList(raw) {
		asset := strings.ToUpper(part)
		if !domain.IsSupportedAsset(asset) {
			continue
		}
		if _, ok := seen[asset]; ok {
			continue
		}
		seen[asset] = struct{}{}
		out = append(out, asset)
	}
	if len(out) == 0 {
		return append([]string(nil), domain.SupportedAssets...)
	}
	return out
}

func parseTimeframes(raw string, fallback []domain.Timeframe) []domain.Timeframe {
	if strings.TrimSpace(raw) == "" {
		return append([]domain.Timeframe(nil), fallback...)
	}

	out := make([]domain.Timeframe, 0, len(domain.SupportedTimeframes))
	seen := make(map[domain.Timeframe]struct{})
	for _, part := range splitList(raw) {
		tf, err := domain.ParseTimeframe(part)
		if err != nil {
			continue
		}
		if _, ok := seen[tf]; ok {
			continue
		}
		seen[tf] = struct{}{}
		out = append(out, tf)
	}
	if len(out) == 0 {
		return append([]domain.Timeframe(nil), fallback...)
	}
	return out
}
