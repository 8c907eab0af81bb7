package mcp

import (
	"fmt"
	"strings"

	"signal-kitchen/internal/domain"
)

const (
	defaultCandleLimit = 100
	maxCandleLimit     = 500
	defaultRecordLimit = 10
	maxRecordLimit     = 100
)

type candlesListInput struct {
	Asset     string `json:"asset" jsonschema:"asset symbol (e.g. SOL, BTC)"`
	Timeframe string `json:"timeframe" jsonschema:"candle timeframe: 5m, 15m, 1h, 4h, 1d"`
	Limit     int    `json:"limit,omitempty" jsonschema:"number of candles to return, max 500"`
}

type candlesListOutput struct {
	Asset     string              `json:"asset"`
	Timeframe domain.Timeframe    `json:"timeframe"`
	Candles   []domain.PricePoint `json:"candles"`
}

type recordsVisibleInput struct {
	ConsumerID string `json:"consumer_id,omitempty" jsonschema:"consumer id from the directory; over HTTP it defaults to the bearer token's consumer and must match it"`
	Asset      string `json:"asset" jsonschema:"asset symbol (e.g. SOL, BTC)"`
	Timeframe  string `json:"timeframe" jsonschema:"timeframe: 5m, 15m, 1h, 4h, 1d"`
	Limit      int    `json:"limit,omitempty" jsonschema:"number of records to return, max 100"`
}

type recordsVisibleOutput struct {
	ConsumerID string                `json:"consumer_id"`
	Tier       domain.Tier           `json:"tier"`
	Asset      string                `json:"asset"`
	Timeframe  domain.Timeframe      `json:"timeframe"`
	Records    []domain.SignalRecord `json:"records"`
}

type recordQuery struct {
	consumerID string
	asset      string
	timeframe  domain.Timeframe
	limit      int
}

func normalizeAsset(asset string) (string, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return "", fmt.Errorf("asset is required")
	}
	if !domain.IsSupportedAsset(asset) {
		return "", fmt.Errorf("unsupported asset: %s", asset)
	}
	return asset, nil
}

func normalizeTimeframe(raw string) (domain.Timeframe, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("timeframe is required")
	}
	return domain.ParseTimeframe(raw)
}

func normalizeCandleLimit(limit int) int {
	if limit <= 0 {
		return defaultCandleLimit
	}
	if limit > maxCandleLimit {
		return maxCandleLimit
	}
	return limit
}

func normalizeRecordLimit(limit int) int {
	if limit <= 0 {
		return defaultRecordLimit
	}
	if limit > maxRecordLimit {
		return maxRecordLimit
	}
	return limit
}

func normalizeRecordQuery(in recordsVisibleInput) (recordQuery, error) {
	consumerID := strings.TrimSpace(in.ConsumerID)
	if consumerID == "" {
		return recordQuery{}, fmt.Errorf("consumer_id is required")
	}
	asset, err := normalizeAsset(in.Asset)
	if err != nil {
		return recordQuery{}, err
	}
	tf, err := normalizeTimeframe(in.Timeframe)
	if err != nil {
		return recordQuery{}, err
	}
	return recordQuery{
		consumerID: consumerID,
		asset:      asset,
		timeframe:  tf,
		limit:      normalizeRecordLimit(in.Limit),
	}, nil
}
