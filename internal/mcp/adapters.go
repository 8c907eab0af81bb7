package mcp

import (
	"context"
	"time"

	"signal-kitchen/internal/domain"
)

// ConsumerResolver maps a consumer id to its tier and subscriptions.
type ConsumerResolver interface {
	Resolve(ctx context.Context, consumerID string) (domain.Consumer, error)
}

// APIKeyResolver authenticates HTTP callers by their consumer API key.
type APIKeyResolver interface {
	ResolveAPIKey(ctx context.Context, apiKey string) (domain.Consumer, error)
}

// VisibleRecordReader reads records through the entitlement gate.
type VisibleRecordReader interface {
	VisibleRecords(ctx context.Context, c domain.Consumer, rt domain.RecordType, tf domain.Timeframe, now time.Time, limit int) ([]domain.SignalRecord, error)
}

// CandleReader exposes the archived price points.
type CandleReader interface {
	ListPricePoints(ctx context.Context, asset string, tf domain.Timeframe, limit int) ([]domain.PricePoint, error)
}
