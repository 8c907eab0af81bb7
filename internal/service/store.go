package service

import (
	"context"

	"signal-kitchen/internal/domain"
)

// SignalStore is the idempotent record store. PutIfAbsent commits only the
// first writer for a key and SetSummary only fills summary fields once; a
// lost race is reported as committed=false, never as an error.
type SignalStore interface {
	PutIfAbsent(ctx context.Context, key string, record domain.SignalRecord) (bool, error)
	Get(ctx context.Context, key string) (*domain.SignalRecord, error)
	GetLatest(ctx context.Context, rt domain.RecordType, tf domain.Timeframe, count int) ([]domain.SignalRecord, error)
	SetSummary(ctx context.Context, key string, summary domain.Summary) (bool, error)
	ListPendingSummaries(ctx context.Context, sinceBucket int64, limit int) ([]domain.SignalRecord, error)
	DeleteBefore(ctx context.Context, cutoffBucket int64) (int64, error)
}
