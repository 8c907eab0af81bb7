package job

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	summaryRetryTick = 5 * time.Minute
	cleanupTick      = time.Hour
)

type RecordMaintainer interface {
	RetryMissingSummaries(ctx context.Context, now time.Time) (int, error)
	PruneExpired(ctx context.Context, now time.Time) (int64, error)
}

type ChartPruner interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Maintenance backfills summaries the winning writer failed to produce and
// reaps expired records and charts. charts may be nil.
type Maintenance struct {
	tracer   trace.Tracer
	logger   *zap.Logger
	maintain RecordMaintainer
	charts   ChartPruner
	now      func() time.Time
}

func NewMaintenance(tracer trace.Tracer, logger *zap.Logger, maintain RecordMaintainer, charts ChartPruner) *Maintenance {
	return &Maintenance{
		tracer:   tracer,
		logger:   logger.With(zap.String("component", "maintenance")),
		maintain: maintain,
		charts:   charts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (j *Maintenance) Start(ctx context.Context) {
	if j == nil || j.maintain == nil {
		<-ctx.Done()
		return
	}

	j.logger.Info("maintenance starting")
	retryTicker := time.NewTicker(summaryRetryTick)
	cleanupTicker := time.NewTicker(cleanupTick)
	defer retryTicker.Stop()
	defer cleanupTicker.Stop()

	j.runRetry(ctx)
	j.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("maintenance stopped")
			return
		case <-retryTicker.C:
			j.runRetry(ctx)
		case <-cleanupTicker.C:
			j.runCleanup(ctx)
		}
	}
}

func (j *Maintenance) runRetry(ctx context.Context) {
	ctx, span := j.tracer.Start(ctx, "maintenance.retry-summaries")
	defer span.End()

	count, err := j.maintain.RetryMissingSummaries(ctx, j.now())
	if err != nil {
		j.logger.Warn("summary backfill failed", zap.Error(err))
		return
	}
	if count > 0 {
		j.logger.Info("summary backfill filled records", zap.Int("count", count))
	}
}

func (j *Maintenance) runCleanup(ctx context.Context) {
	ctx, span := j.tracer.Start(ctx, "maintenance.cleanup")
	defer span.End()

	deleted, err := j.maintain.PruneExpired(ctx, j.now())
	if err != nil {
		j.logger.Warn("record cleanup failed", zap.Error(err))
	} else if deleted > 0 {
		j.logger.Info("record cleanup removed records", zap.Int64("count", deleted))
	}

	if j.charts == nil {
		return
	}
	deleted, err = j.charts.DeleteExpired(ctx)
	if err != nil {
		j.logger.Warn("chart cleanup failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		j.logger.Info("chart cleanup removed rows", zap.Int64("count", deleted))
	}
}
