package service

import (
	"context"
	"sync"
	"time"

	"signal-kitchen/internal/domain"
	"signal-kitchen/internal/entitlement"
	"signal-kitchen/internal/metrics"
	"signal-kitchen/pkg/retry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Channel pushes one record to one consumer.
type Channel interface {
	Name() string
	// Enabled reports whether the consumer is reachable on this channel.
	Enabled(ctx context.Context, c domain.Consumer) bool
	Send(ctx context.Context, c domain.Consumer, rec domain.SignalRecord) error
}

type DeliveryLedger interface {
	Claim(ctx context.Context, channel, consumerID, key string) (bool, error)
}

type ConsumerSource interface {
	IDs() []string
	Resolve(ctx context.Context, consumerID string) (domain.Consumer, error)
}

type VisibleRecordReader interface {
	VisibleRecords(ctx context.Context, c domain.Consumer, rt domain.RecordType, tf domain.Timeframe, now time.Time, limit int) ([]domain.SignalRecord, error)
}

type DistributorOptions struct {
	MaxAttempts   int
	RetryInterval time.Duration
	Workers       int
}

// DeliveryReport counts outcomes of one Distribute call.
type DeliveryReport struct {
	Delivered int
	Skipped   int
	Failed    int
}

type Distributor struct {
	consumers ConsumerSource
	gate      VisibleRecordReader
	ledger    DeliveryLedger
	channels  []Channel
	metrics   *metrics.Recorder
	opts      DistributorOptions
	tracer    trace.Tracer
	logger    *zap.Logger
}

func NewDistributor(
	tracer trace.Tracer,
	logger *zap.Logger,
	consumers ConsumerSource,
	gate VisibleRecordReader,
	ledger DeliveryLedger,
	channels []Channel,
	rec *metrics.Recorder,
	opts DistributorOptions,
) *Distributor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Distributor{
		consumers: consumers,
		gate:      gate,
		ledger:    ledger,
		channels:  channels,
		metrics:   rec,
		opts:      opts,
		tracer:    tracer,
		logger:    logger.With(zap.String("component", "distributor")),
	}
}

// Distribute pushes the newest visible signal record of every permitted
// asset to every configured channel of every consumer. A (channel,
// consumer, key) triple is claimed in the ledger before sending, so
// overlapping runs deliver at most once; a send that still fails after
// all retries is dropped.
func (d *Distributor) Distribute(ctx context.Context, tf domain.Timeframe, now time.Time) (DeliveryReport, error) {
	ctx, span := d.tracer.Start(ctx, "distributor.distribute")
	defer span.End()
	span.SetAttributes(attribute.String("timeframe", string(tf)))

	var (
		mu     sync.Mutex
		report DeliveryReport
	)
	count := func(field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for _, id := range d.consumers.IDs() {
		g.Go(func() error {
			consumer, err := d.consumers.Resolve(gctx, id)
			if err != nil {
				d.logger.Warn("consumer unresolved", zap.String("consumer", id), zap.Error(err))
				return nil
			}
			for _, asset := range entitlement.AllowedAssets(consumer) {
				records, err := d.gate.VisibleRecords(gctx, consumer, domain.SignalRecordType(asset), tf, now, 1)
				if err != nil {
					d.logger.Warn("visible records unavailable", zap.String("consumer", id), zap.String("asset", asset), zap.Error(err))
					continue
				}
				for _, rec := range records {
					for _, ch := range d.channels {
						switch d.deliver(gctx, ch, consumer, rec) {
						case deliveryOK:
							count(&report.Delivered)
						case deliverySkipped:
							count(&report.Skipped)
						case deliveryFailed:
							count(&report.Failed)
						}
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("deliveries.delivered", report.Delivered),
		attribute.Int("deliveries.failed", report.Failed),
	)
	return report, ctx.Err()
}

type deliveryOutcome int

const (
	deliveryNone deliveryOutcome = iota
	deliveryOK
	deliverySkipped
	deliveryFailed
)

func (d *Distributor) deliver(ctx context.Context, ch Channel, c domain.Consumer, rec domain.SignalRecord) deliveryOutcome {
	if !ch.Enabled(ctx, c) {
		return deliveryNone
	}
	claimed, err := d.ledger.Claim(ctx, ch.Name(), c.ID, rec.Key)
	if err != nil {
		d.logger.Warn("delivery ledger unavailable", zap.String("channel", ch.Name()), zap.Error(err))
		return deliveryFailed
	}
	if !claimed {
		return deliverySkipped
	}

	attempts, err := retry.Do(ctx, d.opts.RetryInterval, d.opts.MaxAttempts, func() error {
		return ch.Send(ctx, c, rec)
	})
	if err != nil {
		derr := &domain.DeliveryError{Channel: ch.Name(), ConsumerID: c.ID, Key: rec.Key, Err: err}
		d.logger.Error("delivery dropped", zap.Int("attempts", attempts), zap.Error(derr))
		d.metrics.RecordDelivery(ch.Name(), "failed")
		return deliveryFailed
	}
	d.metrics.RecordDelivery(ch.Name(), "delivered")
	return deliveryOK
}
