package entitlement

import (
	"context"
	"fmt"
	"time"

	"signal-kitchen/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type RecordReader interface {
	GetLatest(ctx context.Context, rt domain.RecordType, tf domain.Timeframe, count int) ([]domain.SignalRecord, error)
}

// Gate applies Visible to records read from the store. It never writes.
type Gate struct {
	store  RecordReader
	table  Table
	tracer trace.Tracer
}

func NewGate(store RecordReader, table Table, tracer trace.Tracer) *Gate {
	return &Gate{store: store, table: table, tracer: tracer}
}

func (g *Gate) Table() Table { return g.table }

// VisibleRecords returns up to limit visible records, newest first.
func (g *Gate) VisibleRecords(ctx context.Context, c domain.Consumer, rt domain.RecordType, tf domain.Timeframe, now time.Time, limit int) ([]domain.SignalRecord, error) {
	ctx, span := g.tracer.Start(ctx, "entitlement-gate.visible-records")
	defer span.End()
	span.SetAttributes(
		attribute.String("consumer.id", c.ID),
		attribute.String("consumer.tier", string(c.Tier)),
		attribute.String("record.type", string(rt)),
		attribute.String("record.timeframe", string(tf)),
	)

	if limit <= 0 {
		limit = 1
	}
	p, ok := g.table.PolicyFor(c)
	if !ok {
		return nil, nil
	}
	if !assetAllowed(c, rt.Asset()) || !g.table.ResolutionAllowed(c, tf) {
		return nil, nil
	}

	records, err := g.store.GetLatest(ctx, rt, tf, limit+lagBuckets(p, tf))
	if err != nil {
		return nil, fmt.Errorf("read latest %s %s: %w", rt, tf, err)
	}
	visible := Visible(g.table, c, rt, tf, now, records)
	if len(visible) > limit {
		visible = visible[:limit]
	}
	span.SetAttributes(attribute.Int("records.visible", len(visible)))
	return visible, nil
}

// lagBuckets is how many of the newest buckets the policy can hide.
func lagBuckets(p domain.VisibilityPolicy, tf domain.Timeframe) int {
	width := tf.Width()
	if width <= 0 {
		return 1
	}
	lag := int((p.MaxAge + width - 1) / width)
	return lag + 1
}
