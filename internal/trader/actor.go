// Package trader closes the feedback loop: it reads gold-visible signals,
// asks the position manager to rebalance the strongest ones and writes the
// outcome back as rebalance records.
package trader

import (
	"context"
	"math"
	"sort"
	"time"

	"signal-kitchen/internal/domain"
	"signal-kitchen/internal/metrics"
	"signal-kitchen/pkg/retry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const claimChannel = "position-manager"

type VisibleRecordReader interface {
	VisibleRecords(ctx context.Context, c domain.Consumer, rt domain.RecordType, tf domain.Timeframe, now time.Time, limit int) ([]domain.SignalRecord, error)
}

type RecordWriter interface {
	PutIfAbsent(ctx context.Context, key string, record domain.SignalRecord) (bool, error)
}

// Claimer guarantees at most one position-manager call per rebalance key.
type Claimer interface {
	Claim(ctx context.Context, channel, consumerID, key string) (bool, error)
}

type Options struct {
	Assets        []string
	Timeframes    []domain.Timeframe
	TopN          int
	MaxAttempts   int
	RetryInterval time.Duration
}

type Actor struct {
	gate    VisibleRecordReader
	store   RecordWriter
	claims  Claimer
	pm      PositionManager
	metrics *metrics.Recorder
	opts    Options
	tracer  trace.Tracer
	logger  *zap.Logger
}

func NewActor(gate VisibleRecordReader, store RecordWriter, claims Claimer, pm PositionManager, rec *metrics.Recorder, opts Options, tracer trace.Tracer, logger *zap.Logger) *Actor {
	if len(opts.Assets) == 0 {
		opts.Assets = domain.SupportedAssets
	}
	if len(opts.Timeframes) == 0 {
		opts.Timeframes = []domain.Timeframe{domain.Timeframe15m, domain.Timeframe1h, domain.Timeframe4h, domain.Timeframe1d}
	}
	if opts.TopN <= 0 {
		opts.TopN = 3
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	return &Actor{
		gate:    gate,
		store:   store,
		claims:  claims,
		pm:      pm,
		metrics: rec,
		opts:    opts,
		tracer:  tracer,
		logger:  logger.With(zap.String("component", "trader")),
	}
}

// Handles reports whether tf is one of the trader timeframes.
func (a *Actor) Handles(tf domain.Timeframe) bool {
	for _, t := range a.opts.Timeframes {
		if t == tf {
			return true
		}
	}
	return false
}

type candidate struct {
	record domain.SignalRecord
	score  float64
}

// Rank scores each record by |MACD histogram| / close, strongest first.
// Records without MACD or a positive close are dropped.
func Rank(records []domain.SignalRecord) []domain.SignalRecord {
	cands := make([]candidate, 0, len(records))
	for _, rec := range records {
		if s, ok := score(rec); ok {
			cands = append(cands, candidate{record: rec, score: s})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].record.Asset < cands[j].record.Asset
	})
	out := make([]domain.SignalRecord, len(cands))
	for i, c := range cands {
		out[i] = c.record
	}
	return out
}

func score(rec domain.SignalRecord) (float64, bool) {
	set := rec.Indicators
	if set == nil || set.MACD == nil || set.Close == nil || *set.Close <= 0 {
		return 0, false
	}
	return math.Abs(set.MACD.Histogram) / *set.Close, true
}

// Run rebalances the top assets for tf and returns the rebalance keys it
// committed.
func (a *Actor) Run(ctx context.Context, tf domain.Timeframe, now time.Time) ([]string, error) {
	if !a.Handles(tf) {
		return nil, nil
	}
	ctx, span := a.tracer.Start(ctx, "trader.run")
	defer span.End()
	span.SetAttributes(attribute.String("timeframe", string(tf)))

	desk := domain.Consumer{ID: "trader", Tier: domain.TierGold, Assets: a.opts.Assets}
	var latest []domain.SignalRecord
	for _, asset := range a.opts.Assets {
		records, err := a.gate.VisibleRecords(ctx, desk, domain.SignalRecordType(asset), tf, now, 1)
		if err != nil {
			a.logger.Warn("signals unavailable", zap.String("asset", asset), zap.Error(err))
			continue
		}
		latest = append(latest, records...)
	}

	ranked := Rank(latest)
	if len(ranked) > a.opts.TopN {
		ranked = ranked[:a.opts.TopN]
	}

	var committed []string
	for _, rec := range ranked {
		if ctx.Err() != nil {
			break
		}
		if key, ok := a.rebalance(ctx, rec); ok {
			committed = append(committed, key)
		}
	}
	span.SetAttributes(attribute.Int("rebalances.committed", len(committed)))
	return committed, ctx.Err()
}

func (a *Actor) rebalance(ctx context.Context, rec domain.SignalRecord) (string, bool) {
	rt := domain.RebalanceRecordType(rec.Asset)
	key := domain.BuildKey(rt, rec.Timeframe, rec.Bucket)
	log := a.logger.With(zap.String("key", key), zap.String("signal_key", rec.Key))

	claimed, err := a.claims.Claim(ctx, claimChannel, "trader", key)
	if err != nil {
		log.Warn("rebalance claim failed", zap.Error(err))
		return "", false
	}
	if !claimed {
		return "", false
	}

	s, _ := score(rec)
	req := RebalanceRequest{
		Asset:         rec.Asset,
		Timeframe:     rec.Timeframe,
		Bucket:        rec.Bucket,
		SignalKey:     rec.Key,
		Close:         *rec.Indicators.Close,
		MACDHistogram: rec.Indicators.MACD.Histogram,
		Score:         s,
	}
	if rec.SummaryText != nil {
		req.Summary = *rec.SummaryText
	}

	var result domain.RebalanceResult
	attempts, err := retry.Do(ctx, a.opts.RetryInterval, a.opts.MaxAttempts, func() error {
		out, err := a.pm.Rebalance(ctx, req)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		log.Error("rebalance failed", zap.Int("attempts", attempts), zap.Error(err))
		a.metrics.RecordRebalance("failed")
		return "", false
	}

	ok, err := a.store.PutIfAbsent(ctx, key, domain.SignalRecord{
		Key:        key,
		RecordType: rt,
		Asset:      rec.Asset,
		Timeframe:  rec.Timeframe,
		Bucket:     rec.Bucket,
		Rebalance:  &result,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		log.Error("rebalance record write failed", zap.Error(err))
		a.metrics.RecordRebalance("failed")
		return "", false
	}
	a.metrics.RecordWrite(domain.KindRebalance, ok)
	if !ok {
		return "", false
	}
	a.metrics.RecordRebalance("ok")
	log.Info("rebalanced", zap.String("action", result.ActionTaken), zap.String("side", result.ResultingPosition.Side))
	return key, true
}
