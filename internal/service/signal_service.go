package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"signal-kitchen/internal/domain"
	"signal-kitchen/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultLookbackPoints = 120
	defaultFetchWorkers   = 4
	defaultStoreTimeout   = 5 * time.Second
	defaultRetention      = 96 * time.Hour
	backfillWindow        = 24 * time.Hour
	backfillGrace         = 5 * time.Minute
	backfillBatch         = 20
)

type MarketDataFetcher interface {
	FetchSeries(ctx context.Context, asset string, tf domain.Timeframe, until time.Time, lookback int) (domain.Series, error)
}

type IndicatorEngine interface {
	Compute(series domain.Series, tf domain.Timeframe, bucket int64) domain.IndicatorSet
}

type RecordSummarizer interface {
	Summarize(ctx context.Context, series domain.Series, set domain.IndicatorSet) (domain.Summary, error)
}

// PriceArchive keeps fetched series for the candle tools. Optional.
type PriceArchive interface {
	UpsertSeries(ctx context.Context, series domain.Series) error
}

type PipelineOptions struct {
	Assets         []string
	LookbackPoints int
	FetchWorkers   int
	StoreTimeout   time.Duration
	Retention      time.Duration
}

// SignalService runs the fetch, indicator, store and summarize stages for
// one scheduler tick.
type SignalService struct {
	fetcher    MarketDataFetcher
	engine     IndicatorEngine
	store      SignalStore
	summarizer RecordSummarizer
	archive    PriceArchive
	metrics    *metrics.Recorder
	opts       PipelineOptions
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewSignalService wires the pipeline. summarizer, archive and rec may be nil.
func NewSignalService(
	tracer trace.Tracer,
	logger *zap.Logger,
	fetcher MarketDataFetcher,
	engine IndicatorEngine,
	store SignalStore,
	summarizer RecordSummarizer,
	archive PriceArchive,
	rec *metrics.Recorder,
	opts PipelineOptions,
) *SignalService {
	if len(opts.Assets) == 0 {
		opts.Assets = domain.SupportedAssets
	}
	if opts.LookbackPoints <= 0 {
		opts.LookbackPoints = defaultLookbackPoints
	}
	if opts.FetchWorkers <= 0 {
		opts.FetchWorkers = defaultFetchWorkers
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	return &SignalService{
		fetcher:    fetcher,
		engine:     engine,
		store:      store,
		summarizer: summarizer,
		archive:    archive,
		metrics:    rec,
		opts:       opts,
		tracer:     tracer,
		logger:     logger.With(zap.String("component", "signal-service")),
	}
}

func (s *SignalService) Assets() []string { return s.opts.Assets }

// TickResult lists record keys by outcome; every slice is sorted.
type TickResult struct {
	RunID       string
	Committed   []string
	Duplicates  []string
	Summarized  []string
	Unavailable []string
	Failed      []string
}

func (r *TickResult) sort() {
	for _, keys := range [][]string{r.Committed, r.Duplicates, r.Summarized, r.Unavailable, r.Failed} {
		sort.Strings(keys)
	}
}

type tickCollector struct {
	mu  sync.Mutex
	res TickResult
}

func (c *tickCollector) add(field *[]string, key string) {
	c.mu.Lock()
	*field = append(*field, key)
	c.mu.Unlock()
}

// RunTick processes every configured asset for each timeframe at the bucket
// containing now. Failures are isolated per (asset, timeframe): an
// unavailable asset never blocks the others. The error is non-nil only when
// the run could not start or ctx ended before all work was scheduled.
func (s *SignalService) RunTick(ctx context.Context, timeframes []domain.Timeframe, now time.Time) (TickResult, error) {
	runID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "signal-service.run-tick")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID), attribute.Int("timeframes", len(timeframes)))

	if s.fetcher == nil || s.engine == nil || s.store == nil {
		return TickResult{RunID: runID}, errors.New("signal service is not fully initialized")
	}

	log := s.logger.With(zap.String("run_id", runID))
	col := &tickCollector{res: TickResult{RunID: runID}}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.FetchWorkers)
	for _, tf := range timeframes {
		bucket := domain.BucketStart(now, tf)
		for _, asset := range s.opts.Assets {
			g.Go(func() error {
				s.processBucket(gctx, log, col, asset, tf, bucket, now)
				return nil
			})
		}
	}
	_ = g.Wait()

	outcome := "ok"
	if ctx.Err() != nil {
		outcome = "deadline"
	}
	for _, tf := range timeframes {
		s.metrics.RecordRun(string(tf), outcome, time.Since(start))
	}

	col.mu.Lock()
	res := col.res
	col.mu.Unlock()
	res.sort()
	span.SetAttributes(
		attribute.Int("records.committed", len(res.Committed)),
		attribute.Int("records.duplicate", len(res.Duplicates)),
		attribute.Int("assets.unavailable", len(res.Unavailable)),
	)
	log.Info("tick finished",
		zap.Int("committed", len(res.Committed)),
		zap.Int("duplicates", len(res.Duplicates)),
		zap.Int("summarized", len(res.Summarized)),
		zap.Strings("unavailable", res.Unavailable),
		zap.Strings("failed", res.Failed))

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("tick interrupted: %w", err)
	}
	return res, nil
}

func (s *SignalService) processBucket(ctx context.Context, log *zap.Logger, col *tickCollector, asset string, tf domain.Timeframe, bucket int64, now time.Time) {
	rt := domain.SignalRecordType(asset)
	key := domain.BuildKey(rt, tf, bucket)
	log = log.With(zap.String("key", key))

	if ctx.Err() != nil {
		return
	}
	if existing, err := withTimeout(ctx, s.opts.StoreTimeout, func(sctx context.Context) (*domain.SignalRecord, error) {
		return s.store.Get(sctx, key)
	}); err == nil && existing != nil {
		col.add(&col.res.Duplicates, key)
		s.metrics.RecordWrite(domain.KindSignal, false)
		return
	}

	series, err := s.fetcher.FetchSeries(ctx, asset, tf, time.Unix(bucket, 0).UTC(), s.opts.LookbackPoints)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("market data unavailable", zap.Error(err))
		}
		col.add(&col.res.Unavailable, key)
		s.metrics.RecordFetchFailure(asset)
		return
	}
	if series.Len() == 0 {
		col.add(&col.res.Unavailable, key)
		s.metrics.RecordFetchFailure(asset)
		return
	}
	if s.archive != nil {
		if err := s.archive.UpsertSeries(ctx, series); err != nil {
			log.Warn("price archive write failed", zap.Error(err))
		}
	}

	set := s.engine.Compute(series, tf, bucket)
	record := domain.SignalRecord{
		Key:        key,
		RecordType: rt,
		Asset:      series.Asset,
		Timeframe:  tf,
		Bucket:     bucket,
		Indicators: &set,
		CreatedAt:  now.UTC(),
	}

	// Past the deadline nothing new is committed.
	if ctx.Err() != nil {
		return
	}
	committed, err := withTimeout(ctx, s.opts.StoreTimeout, func(sctx context.Context) (bool, error) {
		return s.store.PutIfAbsent(sctx, key, record)
	})
	if err != nil {
		log.Error("record write failed", zap.Error(err))
		col.add(&col.res.Failed, key)
		return
	}
	s.metrics.RecordWrite(domain.KindSignal, committed)
	if !committed {
		col.add(&col.res.Duplicates, key)
		return
	}
	col.add(&col.res.Committed, key)

	if s.summarize(ctx, log, key, series, set) {
		col.add(&col.res.Summarized, key)
	}
}

// summarize runs the model for a record this process committed. Failures
// leave the summary fields absent for the backfill to retry.
func (s *SignalService) summarize(ctx context.Context, log *zap.Logger, key string, series domain.Series, set domain.IndicatorSet) bool {
	if s.summarizer == nil {
		return false
	}
	summary, err := s.summarizer.Summarize(ctx, series, set)
	if err != nil {
		var sumErr *domain.SummarizationError
		if errors.As(err, &sumErr) {
			log.Warn("summary unavailable", zap.Int("attempts", sumErr.Attempts), zap.Error(sumErr.Err))
		} else {
			log.Warn("summary unavailable", zap.Error(err))
		}
		s.metrics.RecordSummary("failed")
		return false
	}
	if summary.Text == "" && summary.ImageRef == "" {
		s.metrics.RecordSummary("empty")
		return false
	}

	committed, err := withTimeout(ctx, s.opts.StoreTimeout, func(sctx context.Context) (bool, error) {
		return s.store.SetSummary(sctx, key, summary)
	})
	if err != nil {
		log.Error("summary write failed", zap.Error(err))
		s.metrics.RecordSummary("failed")
		return false
	}
	if !committed {
		s.metrics.RecordSummary("duplicate")
		return false
	}
	s.metrics.RecordSummary("ok")
	return true
}

func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	sctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(sctx)
}

// RetryMissingSummaries summarizes signal records from the last day whose
// summary is still absent because the committing writer's model call
// failed. Records younger than a short grace period are left to their
// writer.
func (s *SignalService) RetryMissingSummaries(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, "signal-service.retry-missing-summaries")
	defer span.End()

	if s.summarizer == nil {
		return 0, nil
	}
	since := now.Add(-backfillWindow).Unix()
	pending, err := s.store.ListPendingSummaries(ctx, since, backfillBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending summaries: %w", err)
	}

	done := 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		if rec.Indicators == nil || now.Sub(rec.CreatedAt) < backfillGrace {
			continue
		}
		log := s.logger.With(zap.String("key", rec.Key), zap.Bool("backfill", true))
		series, err := s.fetcher.FetchSeries(ctx, rec.Asset, rec.Timeframe, time.Unix(rec.Bucket, 0).UTC(), s.opts.LookbackPoints)
		if err != nil {
			log.Warn("series unavailable for backfill, summarizing without chart", zap.Error(err))
			series = domain.Series{Asset: rec.Asset, Timeframe: rec.Timeframe}
		}
		if s.summarize(ctx, log, rec.Key, series, *rec.Indicators) {
			done++
		}
	}
	span.SetAttributes(attribute.Int("summaries.filled", done))
	return done, nil
}

// PruneExpired deletes records older than the retention window.
func (s *SignalService) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "signal-service.prune-expired")
	defer span.End()

	cutoff := now.Add(-s.opts.Retention).Unix()
	n, err := s.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete records before %d: %w", cutoff, err)
	}
	span.SetAttributes(attribute.Int64("records.deleted", n))
	return n, nil
}
