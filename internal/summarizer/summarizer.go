package summarizer

import (
	"context"
	"time"

	"signal-kitchen/internal/domain"
	"signal-kitchen/pkg/retry"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ChartRenderer interface {
	Render(series domain.Series, set domain.IndicatorSet) (*domain.ChartImage, error)
}

type ChartStore interface {
	PutChart(ctx context.Context, ref string, img domain.ChartImage) error
}

// HistoryReader is the read side of the signal store.
type HistoryReader interface {
	GetLatest(ctx context.Context, rt domain.RecordType, tf domain.Timeframe, count int) ([]domain.SignalRecord, error)
}

// DepthReader supplies the current order book totals for an asset.
type DepthReader interface {
	FetchDepth(ctx context.Context, asset string, limit int) (domain.OrderBookDepth, error)
}

type Options struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	HistoryDepth   int
	RetryInterval  time.Duration
}

type Summarizer struct {
	model    Model
	renderer ChartRenderer
	charts   ChartStore
	history  HistoryReader
	depth    DepthReader
	depthLim int
	opts     Options
	validate *validator.Validate
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New wires a Summarizer. renderer and charts may be nil, in which case the
// model is called without a chart.
func New(model Model, renderer ChartRenderer, charts ChartStore, history HistoryReader, opts Options, tracer trace.Tracer, logger *zap.Logger) *Summarizer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 30 * time.Second
	}
	if opts.HistoryDepth <= 0 {
		opts.HistoryDepth = 5
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	return &Summarizer{
		model:    model,
		renderer: renderer,
		charts:   charts,
		history:  history,
		opts:     opts,
		validate: validator.New(),
		tracer:   tracer,
		logger:   logger.With(zap.String("component", "summarizer")),
	}
}

// WithDepth adds order book totals to each request. A failed fetch leaves
// the request without depth.
func (s *Summarizer) WithDepth(reader DepthReader, limit int) *Summarizer {
	s.depth = reader
	s.depthLim = limit
	return s
}

// Summarize turns one committed indicator set into a summary. Chart and
// history failures only degrade the request; a model failure after all
// attempts is returned as a SummarizationError.
func (s *Summarizer) Summarize(ctx context.Context, series domain.Series, set domain.IndicatorSet) (domain.Summary, error) {
	key := domain.BuildKey(domain.SignalRecordType(set.Asset), set.Timeframe, set.Bucket)
	ctx, span := s.tracer.Start(ctx, "summarizer.summarize")
	defer span.End()
	span.SetAttributes(attribute.String("record.key", key), attribute.String("model", s.model.Name()))

	req := Request{
		Key:        key,
		Asset:      set.Asset,
		Timeframe:  set.Timeframe,
		Bucket:     set.Bucket,
		Indicators: set,
	}

	imageRef := s.storeChart(ctx, series, set, &req)
	req.History = s.readHistory(ctx, set)
	req.Depth = s.readDepth(ctx, set.Asset)

	var resp Response
	attempts, err := retry.Do(ctx, s.opts.RetryInterval, s.opts.MaxAttempts, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.AttemptTimeout)
		defer cancel()

		out, err := s.model.Summarize(attemptCtx, req)
		if err != nil {
			s.logger.Warn("model call failed", zap.String("key", key), zap.Error(err))
			return err
		}
		if err := s.validate.Struct(out); err != nil {
			s.logger.Warn("model response rejected", zap.String("key", key), zap.Error(err))
			return err
		}
		resp = out
		return nil
	})
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "summarize failed")
		return domain.Summary{}, &domain.SummarizationError{Key: key, Attempts: attempts, Err: err}
	}

	summary := domain.Summary{Text: resp.SummaryText, ImageRef: resp.SummaryImageRef}
	if summary.ImageRef == "" {
		summary.ImageRef = imageRef
	}
	return summary, nil
}

// storeChart renders and stores the chart, attaching it to req. It returns
// the image ref only when the chart was stored.
func (s *Summarizer) storeChart(ctx context.Context, series domain.Series, set domain.IndicatorSet, req *Request) string {
	if s.renderer == nil {
		return ""
	}
	img, err := s.renderer.Render(series, set)
	if err != nil {
		s.logger.Warn("chart render failed", zap.String("key", req.Key), zap.Error(err))
		return ""
	}
	req.Chart = img
	if s.charts == nil {
		return ""
	}
	ref := domain.ImageRef(set.Asset, set.Timeframe, set.Bucket)
	if err := s.charts.PutChart(ctx, ref, *img); err != nil {
		s.logger.Warn("chart store failed", zap.String("ref", ref), zap.Error(err))
		return ""
	}
	return ref
}

func (s *Summarizer) readHistory(ctx context.Context, set domain.IndicatorSet) []domain.RebalanceResult {
	if s.history == nil {
		return nil
	}
	records, err := s.history.GetLatest(ctx, domain.RebalanceRecordType(set.Asset), set.Timeframe, s.opts.HistoryDepth)
	if err != nil {
		s.logger.Warn("rebalance history unavailable", zap.String("asset", set.Asset), zap.Error(err))
		return nil
	}
	out := make([]domain.RebalanceResult, 0, len(records))
	for _, rec := range records {
		if rec.Rebalance != nil && rec.Bucket <= set.Bucket {
			out = append(out, *rec.Rebalance)
		}
	}
	return out
}

func (s *Summarizer) readDepth(ctx context.Context, asset string) *domain.OrderBookDepth {
	if s.depth == nil {
		return nil
	}
	depth, err := s.depth.FetchDepth(ctx, asset, s.depthLim)
	if err != nil {
		s.logger.Warn("order book depth unavailable", zap.String("asset", asset), zap.Error(err))
		return nil
	}
	return &depth
}
