package job

import (
	"context"
	"sync"
	"time"

	"signal-kitchen/internal/domain"
	"signal-kitchen/internal/service"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Pipeline interface {
	RunTick(ctx context.Context, timeframes []domain.Timeframe, now time.Time) (service.TickResult, error)
}

type Distributor interface {
	Distribute(ctx context.Context, tf domain.Timeframe, now time.Time) (service.DeliveryReport, error)
}

type Trader interface {
	Run(ctx context.Context, tf domain.Timeframe, now time.Time) ([]string, error)
}

// DueTimeframes returns the timeframes whose current bucket start is later
// than the bucket they last fired for. A timeframe missing from last is due.
func DueTimeframes(now time.Time, last map[domain.Timeframe]int64, timeframes []domain.Timeframe) []domain.Timeframe {
	var due []domain.Timeframe
	for _, tf := range timeframes {
		prev, ok := last[tf]
		if !ok || domain.BucketStart(now, tf) > prev {
			due = append(due, tf)
		}
	}
	return due
}

// Scheduler drives the pipeline on a fixed tick and runs the distributor and
// trader after each pipeline pass. Distributor and trader may be nil.
type Scheduler struct {
	tracer      trace.Tracer
	logger      *zap.Logger
	pipeline    Pipeline
	distributor Distributor
	trader      Trader
	timeframes  []domain.Timeframe
	tick        time.Duration
	now         func() time.Time

	mu   sync.Mutex
	last map[domain.Timeframe]int64
	wg   sync.WaitGroup
}

func NewScheduler(
	tracer trace.Tracer,
	logger *zap.Logger,
	pipeline Pipeline,
	distributor Distributor,
	trader Trader,
	timeframes []domain.Timeframe,
	tick time.Duration,
) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		tracer:      tracer,
		logger:      logger.With(zap.String("component", "scheduler")),
		pipeline:    pipeline,
		distributor: distributor,
		trader:      trader,
		timeframes:  timeframes,
		tick:        tick,
		now:         func() time.Time { return time.Now().UTC() },
		last:        make(map[domain.Timeframe]int64, len(timeframes)),
	}
}

// Start fires immediately and then on every tick. Blocks until ctx is
// cancelled and in-flight runs have returned.
func (s *Scheduler) Start(ctx context.Context) {
	if s.pipeline == nil {
		s.logger.Warn("scheduler disabled: no pipeline")
		<-ctx.Done()
		return
	}

	s.logger.Info("scheduler starting", zap.Duration("tick", s.tick), zap.Int("timeframes", len(s.timeframes)))
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.fire(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

// fire starts one run for the due timeframes with a deadline at the next
// tick, so a slow run never delays the next one.
func (s *Scheduler) fire(ctx context.Context) {
	now := s.now()
	due := s.claimDue(now)
	if len(due) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runCtx, cancel := context.WithDeadline(ctx, now.Add(s.tick))
		defer cancel()
		s.RunOnce(runCtx, due, now)
	}()
}

func (s *Scheduler) claimDue(now time.Time) []domain.Timeframe {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := DueTimeframes(now, s.last, s.timeframes)
	for _, tf := range due {
		s.last[tf] = domain.BucketStart(now, tf)
	}
	return due
}

// RunOnce runs the pipeline for timeframes and then the follow-up stages.
func (s *Scheduler) RunOnce(ctx context.Context, timeframes []domain.Timeframe, now time.Time) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run")
	defer span.End()
	span.SetAttributes(attribute.Int("timeframes", len(timeframes)))

	res, err := s.pipeline.RunTick(ctx, timeframes, now)
	if err != nil {
		s.logger.Warn("pipeline tick ended early", zap.String("run_id", res.RunID), zap.Error(err))
	}

	for _, tf := range timeframes {
		if ctx.Err() != nil {
			return
		}
		if s.distributor != nil {
			report, err := s.distributor.Distribute(ctx, tf, now)
			if err != nil {
				s.logger.Warn("distribution failed", zap.String("timeframe", string(tf)), zap.Error(err))
			} else if report.Delivered > 0 || report.Failed > 0 {
				s.logger.Info("distribution finished",
					zap.String("timeframe", string(tf)),
					zap.Int("delivered", report.Delivered),
					zap.Int("failed", report.Failed),
				)
			}
		}
		if s.trader != nil {
			keys, err := s.trader.Run(ctx, tf, now)
			if err != nil {
				s.logger.Warn("trader run failed", zap.String("timeframe", string(tf)), zap.Error(err))
			} else if len(keys) > 0 {
				s.logger.Info("trader rebalanced", zap.String("timeframe", string(tf)), zap.Strings("keys", keys))
			}
		}
	}
}
