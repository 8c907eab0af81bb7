package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"signal-kitchen/internal/cache"
	"signal-kitchen/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func testTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }

func newRedisStore(t *testing.T) (*cache.RecordStore, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRecordStore(client, testTracer()), client
}

// fakeFetcher returns n hourly-or-wider points ending at the last bucket
// that closed before until, with close = 1..n.
type fakeFetcher struct {
	points  int
	failFor map[string]error
	calls   atomic.Int32
	delay   time.Duration
}

func (f *fakeFetcher) FetchSeries(ctx context.Context, asset string, tf domain.Timeframe, until time.Time, lookback int) (domain.Series, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.Series{}, ctx.Err()
		}
	}
	if err, ok := f.failFor[asset]; ok {
		return domain.Series{}, &domain.DataUnavailableError{Asset: asset, Err: err}
	}
	n := min(f.points, lookback)
	points := make([]domain.PricePoint, 0, n)
	for i := 0; i < n; i++ {
		ts := until.Add(-time.Duration(n-i) * tf.Width())
		v := float64(i + 1)
		points = append(points, domain.PricePoint{
			Asset: asset, Timestamp: ts, Open: v, High: v, Low: v, Close: v, Volume: 100,
		})
	}
	return domain.NewSeries(asset, tf, points), nil
}

type fakeSummarizer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *fakeSummarizer) Summarize(_ context.Context, _ domain.Series, set domain.IndicatorSet) (domain.Summary, error) {
	key := domain.BuildKey(domain.SignalRecordType(set.Asset), set.Timeframe, set.Bucket)
	s.mu.Lock()
	s.calls = append(s.calls, key)
	s.mu.Unlock()
	if s.err != nil {
		return domain.Summary{}, &domain.SummarizationError{Key: key, Attempts: 3, Err: s.err}
	}
	return domain.Summary{Text: "summary for " + key}, nil
}

func (s *fakeSummarizer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

var errUpstream = errors.New("upstream unavailable")
