package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signal-kitchen/internal/chart"
	"signal-kitchen/internal/domain"
	"signal-kitchen/internal/signal"
	"signal-kitchen/internal/summarizer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// tickTime is five minutes after the 1h boundary 1746363600.
var tickTime = time.Unix(1746363600+300, 0).UTC()

func newPipeline(store SignalStore, fetcher MarketDataFetcher, sum RecordSummarizer, assets ...string) *SignalService {
	return NewSignalService(testTracer(), zap.NewNop(), fetcher, signal.NewEngine(nil), store, sum, nil, nil, PipelineOptions{
		Assets:         assets,
		LookbackPoints: 120,
		FetchWorkers:   4,
		StoreTimeout:   time.Second,
	})
}

type staticModel struct {
	err error
}

func (m staticModel) Name() string { return "static" }

func (m staticModel) Summarize(_ context.Context, req summarizer.Request) (summarizer.Response, error) {
	if m.err != nil {
		return summarizer.Response{}, m.err
	}
	return summarizer.Response{SummaryText: "Neutral. " + req.Key}, nil
}

func realSummarizer(model summarizer.Model) *summarizer.Summarizer {
	return summarizer.New(model, chart.NewRenderer(), nil, nil, summarizer.Options{
		MaxAttempts:    2,
		AttemptTimeout: time.Second,
		RetryInterval:  time.Millisecond,
	}, testTracer(), zap.NewNop())
}

func TestRunTickEndToEndSOLHourly(t *testing.T) {
	store, _ := newRedisStore(t)
	svc := newPipeline(store, &fakeFetcher{points: 35}, realSummarizer(staticModel{}), "SOL")

	res, err := svc.RunTick(context.Background(), []domain.Timeframe{domain.Timeframe1h}, tickTime)
	require.NoError(t, err)
	require.Equal(t, []string{"txt.SOL::1h::1746363600"}, res.Committed)
	assert.Equal(t, res.Committed, res.Summarized)
	assert.NotEmpty(t, res.RunID)

	rec, err := store.Get(context.Background(), "txt.SOL::1h::1746363600")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NotNil(t, rec.Indicators)
	assert.Equal(t, 35, rec.Indicators.Points)
	assert.NotNil(t, rec.Indicators.EMA[12])
	assert.NotNil(t, rec.Indicators.EMA[26])
	assert.NotNil(t, rec.Indicators.BB)
	require.NotNil(t, rec.Indicators.MACD)
	require.NotNil(t, rec.SummaryText)
	assert.Equal(t, "Neutral. txt.SOL::1h::1746363600", *rec.SummaryText)
}

func TestRunTickThirtyPointsLeavesMACDUnavailable(t *testing.T) {
	store, _ := newRedisStore(t)
	svc := newPipeline(store, &fakeFetcher{points: 30}, nil, "SOL")

	_, err := svc.RunTick(context.Background(), []domain.Timeframe{domain.Timeframe1h}, tickTime)
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), "txt.SOL::1h::1746363600")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotNil(t, rec.Indicators.EMA[12])
	assert.NotNil(t, rec.Indicators.EMA[26])
	assert.NotNil(t, rec.Indicators.BB)
	assert.Nil(t, rec.Indicators.MACD)
	assert.False(t, rec.HasSummary())
}

func TestRunTickModelFailureLeavesSummaryAbsent(t *testing.T) {
	store, _ := newRedisStore(t)
	svc := newPipeline(store, &fakeFetcher{points: 35}, realSummarizer(staticModel{err: errUpstream}), "SOL")

	res, err := svc.RunTick(context.Background(), []domain.Timeframe{domain.Timeframe1h}, tickTime)
	require.NoError(t, err)
	assert.Len(t, res.Committed, 1)
	assert.Empty(t, res.Summarized)

	rec, err := store.Get(context.Background(), "txt.SOL::1h::1746363600")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Nil(t, rec.SummaryText)
	assert.Nil(t, rec.SummaryImageRef)

	pending, err := store.ListPendingSummaries(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestRunTickConcurrentRunsCommitOnce(t *testing.T) {
	store, _ := newRedisStore(t)
	sum := &fakeSummarizer{}
	fetcher := &fakeFetcher{points: 40}
	svc := newPipeline(store, fetcher, sum, "SOL", "BTC")
	tfs := []domain.Timeframe{domain.Timeframe1h, domain.Timeframe4h}

	const runs = 8
	results := make([]TickResult, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.RunTick(context.Background(), tfs, tickTime)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	committed := map[string]int{}
	for _, res := range results {
		for _, key := range res.Committed {
			committed[key]++
		}
	}
	require.Len(t, committed, 4)
	for key, n := range committed {
		assert.Equal(t, 1, n, "key %s committed %d times", key, n)
	}
	assert.Equal(t, 4, sum.count(), "only committing writers summarize")
}

func TestRunTickIsolatesUnavailableAssets(t *testing.T) {
	store, _ := newRedisStore(t)
	fetcher := &fakeFetcher{points: 35, failFor: map[string]error{"BTC": errUpstream}}
	svc := newPipeline(store, fetcher, nil, "SOL", "BTC", "ETH")

	res, err := svc.RunTick(context.Background(), []domain.Timeframe{domain.Timeframe1h}, tickTime)
	require.NoError(t, err)
	assert.Equal(t, []string{"txt.ETH::1h::1746363600", "txt.SOL::1h::1746363600"}, res.Committed)
	assert.Equal(t, []string{"txt.BTC::1h::1746363600"}, res.Unavailable)

	rec, err := store.Get(context.Background(), "txt.BTC::1h::1746363600")
	require.NoError(t, err)
	assert.Nil(t, rec, "no placeholder record for a failed fetch")
}

func TestRunTickSkipsEmptySeries(t *testing.T) {
	store, _ := newRedisStore(t)
	svc := newPipeline(store, &fakeFetcher{points: 0}, nil, "SOL")

	res, err := svc.RunTick(context.Background(), []domain.Timeframe{domain.Timeframe1h}, tickTime)
	require.NoError(t, err)
	assert.Empty(t, res.Committed)
	assert.Len(t, res.Unavailable, 1)
}

func TestRunTickPastDeadlineCommitsNothing(t *testing.T) {
	store, _ := newRedisStore(t)
	svc := newPipeline(store, &fakeFetcher{points: 35, delay: 200 * time.Millisecond}, nil, "SOL")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := svc.RunTick(ctx, []domain.Timeframe{domain.Timeframe1h}, tickTime)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Empty(t, res.Committed)
}

func TestRetryMissingSummaries(t *testing.T) {
	store, _ := newRedisStore(t)
	failing := &fakeSummarizer{err: errUpstream}
	svc := newPipeline(store, &fakeFetcher{points: 35}, failing, "SOL")
	_, err := svc.RunTick(context.Background(), []domain.Timeframe{domain.Timeframe1h}, tickTime)
	require.NoError(t, err)

	healthy := &fakeSummarizer{}
	svc = newPipeline(store, &fakeFetcher{points: 35}, healthy, "SOL")

	n, err := svc.RetryMissingSummaries(context.Background(), tickTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "records inside the grace period are left alone")

	n, err = svc.RetryMissingSummaries(context.Background(), tickTime.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := store.Get(context.Background(), "txt.SOL::1h::1746363600")
	require.NoError(t, err)
	require.NotNil(t, rec.SummaryText)

	n, err = svc.RetryMissingSummaries(context.Background(), tickTime.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPruneExpired(t *testing.T) {
	store, _ := newRedisStore(t)
	svc := newPipeline(store, &fakeFetcher{points: 35}, nil, "SOL")
	_, err := svc.RunTick(context.Background(), []domain.Timeframe{domain.Timeframe1h}, tickTime)
	require.NoError(t, err)

	n, err := svc.PruneExpired(context.Background(), tickTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.PruneExpired(context.Background(), tickTime.Add(97*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRunTickRequiresDependencies(t *testing.T) {
	svc := NewSignalService(testTracer(), zap.NewNop(), nil, nil, nil, nil, nil, nil, PipelineOptions{})
	_, err := svc.RunTick(context.Background(), []domain.Timeframe{domain.Timeframe1h}, tickTime)
	require.Error(t, err)
}
