package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"signal-kitchen/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newTestStore(t *testing.T) *RecordStore {
	t.Helper()
	_, client := newTestClient(t)
	return NewRecordStore(client, noop.NewTracerProvider().Tracer("test"))
}

func signalRecord(asset string, tf domain.Timeframe, bucket int64, closeVal float64) domain.SignalRecord {
	rt := domain.SignalRecordType(asset)
	return domain.SignalRecord{
		Key:        domain.BuildKey(rt, tf, bucket),
		RecordType: rt,
		Asset:      asset,
		Timeframe:  tf,
		Bucket:     bucket,
		Indicators: &domain.IndicatorSet{Asset: asset, Timeframe: tf, Bucket: bucket, Close: &closeVal},
		CreatedAt:  time.Unix(bucket, 0).UTC(),
	}
}

func TestPutIfAbsentFirstWriterWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := signalRecord("SOL", domain.Timeframe1h, 1746363600, 150)
	committed, err := store.PutIfAbsent(ctx, first.Key, first)
	require.NoError(t, err)
	assert.True(t, committed)

	second := signalRecord("SOL", domain.Timeframe1h, 1746363600, 999)
	committed, err = store.PutIfAbsent(ctx, second.Key, second)
	require.NoError(t, err)
	assert.False(t, committed)

	got, err := store.Get(ctx, first.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 150.0, *got.Indicators.Close)
	assert.Nil(t, got.SummaryText)
}

func TestPutIfAbsentConcurrentWritersCommitOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := signalRecord("BTC", domain.Timeframe15m, 1746363600, float64(i))
			ok, err := store.PutIfAbsent(ctx, rec.Key, rec)
			if err == nil && ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	latest, err := store.GetLatest(ctx, domain.SignalRecordType("BTC"), domain.Timeframe15m, 10)
	require.NoError(t, err)
	assert.Len(t, latest, 1)
}

func TestSetSummaryIsCompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec := signalRecord("SOL", domain.Timeframe1h, 1746363600, 150)
	_, err := store.PutIfAbsent(ctx, rec.Key, rec)
	require.NoError(t, err)

	ok, err := store.SetSummary(ctx, rec.Key, domain.Summary{Text: "first", ImageRef: "png.SOL::1h::1746363600"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetSummary(ctx, rec.Key, domain.Summary{Text: "second"})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, rec.Key)
	require.NoError(t, err)
	require.NotNil(t, got.SummaryText)
	assert.Equal(t, "first", *got.SummaryText)
	assert.Equal(t, "png.SOL::1h::1746363600", *got.SummaryImageRef)

	ok, err = store.SetSummary(ctx, "txt.SOL::1h::1", domain.Summary{Text: "orphan"})
	require.NoError(t, err)
	assert.False(t, ok, "summary for an unknown record must not commit")

	_, err = store.SetSummary(ctx, rec.Key, domain.Summary{})
	assert.Error(t, err)
}

func TestSetSummaryTextOnlyLeavesImageRefNull(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec := signalRecord("ETH", domain.Timeframe4h, 1746360000, 3000)
	_, err := store.PutIfAbsent(ctx, rec.Key, rec)
	require.NoError(t, err)

	ok, err := store.SetSummary(ctx, rec.Key, domain.Summary{Text: "calm"})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, "calm", *got.SummaryText)
	assert.Nil(t, got.SummaryImageRef)
}

func TestGetLatestOrdersNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, bucket := range []int64{3600, 10800, 7200} {
		rec := signalRecord("SOL", domain.Timeframe1h, bucket, float64(bucket))
		_, err := store.PutIfAbsent(ctx, rec.Key, rec)
		require.NoError(t, err)
	}
	other := signalRecord("SOL", domain.Timeframe4h, 14400, 1)
	_, err := store.PutIfAbsent(ctx, other.Key, other)
	require.NoError(t, err)

	latest, err := store.GetLatest(ctx, domain.SignalRecordType("SOL"), domain.Timeframe1h, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(10800), latest[0].Bucket)
	assert.Equal(t, int64(7200), latest[1].Bucket)

	missing, err := store.Get(ctx, "txt.SOL::1h::42")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListPendingSummariesSkipsSummarizedAndRebalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := signalRecord("SOL", domain.Timeframe1h, 3600, 1)
	b := signalRecord("SOL", domain.Timeframe1h, 7200, 2)
	old := signalRecord("SOL", domain.Timeframe1h, 0, 0)
	for _, rec := range []domain.SignalRecord{a, b, old} {
		_, err := store.PutIfAbsent(ctx, rec.Key, rec)
		require.NoError(t, err)
	}
	rt := domain.RebalanceRecordType("SOL")
	rebalance := domain.SignalRecord{
		Key: domain.BuildKey(rt, domain.Timeframe1h, 7200), RecordType: rt, Asset: "SOL",
		Timeframe: domain.Timeframe1h, Bucket: 7200,
		Rebalance: &domain.RebalanceResult{Bucket: 7200, Asset: "SOL", ActionTaken: "hold"},
	}
	_, err := store.PutIfAbsent(ctx, rebalance.Key, rebalance)
	require.NoError(t, err)

	_, err = store.SetSummary(ctx, a.Key, domain.Summary{Text: "done"})
	require.NoError(t, err)

	pending, err := store.ListPendingSummaries(ctx, 3600, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.Key, pending[0].Key)
}

func TestDeleteBeforeRemovesRecordsAndIndexes(t *testing.T) {
	mr, client := newTestClient(t)
	store := NewRecordStore(client, noop.NewTracerProvider().Tracer("test"))
	ctx := context.Background()

	old := signalRecord("SOL", domain.Timeframe1h, 3600, 1)
	fresh := signalRecord("SOL", domain.Timeframe1h, 7200, 2)
	for _, rec := range []domain.SignalRecord{old, fresh} {
		_, err := store.PutIfAbsent(ctx, rec.Key, rec)
		require.NoError(t, err)
	}
	_, err := store.SetSummary(ctx, old.Key, domain.Summary{Text: "x"})
	require.NoError(t, err)

	n, err := store.DeleteBefore(ctx, 7200)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, mr.Exists(recordPrefix+old.Key))
	assert.False(t, mr.Exists(summaryPrefix+old.Key))

	latest, err := store.GetLatest(ctx, domain.SignalRecordType("SOL"), domain.Timeframe1h, 10)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, fresh.Key, latest[0].Key)

	n, err = store.DeleteBefore(ctx, 7200)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// clusterTag mirrors Redis Cluster hashing: only the first non-empty {...}
// section of a key selects the slot.
func clusterTag(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := strings.IndexByte(key[start+1:], '}')
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}

func TestRecordKeysShareOneClusterSlot(t *testing.T) {
	mr, client := newTestClient(t)
	store := NewRecordStore(client, noop.NewTracerProvider().Tracer("test"))
	ctx := context.Background()

	for _, rec := range []domain.SignalRecord{
		signalRecord("SOL", domain.Timeframe1h, 1746363600, 100),
		signalRecord("BTC", domain.Timeframe4h, 1746360000, 90000),
	} {
		_, err := store.PutIfAbsent(ctx, rec.Key, rec)
		require.NoError(t, err)
		_, err = store.SetSummary(ctx, rec.Key, domain.Summary{Text: "ok"})
		require.NoError(t, err)
	}
	_, err := store.PutIfAbsent(ctx, domain.BuildKey(domain.SignalRecordType("ETH"), domain.Timeframe1h, 1746363600),
		signalRecord("ETH", domain.Timeframe1h, 1746363600, 3000))
	require.NoError(t, err)

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	for _, k := range keys {
		assert.Equal(t, "signal-records", clusterTag(k), "key %s hashes to another slot", k)
	}
}
