package trader

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"signal-kitchen/internal/cache"
	"signal-kitchen/internal/domain"
	"signal-kitchen/internal/entitlement"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const bucket = int64(1746363600)

func signalRecord(asset string, closeVal, hist float64) domain.SignalRecord {
	rt := domain.SignalRecordType(asset)
	return domain.SignalRecord{
		Key:        domain.BuildKey(rt, domain.Timeframe1h, bucket),
		RecordType: rt,
		Asset:      asset,
		Timeframe:  domain.Timeframe1h,
		Bucket:     bucket,
		Indicators: &domain.IndicatorSet{
			Asset: asset, Timeframe: domain.Timeframe1h, Bucket: bucket,
			Close: &closeVal,
			MACD:  &domain.MACD{Histogram: hist},
		},
	}
}

func TestRankByNormalisedHistogram(t *testing.T) {
	noMACD := signalRecord("JUP", 1, 0)
	noMACD.Indicators.MACD = nil
	ranked := Rank([]domain.SignalRecord{
		signalRecord("BTC", 60000, 300), // 0.005
		signalRecord("SOL", 150, -3),    // 0.02
		signalRecord("ETH", 3000, 30),   // 0.01
		noMACD,
		signalRecord("BONK", 0, 1),
	})
	require.Len(t, ranked, 3)
	assert.Equal(t, "SOL", ranked[0].Asset)
	assert.Equal(t, "ETH", ranked[1].Asset)
	assert.Equal(t, "BTC", ranked[2].Asset)
}

type fakePM struct {
	mu    sync.Mutex
	calls []RebalanceRequest
	fail  map[string]error
}

func (f *fakePM) Rebalance(_ context.Context, req RebalanceRequest) (domain.RebalanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if err := f.fail[req.Asset]; err != nil {
		return domain.RebalanceResult{}, err
	}
	return domain.RebalanceResult{
		Bucket: req.Bucket, Asset: req.Asset, ActionTaken: "increase",
		ResultingPosition: domain.Position{Side: "long", Size: 1, EntryPrice: req.Close},
	}, nil
}

func newTestActor(t *testing.T, pm PositionManager, topN int, assets ...string) (*Actor, *cache.RecordStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tracer := noop.NewTracerProvider().Tracer("test")
	store := cache.NewRecordStore(client, tracer)
	gate := entitlement.NewGate(store, entitlement.DefaultTable(), tracer)
	actor := NewActor(gate, store, cache.NewDeliveryLedger(client, 0), pm, nil, Options{
		Assets: assets, TopN: topN, MaxAttempts: 2, RetryInterval: time.Millisecond,
	}, tracer, zap.NewNop())
	return actor, store
}

func seed(t *testing.T, store *cache.RecordStore, records ...domain.SignalRecord) {
	t.Helper()
	for _, rec := range records {
		_, err := store.PutIfAbsent(context.Background(), rec.Key, rec)
		require.NoError(t, err)
	}
}

func TestActorRebalancesTopN(t *testing.T) {
	pm := &fakePM{}
	actor, store := newTestActor(t, pm, 2, "SOL", "BTC", "ETH")
	seed(t, store,
		signalRecord("SOL", 150, -3),
		signalRecord("BTC", 60000, 300),
		signalRecord("ETH", 3000, 30),
	)
	now := time.Unix(bucket+600, 0)

	keys, err := actor.Run(context.Background(), domain.Timeframe1h, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"rebalance.SOL::1h::1746363600", "rebalance.ETH::1h::1746363600"}, keys)
	require.Len(t, pm.calls, 2)

	rec, err := store.Get(context.Background(), "rebalance.SOL::1h::1746363600")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NotNil(t, rec.Rebalance)
	assert.Equal(t, "increase", rec.Rebalance.ActionTaken)
	assert.Equal(t, 150.0, rec.Rebalance.ResultingPosition.EntryPrice)

	// A second run for the same bucket must not call the position manager again.
	keys, err = actor.Run(context.Background(), domain.Timeframe1h, now)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Len(t, pm.calls, 2)
}

func TestActorSkipsUnhandledTimeframes(t *testing.T) {
	pm := &fakePM{}
	actor, store := newTestActor(t, pm, 3, "SOL")
	seed(t, store, signalRecord("SOL", 150, -3))

	keys, err := actor.Run(context.Background(), domain.Timeframe5m, time.Unix(bucket+600, 0))
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Empty(t, pm.calls)
}

func TestActorFailureIsIsolated(t *testing.T) {
	pm := &fakePM{fail: map[string]error{"SOL": backoff.Permanent(errors.New("risk limit"))}}
	actor, store := newTestActor(t, pm, 3, "SOL", "ETH")
	seed(t, store, signalRecord("SOL", 150, -3), signalRecord("ETH", 3000, 30))

	keys, err := actor.Run(context.Background(), domain.Timeframe1h, time.Unix(bucket+600, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"rebalance.ETH::1h::1746363600"}, keys)

	rec, err := store.Get(context.Background(), "rebalance.SOL::1h::1746363600")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestHTTPPositionManager(t *testing.T) {
	var got RebalanceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rebalance":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			if got.Asset == "BONK" {
				_, _ = w.Write([]byte(`{"action_taken":"open","resulting_position":{"side":"sideways","size":1,"entry_price":1}}`))
				return
			}
			_, _ = w.Write([]byte(`{"action_taken":"reduce","resulting_position":{"side":"short","size":0.5,"entry_price":149.2}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	pm := NewHTTPPositionManager(srv.URL + "/")
	res, err := pm.Rebalance(context.Background(), RebalanceRequest{Asset: "SOL", Timeframe: domain.Timeframe1h, Bucket: bucket, Close: 150})
	require.NoError(t, err)
	assert.Equal(t, "SOL", got.Asset)
	assert.Equal(t, domain.RebalanceResult{
		Bucket: bucket, Asset: "SOL", ActionTaken: "reduce",
		ResultingPosition: domain.Position{Side: "short", Size: 0.5, EntryPrice: 149.2},
	}, res)

	_, err = pm.Rebalance(context.Background(), RebalanceRequest{Asset: "BONK"})
	require.Error(t, err)
	var perm *backoff.PermanentError
	assert.True(t, errors.As(err, &perm))
}
