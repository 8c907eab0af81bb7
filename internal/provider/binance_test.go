package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"signal-kitchen/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const hour = int64(3600 * 1000)

func klinesJSON(startMs int64, n int, stepMs int64) string {
	rows := make([]string, 0, n)
	for i := 0; i < n; i++ {
		open := startMs + int64(i)*stepMs
		price := 100 + float64(i)
		rows = append(rows, fmt.Sprintf(`[%d,"%.2f","%.2f","%.2f","%.2f","%.1f",%d,"0",10,"0","0","0"]`,
			open, price, price+1, price-1, price+0.5, 1000.0+float64(i), open+stepMs-1))
	}
	return "[" + strings.Join(rows, ",") + "]"
}

func newTestProvider(url string) *BinanceProvider {
	p := NewBinanceProvider(url, 4, noop.NewTracerProvider().Tracer("test"), zap.NewNop())
	p.retryInterval = time.Millisecond
	return p
}

func TestFetchSeriesReturnsClosedCandles(t *testing.T) {
	until := time.UnixMilli(10 * hour).UTC()
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		assert.Equal(t, "/uiKlines", r.URL.Path)
		// includes one candle that is still open at until
		_, _ = w.Write([]byte(klinesJSON(5*hour, 6, hour)))
	}))
	defer srv.Close()

	series, err := newTestProvider(srv.URL).FetchSeries(context.Background(), "sol", domain.Timeframe1h, until, 10)
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "symbol=SOLUSDT")
	assert.Contains(t, gotQuery, "interval=1h")
	assert.Contains(t, gotQuery, fmt.Sprintf("endTime=%d", 10*hour-1))

	require.Equal(t, 5, series.Len())
	assert.Equal(t, "SOL", series.Asset)
	assert.Equal(t, time.UnixMilli(9*hour).UTC(), series.Points[4].Timestamp)
	assert.InDelta(t, 104.5, series.Points[4].Close, 1e-9)
	assert.InDelta(t, 1004.0, series.Points[4].Volume, 1e-9)
}

func TestFetchSeriesTrimsToLookback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(klinesJSON(0, 8, hour)))
	}))
	defer srv.Close()

	series, err := newTestProvider(srv.URL).FetchSeries(context.Background(), "BTC", domain.Timeframe1h, time.UnixMilli(8*hour), 3)
	require.NoError(t, err)
	require.Equal(t, 3, series.Len())
	assert.Equal(t, time.UnixMilli(5*hour).UTC(), series.Points[0].Timestamp)
}

func TestFetchSeriesRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(klinesJSON(0, 2, hour)))
	}))
	defer srv.Close()

	series, err := newTestProvider(srv.URL).FetchSeries(context.Background(), "ETH", domain.Timeframe1h, time.UnixMilli(2*hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, series.Len())
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchSeriesExhaustedRetriesBecomeUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestProvider(srv.URL).FetchSeries(context.Background(), "SOL", domain.Timeframe1h, time.UnixMilli(2*hour), 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDataUnavailable))
	var transient *domain.TransientFetchError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, http.StatusTooManyRequests, transient.StatusCode)
	assert.Equal(t, int32(4), calls.Load())
}

func TestFetchSeriesClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	_, err := newTestProvider(srv.URL).FetchSeries(context.Background(), "DOGE", domain.Timeframe1h, time.UnixMilli(2*hour), 10)
	require.ErrorIs(t, err, domain.ErrDataUnavailable)
	assert.Contains(t, err.Error(), "Invalid symbol")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchSeriesRejectsInvalidKline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[[0,"10","5","9","7","1",3599999]]`))
	}))
	defer srv.Close()

	_, err := newTestProvider(srv.URL).FetchSeries(context.Background(), "SOL", domain.Timeframe1h, time.UnixMilli(hour), 10)
	require.ErrorIs(t, err, domain.ErrDataUnavailable)
}

func TestFetchSeriesRejectsNonFiniteValues(t *testing.T) {
	for _, row := range []string{
		`[[0,"10","Inf","9","10","1",3599999]]`,
		`[[0,"10","11","9","NaN","1",3599999]]`,
		`[[0,"10","11","9","10","+Inf",3599999]]`,
	} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			_, _ = w.Write([]byte(row))
		}))

		_, err := newTestProvider(srv.URL).FetchSeries(context.Background(), "SOL", domain.Timeframe1h, time.UnixMilli(hour), 10)
		srv.Close()
		require.ErrorIs(t, err, domain.ErrDataUnavailable, row)
		assert.Contains(t, err.Error(), "non-finite", row)
		assert.Equal(t, int32(1), calls.Load(), "bad payloads are not retried")
	}

	_, err := floatField("1e400")
	assert.Error(t, err, "overflow is rejected by ParseFloat")
	f, err := floatField("12.5")
	require.NoError(t, err)
	assert.Equal(t, 12.5, f)
}

func TestFetchSeriesEmptyIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := newTestProvider(srv.URL).FetchSeries(context.Background(), "SOL", domain.Timeframe1h, time.UnixMilli(hour), 10)
	require.ErrorIs(t, err, domain.ErrDataUnavailable)
}

const depthJSON = `{"lastUpdateId":42,"bids":[["101.50","2.0"],["101.40","3.5"]],"asks":[["101.60","1.0"],["101.70","0.5"],["101.90","4.0"]]}`

func TestFetchDepthSumsBothSides(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/depth", r.URL.Path)
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(depthJSON))
	}))
	defer srv.Close()

	depth, err := newTestProvider(srv.URL).FetchDepth(context.Background(), "sol", 0)
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "symbol=SOLUSDT")
	assert.Contains(t, gotQuery, "limit=1000")

	assert.Equal(t, "SOL", depth.Asset)
	assert.Equal(t, 3, depth.Levels)
	assert.InDelta(t, 5.5, depth.BidTotal, 1e-9)
	assert.InDelta(t, 5.5, depth.AskTotal, 1e-9)
	assert.InDelta(t, 101.5, depth.BestBid, 1e-9)
	assert.InDelta(t, 101.6, depth.BestAsk, 1e-9)
	assert.False(t, depth.FetchedAt.IsZero())
}

func TestFetchDepthRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(depthJSON))
	}))
	defer srv.Close()

	_, err := newTestProvider(srv.URL).FetchDepth(context.Background(), "SOL", 100)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchDepthBadPayloadIsPermanent(t *testing.T) {
	for name, body := range map[string]string{
		"status":   "",
		"json":     `{"bids":`,
		"quantity": `{"bids":[["101.5","NaN"]],"asks":[]}`,
		"level":    `{"bids":[["101.5"]],"asks":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				if body == "" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := newTestProvider(srv.URL).FetchDepth(context.Background(), "SOL", 5)
			var unavailable *domain.DataUnavailableError
			require.True(t, errors.As(err, &unavailable), "got %v", err)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestDepthLimitRoundsUp(t *testing.T) {
	for in, want := range map[int]int{-1: 1000, 0: 1000, 1: 5, 5: 5, 6: 10, 300: 500, 9000: 5000} {
		assert.Equal(t, want, depthLimit(in), "limit %d", in)
	}
}
