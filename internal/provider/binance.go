package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"signal-kitchen/internal/domain"
	"signal-kitchen/pkg/retry"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultBinanceBaseURL = "https://data-api.binance.vision/api/v3"
	maxKlinesLimit        = 1000
	DefaultDepthLimit     = 1000
)

var depthLimits = []int{5, 10, 20, 50, 100, 500, 1000, 5000}

// kline is one validated row of the uiKlines response.
type kline struct {
	OpenTime int64   `validate:"gte=0"`
	Open     float64 `validate:"gt=0"`
	High     float64 `validate:"gt=0,gtefield=Low"`
	Low      float64 `validate:"gt=0"`
	Close    float64 `validate:"gt=0"`
	Volume   float64 `validate:"gte=0"`
}

type BinanceProvider struct {
	baseURL       string
	httpClient    *http.Client
	tracer        trace.Tracer
	logger        *zap.Logger
	validate      *validator.Validate
	maxAttempts   int
	retryInterval time.Duration
}

func NewBinanceProvider(baseURL string, maxAttempts int, tracer trace.Tracer, logger *zap.Logger) *BinanceProvider {
	if baseURL == "" {
		baseURL = DefaultBinanceBaseURL
	}
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	return &BinanceProvider{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		tracer:        tracer,
		logger:        logger.With(zap.String("component", "binance-provider")),
		validate:      validator.New(),
		maxAttempts:   maxAttempts,
		retryInterval: 500 * time.Millisecond,
	}
}

// Symbol maps an asset to its USDT pair.
func Symbol(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset)) + "USDT"
}

// FetchSeries returns up to lookback candles for asset that closed at or
// before until. Transient failures are retried; anything left over is
// reported as a DataUnavailableError for this asset only.
func (p *BinanceProvider) FetchSeries(ctx context.Context, asset string, tf domain.Timeframe, until time.Time, lookback int) (domain.Series, error) {
	ctx, span := p.tracer.Start(ctx, "binance-provider.fetch-series")
	defer span.End()
	span.SetAttributes(
		attribute.String("asset", asset),
		attribute.String("timeframe", string(tf)),
		attribute.Int("lookback", lookback),
	)

	asset = strings.ToUpper(strings.TrimSpace(asset))
	if !tf.IsValid() {
		return domain.Series{}, &domain.DataUnavailableError{Asset: asset, Err: fmt.Errorf("unsupported timeframe %q", tf)}
	}
	if lookback <= 0 || lookback > maxKlinesLimit-1 {
		lookback = maxKlinesLimit - 1
	}

	var rows []kline
	attempts, err := retry.Do(ctx, p.retryInterval, p.maxAttempts, func() error {
		var fetchErr error
		rows, fetchErr = p.fetchKlines(ctx, asset, tf, until, lookback+1)
		if fetchErr != nil {
			p.logger.Warn("kline fetch failed",
				zap.String("asset", asset),
				zap.String("timeframe", string(tf)),
				zap.Error(fetchErr))
		}
		return fetchErr
	})
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		return domain.Series{}, &domain.DataUnavailableError{Asset: asset, Err: err}
	}

	cutoff := until.UnixMilli()
	width := tf.Width().Milliseconds()
	points := make([]domain.PricePoint, 0, len(rows))
	for _, k := range rows {
		if k.OpenTime+width > cutoff {
			continue
		}
		points = append(points, domain.PricePoint{
			Asset:     asset,
			Timestamp: time.UnixMilli(k.OpenTime).UTC(),
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
		})
	}
	if len(points) > lookback {
		points = points[len(points)-lookback:]
	}
	if len(points) == 0 {
		return domain.Series{}, &domain.DataUnavailableError{Asset: asset, Err: errors.New("no closed candles")}
	}
	return domain.NewSeries(asset, tf, points), nil
}

func (p *BinanceProvider) fetchKlines(ctx context.Context, asset string, tf domain.Timeframe, until time.Time, limit int) ([]kline, error) {
	params := url.Values{}
	params.Set("symbol", Symbol(asset))
	params.Set("interval", string(tf))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("endTime", strconv.FormatInt(until.UnixMilli()-1, 10))

	body, err := p.get(ctx, asset, "/uiKlines?"+params.Encode())
	if err != nil {
		return nil, err
	}

	rows, err := p.decodeKlines(body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return rows, nil
}

// get issues one request. 429 and 5xx come back as TransientFetchError so
// retry.Do tries again; other failures are marked permanent.
func (p *BinanceProvider) get(ctx context.Context, asset, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, &domain.TransientFetchError{Asset: asset, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &domain.TransientFetchError{Asset: asset, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &domain.TransientFetchError{Asset: asset, StatusCode: resp.StatusCode, Err: errors.New(snippet(body))}
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("binance returned status %d: %s", resp.StatusCode, snippet(body)))
	}
	return body, nil
}

func (p *BinanceProvider) decodeKlines(body []byte) ([]kline, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw [][]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	out := make([]kline, 0, len(raw))
	for i, row := range raw {
		if len(row) < 6 {
			return nil, fmt.Errorf("kline %d: expected at least 6 fields, got %d", i, len(row))
		}
		var k kline
		var err error
		if k.OpenTime, err = intField(row[0]); err != nil {
			return nil, fmt.Errorf("kline %d open time: %w", i, err)
		}
		fields := []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
		for j, dst := range fields {
			if *dst, err = floatField(row[j+1]); err != nil {
				return nil, fmt.Errorf("kline %d field %d: %w", i, j+1, err)
			}
		}
		if err := p.validate.Struct(k); err != nil {
			return nil, fmt.Errorf("kline %d invalid: %w", i, err)
		}
		out = append(out, k)
	}
	return out, nil
}

// FetchDepth sums the top limit levels on each side of the order book. Retry
// and error classification match FetchSeries.
func (p *BinanceProvider) FetchDepth(ctx context.Context, asset string, limit int) (domain.OrderBookDepth, error) {
	ctx, span := p.tracer.Start(ctx, "binance-provider.fetch-depth")
	defer span.End()

	asset = strings.ToUpper(strings.TrimSpace(asset))
	limit = depthLimit(limit)
	span.SetAttributes(attribute.String("asset", asset), attribute.Int("limit", limit))

	var depth domain.OrderBookDepth
	attempts, err := retry.Do(ctx, p.retryInterval, p.maxAttempts, func() error {
		var fetchErr error
		depth, fetchErr = p.fetchDepth(ctx, asset, limit)
		if fetchErr != nil {
			p.logger.Warn("depth fetch failed", zap.String("asset", asset), zap.Error(fetchErr))
		}
		return fetchErr
	})
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		return domain.OrderBookDepth{}, &domain.DataUnavailableError{Asset: asset, Err: err}
	}
	return depth, nil
}

// depthLimit rounds up to the nearest limit the endpoint accepts.
func depthLimit(limit int) int {
	if limit <= 0 {
		return DefaultDepthLimit
	}
	for _, l := range depthLimits {
		if limit <= l {
			return l
		}
	}
	return depthLimits[len(depthLimits)-1]
}

func (p *BinanceProvider) fetchDepth(ctx context.Context, asset string, limit int) (domain.OrderBookDepth, error) {
	params := url.Values{}
	params.Set("symbol", Symbol(asset))
	params.Set("limit", strconv.Itoa(limit))

	body, err := p.get(ctx, asset, "/depth?"+params.Encode())
	if err != nil {
		return domain.OrderBookDepth{}, err
	}
	depth, err := decodeDepth(body)
	if err != nil {
		return domain.OrderBookDepth{}, backoff.Permanent(err)
	}
	depth.Asset = asset
	depth.FetchedAt = time.Now().UTC()
	return depth, nil
}

func decodeDepth(body []byte) (domain.OrderBookDepth, error) {
	var raw struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.OrderBookDepth{}, fmt.Errorf("decode depth: %w", err)
	}

	var depth domain.OrderBookDepth
	var err error
	if depth.BidTotal, depth.BestBid, err = sumLevels(raw.Bids, "bid"); err != nil {
		return domain.OrderBookDepth{}, err
	}
	if depth.AskTotal, depth.BestAsk, err = sumLevels(raw.Asks, "ask"); err != nil {
		return domain.OrderBookDepth{}, err
	}
	depth.Levels = max(len(raw.Bids), len(raw.Asks))
	return depth, nil
}

// sumLevels returns the total quantity and the first level's price.
func sumLevels(levels [][]string, side string) (total, best float64, err error) {
	for i, level := range levels {
		if len(level) < 2 {
			return 0, 0, fmt.Errorf("%s %d: expected price and quantity", side, i)
		}
		price, err := floatField(level[0])
		if err != nil || price <= 0 {
			return 0, 0, fmt.Errorf("%s %d price %q invalid", side, i, level[0])
		}
		qty, err := floatField(level[1])
		if err != nil || qty < 0 {
			return 0, 0, fmt.Errorf("%s %d quantity %q invalid", side, i, level[1])
		}
		if i == 0 {
			best = price
		}
		total += qty
	}
	return total, best, nil
}

func intField(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}

// floatField rejects NaN and infinities, which ParseFloat accepts.
func floatField(v any) (float64, error) {
	var (
		f   float64
		err error
	)
	switch n := v.(type) {
	case string:
		f, err = strconv.ParseFloat(n, 64)
	case json.Number:
		f, err = n.Float64()
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value %v", v)
	}
	return f, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
