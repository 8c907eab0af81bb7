package main

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"signal-kitchen/internal/domain"
)

func TestDefaultBackfillDays(t *testing.T) {
	getenv := func(key string) string { return "" }
	if got := defaultBackfillDays(getenv); got != defaultDays {
		t.Fatalf("expected default %d, got %d", defaultDays, got)
	}

	getenv = func(key string) string {
		if key == "BACKFILL_DAYS" {
			return "45"
		}
		return ""
	}
	if got := defaultBackfillDays(getenv); got != 45 {
		t.Fatalf("expected 45, got %d", got)
	}

	getenv = func(key string) string { return "-3" }
	if got := defaultBackfillDays(getenv); got != defaultDays {
		t.Fatalf("expected invalid value to fall back, got %d", got)
	}
}

func TestNormalizeAssets(t *testing.T) {
	assets, err := normalizeAssets("btc, ETH,btc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(assets, []string{"BTC", "ETH"}) {
		t.Fatalf("unexpected assets %v", assets)
	}
	if _, err := normalizeAssets("FAKE"); err == nil {
		t.Fatal("expected unsupported asset error")
	}
	if _, err := normalizeAssets(" ,, "); err == nil {
		t.Fatal("expected empty asset error")
	}
}

func TestParseOptions(t *testing.T) {
	getenv := func(key string) string {
		if key == "TIMEFRAMES" {
			return "15m,4h"
		}
		return ""
	}

	opts, err := parseOptions([]string{"--assets", "SOL,BONK"}, getenv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.days != defaultDays {
		t.Fatalf("expected default days, got %d", opts.days)
	}
	if !reflect.DeepEqual(opts.assets, []string{"SOL", "BONK"}) {
		t.Fatalf("unexpected assets: %v", opts.assets)
	}
	if !reflect.DeepEqual(opts.timeframes, []domain.Timeframe{domain.Timeframe15m, domain.Timeframe4h}) {
		t.Fatalf("expected timeframes from TIMEFRAMES, got %v", opts.timeframes)
	}

	opts, err = parseOptions([]string{"--days", "7", "--timeframes", "1d"}, getenv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.days != 7 || !reflect.DeepEqual(opts.timeframes, []domain.Timeframe{domain.Timeframe1d}) {
		t.Fatalf("unexpected options %+v", opts)
	}

	if _, err := parseOptions([]string{"--days", "0"}, getenv); err == nil {
		t.Fatal("expected invalid days error")
	}
	if _, err := parseOptions([]string{"--timeframes", "10m"}, getenv); err == nil {
		t.Fatal("expected invalid timeframe error")
	}
}

type pagedFetcher struct {
	oldest time.Time
	calls  int
}

// FetchSeries serves pageSize hourly candles ending before until, never
// older than oldest.
func (f *pagedFetcher) FetchSeries(_ context.Context, asset string, tf domain.Timeframe, until time.Time, lookback int) (domain.Series, error) {
	f.calls++
	var points []domain.PricePoint
	for ts := until.Add(-tf.Width()); !ts.Before(f.oldest) && len(points) < lookback; ts = ts.Add(-tf.Width()) {
		points = append(points, domain.PricePoint{Asset: asset, Timestamp: ts, Close: 1})
	}
	if len(points) == 0 {
		return domain.Series{}, &domain.DataUnavailableError{Asset: asset, Err: errors.New("no closed candles")}
	}
	return domain.NewSeries(asset, tf, points), nil
}

type countingArchive struct {
	points int
}

func (a *countingArchive) UpsertSeries(_ context.Context, s domain.Series) error {
	a.points += s.Len()
	return nil
}

func TestBackfillSeriesPagesUntilWindowCovered(t *testing.T) {
	now := time.Unix(1746363600, 0).UTC()
	fetcher := &pagedFetcher{oldest: now.Add(-365 * 24 * time.Hour)}
	archive := &countingArchive{}

	n, err := backfillSeries(context.Background(), fetcher, archive, "SOL", domain.Timeframe1h, now, 60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 60 days of hourly candles need two pages of 900.
	if fetcher.calls != 2 || n != 1800 || archive.points != n {
		t.Fatalf("expected 2 pages and 1800 points, got calls=%d n=%d archived=%d", fetcher.calls, n, archive.points)
	}
}

func TestBackfillSeriesStopsAtListingDate(t *testing.T) {
	now := time.Unix(1746363600, 0).UTC()
	fetcher := &pagedFetcher{oldest: now.Add(-10 * time.Hour)}
	archive := &countingArchive{}

	n, err := backfillSeries(context.Background(), fetcher, archive, "JUP", domain.Timeframe1h, now, 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 10 || archive.points != 10 {
		t.Fatalf("expected the 10 listed candles, got %d", n)
	}
}
