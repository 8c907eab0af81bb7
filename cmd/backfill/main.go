package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"signal-kitchen/internal/domain"
	"signal-kitchen/internal/provider"
	"signal-kitchen/internal/repository"
	"signal-kitchen/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const (
	defaultDays = 30
	// pageSize stays under the 1000-row klines cap.
	pageSize = 900
)

var (
	loadEnvFunc = godotenv.Load
	openPool    = pgxpool.New
)

type options struct {
	days       int
	assets     []string
	timeframes []domain.Timeframe
}

type seriesFetcher interface {
	FetchSeries(ctx context.Context, asset string, tf domain.Timeframe, until time.Time, lookback int) (domain.Series, error)
}

type seriesArchive interface {
	UpsertSeries(ctx context.Context, series domain.Series) error
}

// backfill seeds the price archive so the anomaly detector and candles_list
// have history before the first scheduler tick.
func main() {
	_ = loadEnvFunc()

	log, err := logger.New(os.Getenv("LOG_LEVEL"))
	if err != nil {
		log = zap.NewExample()
	}
	defer func() { _ = log.Sync() }()

	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatal("parse options", zap.Error(err))
	}

	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Minute)
	defer cancel()

	pool, err := openPool(ctx, dsn)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal("ping postgres", zap.Error(err))
	}

	tracer := noop.NewTracerProvider().Tracer("backfill")
	archive := repository.NewPricePointRepository(pool, tracer)
	if err := archive.RunMigrations(ctx); err != nil {
		log.Fatal("migrate price points", zap.Error(err))
	}
	fetcher := provider.NewBinanceProvider(os.Getenv("BINANCE_BASE_URL"), 4, tracer, log)

	log.Info("starting candle backfill",
		zap.Int("days", opts.days),
		zap.Strings("assets", opts.assets),
		zap.Any("timeframes", opts.timeframes))

	total := 0
	now := time.Now().UTC()
	for _, asset := range opts.assets {
		for _, tf := range opts.timeframes {
			n, err := backfillSeries(ctx, fetcher, archive, asset, tf, now, opts.days)
			if err != nil {
				log.Fatal("backfill failed", zap.String("asset", asset), zap.String("timeframe", string(tf)), zap.Error(err))
			}
			total += n
			log.Info("backfilled series", zap.String("asset", asset), zap.String("timeframe", string(tf)), zap.Int("points", n))
		}
	}
	log.Info("backfill complete", zap.Int("assets", len(opts.assets)), zap.Int("total_points", total))
}

// backfillSeries walks backwards from now in pages until the window is
// covered or the exchange runs out of history.
func backfillSeries(ctx context.Context, fetcher seriesFetcher, archive seriesArchive, asset string, tf domain.Timeframe, now time.Time, days int) (int, error) {
	start := now.Add(-time.Duration(days) * 24 * time.Hour)
	until := now
	total := 0
	for until.After(start) {
		series, err := fetcher.FetchSeries(ctx, asset, tf, until, pageSize)
		if err != nil {
			// Past the listing date the exchange returns no candles.
			if total > 0 && errors.Is(err, domain.ErrDataUnavailable) {
				break
			}
			return total, err
		}
		if series.Len() == 0 {
			break
		}
		if err := archive.UpsertSeries(ctx, series); err != nil {
			return total, err
		}
		total += series.Len()
		oldest := series.Points[0].Timestamp
		if !oldest.Before(until) {
			break
		}
		until = oldest
	}
	return total, nil
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	days := fs.Int("days", defaultBackfillDays(getenv), "number of historical days to backfill (default from BACKFILL_DAYS, else 30)")
	assetsRaw := fs.String("assets", strings.Join(domain.SupportedAssets, ","), "comma-separated assets to backfill")
	timeframesRaw := fs.String("timeframes", defaultBackfillTimeframes(getenv), "comma-separated timeframes to backfill")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if *days <= 0 {
		return options{}, fmt.Errorf("days must be > 0")
	}

	assets, err := normalizeAssets(*assetsRaw)
	if err != nil {
		return options{}, err
	}
	timeframes, err := normalizeTimeframes(*timeframesRaw)
	if err != nil {
		return options{}, err
	}
	return options{days: *days, assets: assets, timeframes: timeframes}, nil
}

func defaultBackfillDays(getenv func(string) string) int {
	if v := strings.TrimSpace(getenv("BACKFILL_DAYS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultDays
}

func defaultBackfillTimeframes(getenv func(string) string) string {
	for _, key := range []string{"BACKFILL_TIMEFRAMES", "TIMEFRAMES"} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			if _, err := normalizeTimeframes(v); err == nil {
				return v
			}
		}
	}
	return "1h"
}

func normalizeAssets(raw string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range strings.Split(raw, ",") {
		s := strings.ToUpper(strings.TrimSpace(p))
		if s == "" {
			continue
		}
		if !domain.IsSupportedAsset(s) {
			return nil, fmt.Errorf("unsupported asset: %s", s)
		}
		if _, exists := seen[s]; exists {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("assets cannot be empty")
	}
	return out, nil
}

func normalizeTimeframes(raw string) ([]domain.Timeframe, error) {
	seen := make(map[domain.Timeframe]struct{})
	var out []domain.Timeframe
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		tf, err := domain.ParseTimeframe(part)
		if err != nil {
			return nil, err
		}
		if _, exists := seen[tf]; exists {
			continue
		}
		seen[tf] = struct{}{}
		out = append(out, tf)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("timeframes cannot be empty")
	}
	return out, nil
}
