package repository

import (
	"context"
	"fmt"
	"strings"

	"signal-kitchen/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

// PricePointRepository archives fetched candles so they can be listed
// without another market-data round trip.
type PricePointRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewPricePointRepository(pool PgxPool, tracer trace.Tracer) *PricePointRepository {
	return &PricePointRepository{pool: pool, tracer: tracer}
}

func (r *PricePointRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "price-point-repo.run-migrations")
	defer span.End()

	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS price_points (
    asset     TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    open_time TIMESTAMPTZ NOT NULL,
    open      DOUBLE PRECISION NOT NULL,
    high      DOUBLE PRECISION NOT NULL,
    low       DOUBLE PRECISION NOT NULL,
    close     DOUBLE PRECISION NOT NULL,
    volume    DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (asset, timeframe, open_time)
);
`)
	if err != nil {
		return fmt.Errorf("migrate price_points: %w", err)
	}
	return nil
}

func (r *PricePointRepository) UpsertSeries(ctx context.Context, series domain.Series) error {
	if len(series.Points) == 0 {
		return nil
	}

	_, span := r.tracer.Start(ctx, "price-point-repo.upsert-series")
	defer span.End()

	batch := &pgx.Batch{}
	for _, p := range series.Points {
		batch.Queue(
			`INSERT INTO price_points (asset, timeframe, open_time, open, high, low, close, volume)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (asset, timeframe, open_time) DO UPDATE SET
			     open = EXCLUDED.open,
			     high = EXCLUDED.high,
			     low = EXCLUDED.low,
			     close = EXCLUDED.close,
			     volume = EXCLUDED.volume`,
			series.Asset, string(series.Timeframe), p.Timestamp.UTC(), p.Open, p.High, p.Low, p.Close, p.Volume,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range series.Points {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("archive %s %s: %w", series.Asset, series.Timeframe, err)
		}
	}
	return nil
}

// ListPricePoints returns up to limit points, newest first.
func (r *PricePointRepository) ListPricePoints(ctx context.Context, asset string, tf domain.Timeframe, limit int) ([]domain.PricePoint, error) {
	_, span := r.tracer.Start(ctx, "price-point-repo.list")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT asset, open_time, open, high, low, close, volume
		 FROM price_points
		 WHERE asset = $1 AND timeframe = $2
		 ORDER BY open_time DESC
		 LIMIT $3`,
		strings.ToUpper(asset), string(tf), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := make([]domain.PricePoint, 0, limit)
	for rows.Next() {
		var p domain.PricePoint
		if err := rows.Scan(&p.Asset, &p.Timestamp, &p.Open, &p.High, &p.Low, &p.Close, &p.Volume); err != nil {
			return nil, err
		}
		p.Timestamp = p.Timestamp.UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}
