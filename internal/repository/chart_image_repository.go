package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signal-kitchen/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

// ChartImageRepository stores rendered charts in Postgres, keyed by image ref.
// It backs the chart store when no object storage bucket is configured.
type ChartImageRepository struct {
	pool   PgxPool
	tracer trace.Tracer
	ttl    time.Duration
}

func NewChartImageRepository(pool PgxPool, tracer trace.Tracer, ttl time.Duration) *ChartImageRepository {
	if ttl <= 0 {
		ttl = 96 * time.Hour
	}
	return &ChartImageRepository{pool: pool, tracer: tracer, ttl: ttl}
}

func (r *ChartImageRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "chart-image-repo.run-migrations")
	defer span.End()

	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chart_images (
    ref         TEXT PRIMARY KEY,
    mime_type   TEXT NOT NULL,
    width       INTEGER NOT NULL,
    height      INTEGER NOT NULL,
    image_bytes BYTEA NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS chart_images_expires_at_idx ON chart_images (expires_at);
`)
	if err != nil {
		return fmt.Errorf("migrate chart_images: %w", err)
	}
	return nil
}

// PutChart stores the image under ref. Charts are deterministic per bucket so
// a repeated put just refreshes the row.
func (r *ChartImageRepository) PutChart(ctx context.Context, ref string, img domain.ChartImage) error {
	_, span := r.tracer.Start(ctx, "chart-image-repo.put")
	defer span.End()

	_, err := r.pool.Exec(ctx, `
INSERT INTO chart_images (ref, mime_type, width, height, image_bytes, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (ref) DO UPDATE SET
    mime_type = EXCLUDED.mime_type,
    width = EXCLUDED.width,
    height = EXCLUDED.height,
    image_bytes = EXCLUDED.image_bytes,
    expires_at = EXCLUDED.expires_at`,
		ref, img.MimeType, img.Width, img.Height, img.Bytes, time.Now().Add(r.ttl).UTC(),
	)
	if err != nil {
		return fmt.Errorf("store chart %s: %w", ref, err)
	}
	return nil
}

// GetChart returns nil without error for unknown or expired refs.
func (r *ChartImageRepository) GetChart(ctx context.Context, ref string) (*domain.ChartImage, error) {
	_, span := r.tracer.Start(ctx, "chart-image-repo.get")
	defer span.End()

	var out domain.ChartImage
	err := r.pool.QueryRow(ctx, `
SELECT mime_type, width, height, image_bytes
FROM chart_images
WHERE ref = $1 AND expires_at > NOW()`, ref).Scan(&out.MimeType, &out.Width, &out.Height, &out.Bytes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load chart %s: %w", ref, err)
	}
	return &out, nil
}

func (r *ChartImageRepository) DeleteExpired(ctx context.Context) (int64, error) {
	_, span := r.tracer.Start(ctx, "chart-image-repo.delete-expired")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `DELETE FROM chart_images WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
