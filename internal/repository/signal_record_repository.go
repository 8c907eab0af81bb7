package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"signal-kitchen/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const signalRecordColumns = `key, record_type, asset, timeframe, bucket, indicators, rebalance, summary_text, summary_image_ref, created_at`

// SignalRecordRepository is the Postgres signal store. Uniqueness of key is
// enforced by the primary key, so the insert is a first-writer-wins put.
type SignalRecordRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewSignalRecordRepository(pool PgxPool, tracer trace.Tracer) *SignalRecordRepository {
	return &SignalRecordRepository{pool: pool, tracer: tracer}
}

func (r *SignalRecordRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "signal-record-repo.run-migrations")
	defer span.End()

	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS signal_records (
    key               TEXT PRIMARY KEY,
    record_type       TEXT NOT NULL,
    asset             TEXT NOT NULL,
    timeframe         TEXT NOT NULL,
    bucket            BIGINT NOT NULL,
    indicators        JSONB,
    rebalance         JSONB,
    summary_text      TEXT,
    summary_image_ref TEXT,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS signal_records_type_tf_bucket_idx
    ON signal_records (record_type, timeframe, bucket DESC);
CREATE INDEX IF NOT EXISTS signal_records_pending_summary_idx
    ON signal_records (bucket)
    WHERE summary_text IS NULL AND summary_image_ref IS NULL;
`)
	if err != nil {
		return fmt.Errorf("migrate signal_records: %w", err)
	}
	return nil
}

func (r *SignalRecordRepository) PutIfAbsent(ctx context.Context, key string, record domain.SignalRecord) (bool, error) {
	_, span := r.tracer.Start(ctx, "signal-record-repo.put-if-absent")
	defer span.End()
	span.SetAttributes(attribute.String("record.key", key))

	rt, tf, bucket, err := domain.ParseKey(key)
	if err != nil {
		return false, err
	}
	indicators, err := nullableJSON(record.Indicators)
	if err != nil {
		return false, fmt.Errorf("encode indicators for %s: %w", key, err)
	}
	rebalance, err := nullableJSON(record.Rebalance)
	if err != nil {
		return false, fmt.Errorf("encode rebalance for %s: %w", key, err)
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tag, err := r.pool.Exec(ctx, `
INSERT INTO signal_records (key, record_type, asset, timeframe, bucket, indicators, rebalance, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (key) DO NOTHING`,
		key, string(rt), rt.Asset(), string(tf), bucket, indicators, rebalance, createdAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert record %s: %w", key, err)
	}
	committed := tag.RowsAffected() == 1
	span.SetAttributes(attribute.Bool("record.committed", committed))
	return committed, nil
}

func (r *SignalRecordRepository) SetSummary(ctx context.Context, key string, summary domain.Summary) (bool, error) {
	_, span := r.tracer.Start(ctx, "signal-record-repo.set-summary")
	defer span.End()

	if summary.Text == "" && summary.ImageRef == "" {
		return false, errors.New("empty summary")
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE signal_records
SET summary_text = $2, summary_image_ref = $3
WHERE key = $1 AND summary_text IS NULL AND summary_image_ref IS NULL`,
		key, nullableString(summary.Text), nullableString(summary.ImageRef),
	)
	if err != nil {
		return false, fmt.Errorf("set summary %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns nil without error when the key is unknown.
func (r *SignalRecordRepository) Get(ctx context.Context, key string) (*domain.SignalRecord, error) {
	_, span := r.tracer.Start(ctx, "signal-record-repo.get")
	defer span.End()

	rec, err := scanRecord(r.pool.QueryRow(ctx,
		`SELECT `+signalRecordColumns+` FROM signal_records WHERE key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get record %s: %w", key, err)
	}
	return rec, nil
}

func (r *SignalRecordRepository) GetLatest(ctx context.Context, rt domain.RecordType, tf domain.Timeframe, count int) ([]domain.SignalRecord, error) {
	_, span := r.tracer.Start(ctx, "signal-record-repo.get-latest")
	defer span.End()

	if count <= 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+signalRecordColumns+`
FROM signal_records
WHERE record_type = $1 AND timeframe = $2
ORDER BY bucket DESC
LIMIT $3`, string(rt), string(tf), count)
	if err != nil {
		return nil, fmt.Errorf("list records %s/%s: %w", rt, tf, err)
	}
	return collectRecords(rows, count)
}

func (r *SignalRecordRepository) ListPendingSummaries(ctx context.Context, sinceBucket int64, limit int) ([]domain.SignalRecord, error) {
	_, span := r.tracer.Start(ctx, "signal-record-repo.list-pending-summaries")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+signalRecordColumns+`
FROM signal_records
WHERE bucket >= $1
  AND record_type LIKE $2
  AND summary_text IS NULL AND summary_image_ref IS NULL
ORDER BY bucket ASC
LIMIT $3`, sinceBucket, domain.KindSignal+".%", limit)
	if err != nil {
		return nil, fmt.Errorf("list pending summaries: %w", err)
	}
	return collectRecords(rows, limit)
}

func (r *SignalRecordRepository) DeleteBefore(ctx context.Context, cutoffBucket int64) (int64, error) {
	_, span := r.tracer.Start(ctx, "signal-record-repo.delete-before")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `DELETE FROM signal_records WHERE bucket < $1`, cutoffBucket)
	if err != nil {
		return 0, fmt.Errorf("delete records before %d: %w", cutoffBucket, err)
	}
	return tag.RowsAffected(), nil
}

func collectRecords(rows pgx.Rows, capacity int) ([]domain.SignalRecord, error) {
	defer rows.Close()

	out := make([]domain.SignalRecord, 0, capacity)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*domain.SignalRecord, error) {
	var (
		rec        domain.SignalRecord
		rt, tf     string
		indicators []byte
		rebalance  []byte
	)
	if err := row.Scan(
		&rec.Key,
		&rt,
		&rec.Asset,
		&tf,
		&rec.Bucket,
		&indicators,
		&rebalance,
		&rec.SummaryText,
		&rec.SummaryImageRef,
		&rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	rec.RecordType = domain.RecordType(rt)
	rec.Timeframe = domain.Timeframe(tf)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if len(indicators) > 0 {
		rec.Indicators = &domain.IndicatorSet{}
		if err := json.Unmarshal(indicators, rec.Indicators); err != nil {
			return nil, fmt.Errorf("decode indicators for %s: %w", rec.Key, err)
		}
	}
	if len(rebalance) > 0 {
		rec.Rebalance = &domain.RebalanceResult{}
		if err := json.Unmarshal(rebalance, rec.Rebalance); err != nil {
			return nil, fmt.Errorf("decode rebalance for %s: %w", rec.Key, err)
		}
	}
	return &rec, nil
}

func nullableJSON[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
