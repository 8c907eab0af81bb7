package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"signal-kitchen/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Every key carries the same hash tag so the Lua scripts and the prune
// transaction stay within one Redis Cluster slot.
const (
	keyTag        = "{signal-records}"
	recordPrefix  = keyTag + ":record:"
	summaryPrefix = keyTag + ":summary:"
	indexPrefix   = keyTag + ":index:"
	allIndexKey   = indexPrefix + "all"
	pendingKey    = indexPrefix + "pending-summary"
)

// putScript creates the record and its index entries only when the record key
// is still free. KEYS: record, type index, all index, pending index.
// ARGV: json, bucket, key, pending flag.
var putScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
if ARGV[4] == '1' then
  redis.call('ZADD', KEYS[4], ARGV[2], ARGV[3])
end
return 1
`)

// summaryScript writes the summary hash once. KEYS: record, summary, pending
// index. ARGV: text, image ref, key.
var summaryScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
if ARGV[1] ~= '' then
  redis.call('HSET', KEYS[2], 'text', ARGV[1])
end
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[2], 'image_ref', ARGV[2])
end
redis.call('ZREM', KEYS[3], ARGV[3])
return 1
`)

// RecordStore keeps signal records in Redis. Each record is an immutable JSON
// string; its summary lives in a separate hash so the summary write can be
// a compare-and-set on "hash absent".
type RecordStore struct {
	client redis.UniversalClient
	tracer trace.Tracer
}

func NewRecordStore(client redis.UniversalClient, tracer trace.Tracer) *RecordStore {
	return &RecordStore{client: client, tracer: tracer}
}

func indexKey(rt domain.RecordType, tf domain.Timeframe) string {
	return indexPrefix + string(rt) + "::" + string(tf)
}

func (s *RecordStore) PutIfAbsent(ctx context.Context, key string, record domain.SignalRecord) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "record-store.put-if-absent")
	defer span.End()
	span.SetAttributes(attribute.String("record.key", key))

	rt, tf, bucket, err := domain.ParseKey(key)
	if err != nil {
		return false, err
	}

	record.Key = key
	record.SummaryText = nil
	record.SummaryImageRef = nil
	body, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("encode record %s: %w", key, err)
	}

	pending := "0"
	if rt.Kind() == domain.KindSignal {
		pending = "1"
	}
	res, err := putScript.Run(ctx, s.client,
		[]string{recordPrefix + key, indexKey(rt, tf), allIndexKey, pendingKey},
		string(body), strconv.FormatInt(bucket, 10), key, pending,
	).Int()
	if err != nil {
		return false, fmt.Errorf("put record %s: %w", key, err)
	}
	span.SetAttributes(attribute.Bool("record.committed", res == 1))
	return res == 1, nil
}

func (s *RecordStore) SetSummary(ctx context.Context, key string, summary domain.Summary) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "record-store.set-summary")
	defer span.End()
	span.SetAttributes(attribute.String("record.key", key))

	if summary.Text == "" && summary.ImageRef == "" {
		return false, errors.New("empty summary")
	}
	res, err := summaryScript.Run(ctx, s.client,
		[]string{recordPrefix + key, summaryPrefix + key, pendingKey},
		summary.Text, summary.ImageRef, key,
	).Int()
	if err != nil {
		return false, fmt.Errorf("set summary %s: %w", key, err)
	}
	return res == 1, nil
}

// Get returns nil without error when the key is unknown.
func (s *RecordStore) Get(ctx context.Context, key string) (*domain.SignalRecord, error) {
	ctx, span := s.tracer.Start(ctx, "record-store.get")
	defer span.End()

	records, err := s.load(ctx, []string{key})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// GetLatest returns up to count records of one type and timeframe, newest
// bucket first.
func (s *RecordStore) GetLatest(ctx context.Context, rt domain.RecordType, tf domain.Timeframe, count int) ([]domain.SignalRecord, error) {
	ctx, span := s.tracer.Start(ctx, "record-store.get-latest")
	defer span.End()
	span.SetAttributes(attribute.String("record.type", string(rt)), attribute.String("record.timeframe", string(tf)))

	if count <= 0 {
		return nil, nil
	}
	keys, err := s.client.ZRevRange(ctx, indexKey(rt, tf), 0, int64(count-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", indexKey(rt, tf), err)
	}
	return s.load(ctx, keys)
}

// ListPendingSummaries returns signal records at or after sinceBucket whose
// summary is still absent, oldest first.
func (s *RecordStore) ListPendingSummaries(ctx context.Context, sinceBucket int64, limit int) ([]domain.SignalRecord, error) {
	ctx, span := s.tracer.Start(ctx, "record-store.list-pending-summaries")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	keys, err := s.client.ZRangeByScore(ctx, pendingKey, &redis.ZRangeBy{
		Min:   strconv.FormatInt(sinceBucket, 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read pending summaries: %w", err)
	}
	records, err := s.load(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, rec := range records {
		if !rec.HasSummary() {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DeleteBefore removes every record whose bucket is older than cutoffBucket.
func (s *RecordStore) DeleteBefore(ctx context.Context, cutoffBucket int64) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "record-store.delete-before")
	defer span.End()

	keys, err := s.client.ZRangeByScore(ctx, allIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoffBucket, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read expired records: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, key := range keys {
		pipe.Del(ctx, recordPrefix+key, summaryPrefix+key)
		pipe.ZRem(ctx, allIndexKey, key)
		pipe.ZRem(ctx, pendingKey, key)
		if rt, tf, _, err := domain.ParseKey(key); err == nil {
			pipe.ZRem(ctx, indexKey(rt, tf), key)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete expired records: %w", err)
	}
	span.SetAttributes(attribute.Int("records.deleted", len(keys)))
	return int64(len(keys)), nil
}

// load fetches records and their summaries in one round trip, preserving key
// order and skipping keys that vanished.
func (s *RecordStore) load(ctx context.Context, keys []string) ([]domain.SignalRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	bodies := make([]*redis.StringCmd, len(keys))
	summaries := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		bodies[i] = pipe.Get(ctx, recordPrefix+key)
		summaries[i] = pipe.HGetAll(ctx, summaryPrefix+key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load records: %w", err)
	}

	out := make([]domain.SignalRecord, 0, len(keys))
	for i, key := range keys {
		body, err := bodies[i].Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load record %s: %w", key, err)
		}
		var rec domain.SignalRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", key, err)
		}
		fields, err := summaries[i].Result()
		if err != nil {
			return nil, fmt.Errorf("load summary %s: %w", key, err)
		}
		if text, ok := fields["text"]; ok {
			rec.SummaryText = &text
		}
		if ref, ok := fields["image_ref"]; ok {
			rec.SummaryImageRef = &ref
		}
		out = append(out, rec)
	}
	return out, nil
}
