package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const keySeparator = "::"

type Timeframe string

const (
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var SupportedTimeframes = []Timeframe{Timeframe5m, Timeframe15m, Timeframe1h, Timeframe4h, Timeframe1d}

var timeframeWidths = map[Timeframe]time.Duration{
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

func (tf Timeframe) Width() time.Duration { return timeframeWidths[tf] }

func (tf Timeframe) Seconds() int64 { return int64(tf.Width() / time.Second) }

func (tf Timeframe) IsValid() bool {
	_, ok := timeframeWidths[tf]
	return ok
}

func ParseTimeframe(raw string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(raw)))
	if !tf.IsValid() {
		return "", fmt.Errorf("unsupported timeframe: %q", raw)
	}
	return tf, nil
}

// BucketStart floors ts to the start of its timeframe bucket, in epoch seconds.
func BucketStart(ts time.Time, tf Timeframe) int64 {
	width := tf.Seconds()
	if width <= 0 {
		return ts.Unix()
	}
	sec := ts.Unix()
	b := sec / width * width
	if sec < 0 && sec%width != 0 {
		b -= width
	}
	return b
}

// RecordType prefixes a record key; it carries the record kind and asset,
// e.g. "txt.SOL".
type RecordType string

const (
	KindSignal    = "txt"
	KindImage     = "png"
	KindRebalance = "rebalance"
)

func NewRecordType(kind, asset string) RecordType {
	return RecordType(kind + "." + strings.ToUpper(strings.TrimSpace(asset)))
}

func SignalRecordType(asset string) RecordType { return NewRecordType(KindSignal, asset) }

func RebalanceRecordType(asset string) RecordType { return NewRecordType(KindRebalance, asset) }

func ImageRecordType(asset string) RecordType { return NewRecordType(KindImage, asset) }

func (rt RecordType) Kind() string {
	kind, _, _ := strings.Cut(string(rt), ".")
	return kind
}

func (rt RecordType) Asset() string {
	_, asset, _ := strings.Cut(string(rt), ".")
	return asset
}

func (rt RecordType) IsValid() bool {
	return rt != "" && !strings.Contains(string(rt), keySeparator)
}

// BuildKey renders "{recordType}::{timeframe}::{bucketEpochSeconds}".
func BuildKey(rt RecordType, tf Timeframe, bucket int64) string {
	return string(rt) + keySeparator + string(tf) + keySeparator + strconv.FormatInt(bucket, 10)
}

// ImageRef is the key under which the chart for a signal bucket is stored.
func ImageRef(asset string, tf Timeframe, bucket int64) string {
	return BuildKey(ImageRecordType(asset), tf, bucket)
}

func ParseKey(key string) (RecordType, Timeframe, int64, error) {
	parts := strings.Split(key, keySeparator)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", 0, fmt.Errorf("malformed record key: %q", key)
	}
	bucket, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed bucket in record key %q: %w", key, err)
	}
	return RecordType(parts[0]), Timeframe(parts[1]), bucket, nil
}
