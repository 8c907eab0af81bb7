package domain

import (
	"sort"
	"strings"
	"time"
)

// DefaultAsset is the single asset visible to free-tier consumers.
const DefaultAsset = "SOL"

var SupportedAssets = []string{"SOL", "BTC", "ETH", "JUP", "BONK"}

func IsSupportedAsset(asset string) bool {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	for _, a := range SupportedAssets {
		if a == asset {
			return true
		}
	}
	return false
}

type PricePoint struct {
	Asset     string    `json:"asset"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Series is an ascending, duplicate-free run of points for one asset and timeframe.
type Series struct {
	Asset     string       `json:"asset"`
	Timeframe Timeframe    `json:"timeframe"`
	Points    []PricePoint `json:"points"`
}

// NewSeries orders points by timestamp and keeps the last point seen for a
// repeated timestamp.
func NewSeries(asset string, tf Timeframe, points []PricePoint) Series {
	byTS := make(map[int64]int, len(points))
	out := make([]PricePoint, 0, len(points))
	for _, p := range points {
		ts := p.Timestamp.UnixNano()
		if idx, ok := byTS[ts]; ok {
			out[idx] = p
			continue
		}
		byTS[ts] = len(out)
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return Series{Asset: strings.ToUpper(asset), Timeframe: tf, Points: out}
}

func (s Series) Len() int { return len(s.Points) }

func (s Series) Closes() []float64 {
	out := make([]float64, len(s.Points))
	for i := range s.Points {
		out[i] = s.Points[i].Close
	}
	return out
}

func (s Series) Volumes() []float64 {
	out := make([]float64, len(s.Points))
	for i := range s.Points {
		out[i] = s.Points[i].Volume
	}
	return out
}

type BollingerBands struct {
	Upper float64 `json:"upper"`
	Mid   float64 `json:"mid"`
	Lower float64 `json:"lower"`
}

type MACD struct {
	MACDLine   float64 `json:"macd_line"`
	SignalLine float64 `json:"signal_line"`
	Histogram  float64 `json:"histogram"`
}

// StochRSI is the smoothed stochastic of RSI: K is the SMA of the raw
// stochastic and D the SMA of K. Both lie in [0, 100].
type StochRSI struct {
	K float64 `json:"k"`
	D float64 `json:"d"`
}

// OrderBookDepth sums the resting quantity on each side of the book.
type OrderBookDepth struct {
	Asset     string    `json:"asset"`
	Levels    int       `json:"levels"`
	BidTotal  float64   `json:"bid_total"`
	AskTotal  float64   `json:"ask_total"`
	BestBid   float64   `json:"best_bid"`
	BestAsk   float64   `json:"best_ask"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Imbalance is (bids-asks)/(bids+asks), zero for an empty book.
func (d OrderBookDepth) Imbalance() float64 {
	total := d.BidTotal + d.AskTotal
	if total == 0 {
		return 0
	}
	return (d.BidTotal - d.AskTotal) / total
}

type AlertKind string

const (
	AlertVolatilitySpike   AlertKind = "volatility_spike"
	AlertVolumeSpike       AlertKind = "volume_spike"
	AlertBollingerBreakout AlertKind = "bollinger_breakout"
	AlertMACDCrossover     AlertKind = "macd_crossover"
	AlertAnomaly           AlertKind = "anomaly"
)

type SignalDirection string

const (
	DirectionLong  SignalDirection = "long"
	DirectionShort SignalDirection = "short"
	DirectionHold  SignalDirection = "hold"
)

// CircuitBreakerAlert is a threshold crossing on the latest bar of a series.
type CircuitBreakerAlert struct {
	Kind      AlertKind       `json:"kind"`
	Direction SignalDirection `json:"direction"`
	Value     float64         `json:"value"`
	Details   string          `json:"details"`
}

// IndicatorSet holds per-field indicator values. A nil pointer (or nil map
// entry) means the field is unavailable and encodes as JSON null.
type IndicatorSet struct {
	Asset     string                `json:"asset"`
	Timeframe Timeframe             `json:"timeframe"`
	Bucket    int64                 `json:"bucket"`
	Points    int                   `json:"points"`
	Close     *float64              `json:"close"`
	EMA       map[int]*float64      `json:"ema"`
	BB        *BollingerBands       `json:"bb"`
	MACD      *MACD                 `json:"macd"`
	StochRSI  *StochRSI             `json:"stoch_rsi"`
	Alerts    []CircuitBreakerAlert `json:"alerts,omitempty"`
}

type Position struct {
	Side       string  `json:"side"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
}

type RebalanceResult struct {
	Bucket            int64    `json:"bucket"`
	Asset             string   `json:"asset"`
	ActionTaken       string   `json:"action_taken"`
	ResultingPosition Position `json:"resulting_position"`
}

type SignalRecord struct {
	Key             string           `json:"key"`
	RecordType      RecordType       `json:"record_type"`
	Asset           string           `json:"asset"`
	Timeframe       Timeframe        `json:"timeframe"`
	Bucket          int64            `json:"bucket"`
	Indicators      *IndicatorSet    `json:"indicators,omitempty"`
	Rebalance       *RebalanceResult `json:"rebalance,omitempty"`
	SummaryText     *string          `json:"summary_text"`
	SummaryImageRef *string          `json:"summary_image_ref"`
	CreatedAt       time.Time        `json:"created_at"`
}

func (r SignalRecord) HasSummary() bool {
	return r.SummaryText != nil || r.SummaryImageRef != nil
}

// WithoutAlerts returns a copy whose indicator set carries no alerts.
func (r SignalRecord) WithoutAlerts() SignalRecord {
	if r.Indicators == nil || len(r.Indicators.Alerts) == 0 {
		return r
	}
	set := *r.Indicators
	set.Alerts = nil
	r.Indicators = &set
	return r
}

// Summary is the reasoning-model output attached to a record.
type Summary struct {
	Text     string
	ImageRef string
}

type ChartImage struct {
	MimeType string
	Width    int
	Height   int
	Bytes    []byte
}

type Tier string

const (
	TierFree   Tier = "free"
	TierStaked Tier = "staked"
	TierGold   Tier = "gold"
)

// Rank orders tiers by privilege; unknown tiers rank below free.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 1
	case TierStaked:
		return 2
	case TierGold:
		return 3
	}
	return 0
}

func (t Tier) IsValid() bool { return t.Rank() > 0 }

func ParseTier(raw string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(raw)))
	return t, t.IsValid()
}

type VisibilityPolicy struct {
	MaxAge          time.Duration `json:"max_age"`
	MinResolution   Timeframe     `json:"min_resolution"`
	RealtimeAllowed bool          `json:"realtime_allowed"`
	AlertsAllowed   bool          `json:"alerts_allowed"`
}

type Consumer struct {
	ID             string   `json:"id" yaml:"id" validate:"required"`
	Tier           Tier     `json:"tier" yaml:"tier" validate:"required,oneof=free staked gold"`
	StakeWeight    float64  `json:"stake_weight" yaml:"stake_weight" validate:"gte=0"`
	Assets         []string `json:"assets,omitempty" yaml:"assets"`
	APIKey         string   `json:"-" yaml:"api_key"`
	TelegramChatID int64    `json:"telegram_chat_id,omitempty" yaml:"telegram_chat_id"`
	DiscordWebhook string   `json:"discord_webhook,omitempty" yaml:"discord_webhook" validate:"omitempty,url"`
	WebhookURL     string   `json:"webhook_url,omitempty" yaml:"webhook_url" validate:"omitempty,url"`
	WebhookKey     string   `json:"-" yaml:"webhook_key"`
	KafkaTopic     string   `json:"kafka_topic,omitempty" yaml:"kafka_topic"`
}

// Subscription is a webhook registration submitted by a consumer.
type Subscription struct {
	ConsumerID string `json:"consumer_id" binding:"required" validate:"required"`
	WebhookURL string `json:"webhook_url" binding:"required,url" validate:"required,url"`
	WebhookKey string `json:"webhook_key"`
}
