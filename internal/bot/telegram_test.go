package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	"signal-kitchen/internal/domain"
	"signal-kitchen/internal/entitlement"

	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

func TestStartTelegramBotSkipsWithoutToken(t *testing.T) {
	if got := StartTelegramBot("", nil, nil, nil, zap.NewNop()); got != nil {
		t.Fatal("expected nil dispatcher without a token")
	}
}

func TestParseSignalArgs(t *testing.T) {
	asset, tf, err := parseSignalArgs([]string{"btc", "1H"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if asset != "BTC" || tf != domain.Timeframe1h {
		t.Fatalf("expected BTC 1h, got %s %s", asset, tf)
	}

	asset, tf, err = parseSignalArgs(nil)
	if err != nil || asset != domain.DefaultAsset || tf != domain.Timeframe4h {
		t.Fatalf("expected defaults, got %s %s %v", asset, tf, err)
	}
}

func TestParseSignalArgsRejectsInvalid(t *testing.T) {
	for _, args := range [][]string{{"DOGE"}, {"SOL", "BTC"}, {"1h", "4h"}} {
		if _, _, err := parseSignalArgs(args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

type fakeChats struct {
	consumers map[int64]domain.Consumer
}

func (f fakeChats) ResolveChat(_ context.Context, chatID int64) (domain.Consumer, error) {
	if c, ok := f.consumers[chatID]; ok {
		return c, nil
	}
	return domain.Consumer{ID: "anon", Tier: domain.TierFree}, nil
}

func (f fakeChats) ChatIDs() []int64 { return nil }

type fakeLatest struct {
	records []domain.SignalRecord
}

func (f fakeLatest) GetLatest(_ context.Context, rt domain.RecordType, tf domain.Timeframe, count int) ([]domain.SignalRecord, error) {
	var out []domain.SignalRecord
	for _, r := range f.records {
		if r.RecordType == rt && r.Timeframe == tf && len(out) < count {
			out = append(out, r)
		}
	}
	return out, nil
}

func newTestCommands(now time.Time) *commands {
	gate := entitlement.NewGate(fakeLatest{records: []domain.SignalRecord{sampleRecord()}}, entitlement.DefaultTable(), noop.NewTracerProvider().Tracer("test"))
	return &commands{
		consumers: fakeChats{consumers: map[int64]domain.Consumer{1: {ID: "gold", Tier: domain.TierGold}}},
		gate:      gate,
		alerts:    NewAlertDispatcher(&fakeSender{}, nil),
		logger:    zap.NewNop(),
		now:       func() time.Time { return now },
	}
}

func TestSignalsCommandIsGated(t *testing.T) {
	h := newTestCommands(time.Unix(1746363600+60, 0).UTC())

	if got := h.signals(1, []string{"sol", "1h"}); !strings.Contains(got, "Bullish. Trend intact.") {
		t.Fatalf("expected gold chat to see the record, got %q", got)
	}
	if got := h.signals(2, []string{"sol", "1h"}); !strings.Contains(got, "No SOL 1h signal is visible for the free tier") {
		t.Fatalf("expected free chat to be gated, got %q", got)
	}
	if got := h.signals(1, []string{"doge"}); !strings.HasPrefix(got, "Usage:") {
		t.Fatalf("expected usage, got %q", got)
	}
}

func TestTierAndAlertsCommands(t *testing.T) {
	h := newTestCommands(time.Now())

	if got := h.tier(1); !strings.Contains(got, "Tier: gold") || !strings.Contains(got, "Realtime: true") {
		t.Fatalf("unexpected tier reply %q", got)
	}
	if got := h.alertsCommand(5, []string{"on"}); got != "Signal alerts enabled for this chat." {
		t.Fatalf("unexpected reply %q", got)
	}
	if got := h.alertsCommand(5, nil); got != "Alerts status: ON" {
		t.Fatalf("unexpected reply %q", got)
	}
	if got := h.alertsCommand(5, []string{"off"}); got != "Signal alerts disabled for this chat." {
		t.Fatalf("unexpected reply %q", got)
	}
	if got := h.alertsCommand(5, []string{"maybe"}); !strings.HasPrefix(got, "Usage:") {
		t.Fatalf("unexpected reply %q", got)
	}
}
