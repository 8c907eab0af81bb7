package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"signal-kitchen/internal/domain"

	tele "gopkg.in/telebot.v3"
)

func TestParseAlertMode(t *testing.T) {
	mode, err := parseAlertMode(nil)
	if err != nil || mode != "status" {
		t.Fatalf("expected default status mode, got mode=%q err=%v", mode, err)
	}

	mode, err = parseAlertMode([]string{"on"})
	if err != nil || mode != "on" {
		t.Fatalf("expected on mode, got mode=%q err=%v", mode, err)
	}

	mode, err = parseAlertMode([]string{"OFF"})
	if err != nil || mode != "off" {
		t.Fatalf("expected off mode, got mode=%q err=%v", mode, err)
	}

	if _, err := parseAlertMode([]string{"nope"}); err == nil {
		t.Fatal("expected invalid mode error")
	}
}

func sampleRecord() domain.SignalRecord {
	closeVal, ema12, ema26 := 142.5, 140.1, 138.9
	summary := "Bullish. Trend intact."
	ref := "png.SOL::1h::1746363600"
	return domain.SignalRecord{
		Key:        "txt.SOL::1h::1746363600",
		RecordType: domain.SignalRecordType("SOL"),
		Asset:      "SOL",
		Timeframe:  domain.Timeframe1h,
		Bucket:     1746363600,
		Indicators: &domain.IndicatorSet{
			Close:    &closeVal,
			EMA:      map[int]*float64{12: &ema12, 26: &ema26},
			MACD:     &domain.MACD{MACDLine: 1.2, SignalLine: 0.8, Histogram: 0.4},
			StochRSI: &domain.StochRSI{K: 84.5, D: 79.25},
			Alerts: []domain.CircuitBreakerAlert{{
				Kind: domain.AlertMACDCrossover, Direction: domain.DirectionLong, Details: "macd bullish crossover",
			}},
		},
		SummaryText:     &summary,
		SummaryImageRef: &ref,
	}
}

func TestAlertDispatcherSendsToSubscribedChats(t *testing.T) {
	sender := &fakeSender{}
	dispatcher := NewAlertDispatcher(sender, nil)

	if !dispatcher.Subscribe(10) {
		t.Fatal("expected initial subscribe to return true")
	}
	if dispatcher.Subscribe(10) {
		t.Fatal("expected duplicate subscribe to return false")
	}

	consumer := domain.Consumer{ID: "alice", TelegramChatID: 10}
	if !dispatcher.Enabled(context.Background(), consumer) {
		t.Fatal("expected subscribed chat to be enabled")
	}
	if dispatcher.Enabled(context.Background(), domain.Consumer{ID: "bob", TelegramChatID: 20}) {
		t.Fatal("expected unsubscribed chat to be disabled")
	}

	if err := dispatcher.Send(context.Background(), consumer, sampleRecord()); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if len(sender.messages[10]) != 1 {
		t.Fatalf("expected one message, got %+v", sender.messages)
	}
	body := sender.messages[10][0]
	for _, want := range []string{"SOL 1h", "EMA12/26: 140.1000 / 138.9000", "StochRSI K/D: 84.50 / 79.25", "ALERT macd_crossover LONG", "Bullish. Trend intact."} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in alert body: %s", want, body)
		}
	}
}

func TestAlertDispatcherSendsChartPhoto(t *testing.T) {
	sender := &fakeSender{}
	charts := fakeCharts{"png.SOL::1h::1746363600": {MimeType: "image/png", Bytes: []byte{1, 2, 3}}}
	dispatcher := NewAlertDispatcher(sender, charts)
	dispatcher.Subscribe(10)

	if err := dispatcher.Send(context.Background(), domain.Consumer{TelegramChatID: 10}, sampleRecord()); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if sender.photos != 1 {
		t.Fatalf("expected a photo, got %d", sender.photos)
	}
}

func TestAlertDispatcherUnsubscribe(t *testing.T) {
	sender := &fakeSender{}
	dispatcher := NewAlertDispatcher(sender, nil)

	dispatcher.Subscribe(10)
	if !dispatcher.Unsubscribe(10) {
		t.Fatal("expected unsubscribe to return true")
	}
	if dispatcher.Unsubscribe(10) {
		t.Fatal("expected second unsubscribe to return false")
	}
	if dispatcher.Enabled(context.Background(), domain.Consumer{TelegramChatID: 10}) {
		t.Fatal("expected unsubscribed chat to be disabled")
	}
	if dispatcher.SubscriberCount() != 0 {
		t.Fatalf("expected zero subscribers, got %d", dispatcher.SubscriberCount())
	}
}

func TestAlertDispatcherReportsSendFailure(t *testing.T) {
	dispatcher := NewAlertDispatcher(&fakeSender{err: errors.New("chat not found")}, nil)
	if err := dispatcher.Send(context.Background(), domain.Consumer{TelegramChatID: 10}, sampleRecord()); err == nil {
		t.Fatal("expected send error")
	}
}

type fakeCharts map[string]*domain.ChartImage

func (f fakeCharts) GetChart(_ context.Context, ref string) (*domain.ChartImage, error) {
	return f[ref], nil
}

type fakeSender struct {
	messages map[int64][]string
	photos   int
	err      error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.messages == nil {
		f.messages = make(map[int64][]string)
	}

	chat, ok := to.(*tele.Chat)
	if !ok {
		return nil, fmt.Errorf("unexpected recipient type %T", to)
	}
	if photo, ok := what.(*tele.Photo); ok {
		f.photos++
		f.messages[chat.ID] = append(f.messages[chat.ID], photo.Caption)
		return &tele.Message{}, nil
	}
	f.messages[chat.ID] = append(f.messages[chat.ID], fmt.Sprint(what))
	return &tele.Message{}, nil
}
