package bot

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"signal-kitchen/internal/domain"

	tele "gopkg.in/telebot.v3"
)

const ChannelName = "telegram"

type messageSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// ChartSource loads a stored chart by image ref.
type ChartSource interface {
	GetChart(ctx context.Context, ref string) (*domain.ChartImage, error)
}

// AlertDispatcher is the Telegram delivery channel. Only chats that have
// alerts switched on receive records.
type AlertDispatcher struct {
	sender messageSender
	charts ChartSource

	mu          sync.RWMutex
	subscribers map[int64]struct{}
}

// NewAlertDispatcher accepts a nil charts source; records are then sent as
// text only.
func NewAlertDispatcher(sender messageSender, charts ChartSource) *AlertDispatcher {
	return &AlertDispatcher{
		sender:      sender,
		charts:      charts,
		subscribers: make(map[int64]struct{}),
	}
}

func (d *AlertDispatcher) Subscribe(chatID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.subscribers[chatID]; exists {
		return false
	}
	d.subscribers[chatID] = struct{}{}
	return true
}

func (d *AlertDispatcher) Unsubscribe(chatID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.subscribers[chatID]; !exists {
		return false
	}
	delete(d.subscribers, chatID)
	return true
}

func (d *AlertDispatcher) IsSubscribed(chatID int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, exists := d.subscribers[chatID]
	return exists
}

func (d *AlertDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *AlertDispatcher) Name() string { return ChannelName }

func (d *AlertDispatcher) Enabled(_ context.Context, c domain.Consumer) bool {
	return d != nil && d.sender != nil && c.TelegramChatID != 0 && d.IsSubscribed(c.TelegramChatID)
}

// Send pushes one record to the consumer's chat, as a photo with caption
// when its chart can be loaded.
func (d *AlertDispatcher) Send(ctx context.Context, c domain.Consumer, rec domain.SignalRecord) error {
	chat := &tele.Chat{ID: c.TelegramChatID}
	caption := formatRecord(rec)

	if img := d.loadChart(ctx, rec); img != nil {
		photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(img.Bytes)), Caption: truncate(caption, 1000)}
		if _, err := d.sender.Send(chat, photo); err == nil {
			return nil
		}
	}
	if _, err := d.sender.Send(chat, truncate(caption, 4000)); err != nil {
		return fmt.Errorf("telegram send to chat %d: %w", c.TelegramChatID, err)
	}
	return nil
}

func (d *AlertDispatcher) loadChart(ctx context.Context, rec domain.SignalRecord) *domain.ChartImage {
	if d.charts == nil || rec.SummaryImageRef == nil || *rec.SummaryImageRef == "" {
		return nil
	}
	img, err := d.charts.GetChart(ctx, *rec.SummaryImageRef)
	if err != nil || img == nil || len(img.Bytes) == 0 {
		return nil
	}
	return img
}

// Subscribed returns the chats with alerts on, in ascending order.
func (d *AlertDispatcher) Subscribed() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	chatIDs := make([]int64, 0, len(d.subscribers))
	for chatID := range d.subscribers {
		chatIDs = append(chatIDs, chatID)
	}
	sort.Slice(chatIDs, func(i, j int) bool { return chatIDs[i] < chatIDs[j] })
	return chatIDs
}

func parseAlertMode(args []string) (string, error) {
	if len(args) == 0 {
		return "status", nil
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "on":
		return "on", nil
	case "off":
		return "off", nil
	case "status":
		return "status", nil
	default:
		return "", fmt.Errorf("invalid mode")
	}
}

func formatRecord(rec domain.SignalRecord) string {
	lines := []string{fmt.Sprintf("%s %s @ %s", rec.Asset, rec.Timeframe, time.Unix(rec.Bucket, 0).UTC().Format(time.RFC822))}
	if set := rec.Indicators; set != nil {
		if set.Close != nil {
			lines = append(lines, fmt.Sprintf("Close: %.4f", *set.Close))
		}
		if v12, v26 := set.EMA[12], set.EMA[26]; v12 != nil && v26 != nil {
			lines = append(lines, fmt.Sprintf("EMA12/26: %.4f / %.4f", *v12, *v26))
		}
		if set.BB != nil {
			lines = append(lines, fmt.Sprintf("BB: %.4f | %.4f | %.4f", set.BB.Lower, set.BB.Mid, set.BB.Upper))
		}
		if set.MACD != nil {
			lines = append(lines, fmt.Sprintf("MACD: %.4f signal %.4f hist %.4f", set.MACD.MACDLine, set.MACD.SignalLine, set.MACD.Histogram))
		}
		if set.StochRSI != nil {
			lines = append(lines, fmt.Sprintf("StochRSI K/D: %.2f / %.2f", set.StochRSI.K, set.StochRSI.D))
		}
		for _, a := range set.Alerts {
			lines = append(lines, fmt.Sprintf("ALERT %s %s: %s", a.Kind, strings.ToUpper(string(a.Direction)), a.Details))
		}
	}
	if rec.Rebalance != nil {
		lines = append(lines, fmt.Sprintf("Rebalance: %s, position %s %.4f @ %.4f",
			rec.Rebalance.ActionTaken, rec.Rebalance.ResultingPosition.Side,
			rec.Rebalance.ResultingPosition.Size, rec.Rebalance.ResultingPosition.EntryPrice))
	}
	if rec.SummaryText != nil && *rec.SummaryText != "" {
		lines = append(lines, "", *rec.SummaryText)
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n\n[truncated]"
}
