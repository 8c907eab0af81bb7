package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"signal-kitchen/internal/domain"
	"signal-kitchen/internal/entitlement"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"
)

// ChatConsumers maps a chat to the consumer whose entitlements apply.
type ChatConsumers interface {
	ResolveChat(ctx context.Context, chatID int64) (domain.Consumer, error)
	ChatIDs() []int64
}

type VisibleRecords interface {
	VisibleRecords(ctx context.Context, c domain.Consumer, rt domain.RecordType, tf domain.Timeframe, now time.Time, limit int) ([]domain.SignalRecord, error)
	Table() entitlement.Table
}

const commandTimeout = 10 * time.Second

// StartTelegramBot registers the bot commands and starts long polling. It
// returns nil when token is empty. Directory chats start with alerts on.
func StartTelegramBot(token string, consumers ChatConsumers, gate VisibleRecords, charts ChartSource, logger *zap.Logger) *AlertDispatcher {
	log := logger.With(zap.String("component", "telegram-bot"))
	if token == "" {
		log.Info("TELEGRAM_BOT_TOKEN not set, skipping Telegram bot startup")
		return nil
	}
	pref := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}
	b, err := tele.NewBot(pref)
	if err != nil {
		log.Error("failed to create Telegram bot", zap.Error(err))
		return nil
	}
	alerts := NewAlertDispatcher(b, charts)
	if consumers != nil {
		for _, chatID := range consumers.ChatIDs() {
			alerts.Subscribe(chatID)
		}
	}
	h := &commands{consumers: consumers, gate: gate, alerts: alerts, logger: log}

	b.Handle("/ping", func(c tele.Context) error {
		return c.Send("pong")
	})
	b.Handle("/signals", func(c tele.Context) error {
		return c.Send(h.signals(chatID(c), c.Args()))
	})
	b.Handle("/tier", func(c tele.Context) error {
		return c.Send(h.tier(chatID(c)))
	})
	b.Handle("/alerts", func(c tele.Context) error {
		if c.Chat() == nil {
			return c.Send("Unable to detect chat")
		}
		return c.Send(h.alertsCommand(c.Chat().ID, c.Args()))
	})

	log.Info("Telegram bot started")
	go b.Start()
	return alerts
}

func chatID(c tele.Context) int64 {
	if c.Chat() == nil {
		return 0
	}
	return c.Chat().ID
}

// commands holds the command logic apart from telebot so it can be tested
// without a bot.
type commands struct {
	consumers ChatConsumers
	gate      VisibleRecords
	alerts    *AlertDispatcher
	logger    *zap.Logger
	now       func() time.Time
}

func (h *commands) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now().UTC()
}

func (h *commands) signals(chat int64, args []string) string {
	if h.consumers == nil || h.gate == nil {
		return "Signal service unavailable"
	}
	asset, tf, err := parseSignalArgs(args)
	if err != nil {
		return fmt.Sprintf("Usage: /signals SOL 1h\nAssets: %s\nTimeframes: %s",
			strings.Join(domain.SupportedAssets, ", "), joinTimeframes(domain.SupportedTimeframes))
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	consumer, err := h.consumers.ResolveChat(ctx, chat)
	if err != nil {
		return "Unable to resolve your tier right now."
	}
	records, err := h.gate.VisibleRecords(ctx, consumer, domain.SignalRecordType(asset), tf, h.clock(), 1)
	if err != nil {
		h.logger.Warn("signals command failed", zap.Int64("chat", chat), zap.Error(err))
		return "Error fetching signals, try again later."
	}
	if len(records) == 0 {
		return fmt.Sprintf("No %s %s signal is visible for the %s tier right now.", asset, tf, consumer.Tier)
	}
	return formatRecord(records[0])
}

func (h *commands) tier(chat int64) string {
	if h.consumers == nil || h.gate == nil {
		return "Tier lookup unavailable"
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	consumer, err := h.consumers.ResolveChat(ctx, chat)
	if err != nil {
		return "Unable to resolve your tier right now."
	}
	policy, ok := h.gate.Table().PolicyFor(consumer)
	if !ok {
		return "Unknown tier."
	}
	return fmt.Sprintf("Tier: %s\nAssets: %s\nFinest timeframe: %s\nDelay: %s\nRealtime: %t\nCircuit-breaker alerts: %t",
		consumer.Tier,
		strings.Join(entitlement.AllowedAssets(consumer), ", "),
		policy.MinResolution,
		policy.MaxAge,
		policy.RealtimeAllowed,
		policy.AlertsAllowed,
	)
}

func (h *commands) alertsCommand(chat int64, args []string) string {
	mode, err := parseAlertMode(args)
	if err != nil {
		return "Usage: /alerts on | /alerts off | /alerts status"
	}
	switch mode {
	case "on":
		if h.alerts.Subscribe(chat) {
			return "Signal alerts enabled for this chat."
		}
		return "Signal alerts are already enabled for this chat."
	case "off":
		if h.alerts.Unsubscribe(chat) {
			return "Signal alerts disabled for this chat."
		}
		return "Signal alerts are already disabled for this chat."
	default:
		if h.alerts.IsSubscribed(chat) {
			return "Alerts status: ON"
		}
		return "Alerts status: OFF"
	}
}

func parseSignalArgs(args []string) (string, domain.Timeframe, error) {
	asset := domain.DefaultAsset
	tf := domain.Timeframe4h
	seenAsset, seenTF := false, false

	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		if parsed, err := domain.ParseTimeframe(arg); err == nil {
			if seenTF {
				return "", "", errors.New("multiple timeframes provided")
			}
			tf, seenTF = parsed, true
			continue
		}
		if seenAsset {
			return "", "", errors.New("multiple assets provided")
		}
		upper := strings.ToUpper(arg)
		if !domain.IsSupportedAsset(upper) {
			return "", "", errors.New("unsupported asset")
		}
		asset, seenAsset = upper, true
	}
	return asset, tf, nil
}

func joinTimeframes(tfs []domain.Timeframe) string {
	parts := make([]string, len(tfs))
	for i, tf := range tfs {
		parts[i] = string(tf)
	}
	return strings.Join(parts, ", ")
}
