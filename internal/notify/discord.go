package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"signal-kitchen/internal/domain"
)

// DiscordChannel posts records to each consumer's own Discord webhook.
type DiscordChannel struct {
	client *http.Client
}

func NewDiscordChannel() *DiscordChannel {
	return &DiscordChannel{client: &http.Client{Timeout: defaultHTTPTimeout}}
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) Enabled(_ context.Context, c domain.Consumer) bool {
	return c.DiscordWebhook != ""
}

// Send renders the title in bold using Discord markdown. Discord caps
// content at 2000 characters.
func (d *DiscordChannel) Send(ctx context.Context, c domain.Consumer, rec domain.SignalRecord) error {
	content := fmt.Sprintf("**%s**\n%s", headline(rec), describe(rec))
	if len(content) > 2000 {
		content = content[:1997] + "..."
	}
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}
	return postJSON(ctx, d.client, d.Name(), c.DiscordWebhook, body, nil)
}
