// Package notify holds the outbound delivery channels other than Telegram.
// Each channel implements the distributor's Channel contract: Enabled
// decides from the consumer record alone, Send makes one attempt and wraps
// non-retryable failures with backoff.Permanent.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"signal-kitchen/internal/domain"

	"github.com/cenkalti/backoff/v4"
)

const defaultHTTPTimeout = 10 * time.Second

func postJSON(ctx context.Context, client *http.Client, channel, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("%s: create request: %w", channel, err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("%s: unexpected status %d: %s", channel, resp.StatusCode, strings.TrimSpace(string(respBody)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return err
	}
	return backoff.Permanent(err)
}

// headline is the one-line description used by text channels.
func headline(rec domain.SignalRecord) string {
	return fmt.Sprintf("%s %s signal @ %s", rec.Asset, rec.Timeframe, time.Unix(rec.Bucket, 0).UTC().Format(time.RFC3339))
}

func describe(rec domain.SignalRecord) string {
	var lines []string
	if set := rec.Indicators; set != nil {
		if set.Close != nil {
			lines = append(lines, fmt.Sprintf("close %.4f", *set.Close))
		}
		if set.MACD != nil {
			lines = append(lines, fmt.Sprintf("macd hist %.4f", set.MACD.Histogram))
		}
		for _, a := range set.Alerts {
			lines = append(lines, fmt.Sprintf("alert %s %s", a.Kind, a.Direction))
		}
	}
	if rec.SummaryText != nil {
		lines = append(lines, *rec.SummaryText)
	}
	return strings.Join(lines, "\n")
}
