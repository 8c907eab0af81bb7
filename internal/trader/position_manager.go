package trader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"signal-kitchen/internal/domain"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
)

// RebalanceRequest is what the actor asks the position manager to act on.
type RebalanceRequest struct {
	Asset         string           `json:"asset"`
	Timeframe     domain.Timeframe `json:"timeframe"`
	Bucket        int64            `json:"bucket"`
	SignalKey     string           `json:"signal_key"`
	Close         float64          `json:"close"`
	MACDHistogram float64          `json:"macd_histogram"`
	Score         float64          `json:"score"`
	Summary       string           `json:"summary,omitempty"`
}

type rebalanceResponse struct {
	ActionTaken       string `json:"action_taken" validate:"required"`
	ResultingPosition struct {
		Side       string  `json:"side" validate:"required,oneof=long short flat"`
		Size       float64 `json:"size" validate:"gte=0"`
		EntryPrice float64 `json:"entry_price" validate:"gte=0"`
	} `json:"resulting_position"`
}

// PositionManager executes rebalances. One call, no retries.
type PositionManager interface {
	Rebalance(ctx context.Context, req RebalanceRequest) (domain.RebalanceResult, error)
}

// HTTPPositionManager posts to {base}/rebalance.
type HTTPPositionManager struct {
	baseURL    string
	httpClient *http.Client
	validate   *validator.Validate
}

func NewHTTPPositionManager(baseURL string) *HTTPPositionManager {
	return &HTTPPositionManager{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		validate:   validator.New(),
	}
}

func (m *HTTPPositionManager) Rebalance(ctx context.Context, req RebalanceRequest) (domain.RebalanceResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.RebalanceResult{}, backoff.Permanent(fmt.Errorf("encode rebalance request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/rebalance", bytes.NewReader(body))
	if err != nil {
		return domain.RebalanceResult{}, backoff.Permanent(fmt.Errorf("build rebalance request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return domain.RebalanceResult{}, fmt.Errorf("rebalance request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return domain.RebalanceResult{}, fmt.Errorf("read rebalance response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.RebalanceResult{}, fmt.Errorf("position manager returned status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return domain.RebalanceResult{}, backoff.Permanent(fmt.Errorf("position manager returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var out rebalanceResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.RebalanceResult{}, backoff.Permanent(fmt.Errorf("decode rebalance response: %w", err))
	}
	if err := m.validate.Struct(out); err != nil {
		return domain.RebalanceResult{}, backoff.Permanent(fmt.Errorf("invalid rebalance response: %w", err))
	}
	return domain.RebalanceResult{
		Bucket:      req.Bucket,
		Asset:       req.Asset,
		ActionTaken: out.ActionTaken,
		ResultingPosition: domain.Position{
			Side:       out.ResultingPosition.Side,
			Size:       out.ResultingPosition.Size,
			EntryPrice: out.ResultingPosition.EntryPrice,
		},
	}, nil
}
