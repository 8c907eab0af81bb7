package summarizer

import (
	"context"

	"signal-kitchen/internal/domain"
)

// Request is everything a reasoning model sees for one record.
type Request struct {
	Key        string                   `json:"key"`
	Asset      string                   `json:"asset"`
	Timeframe  domain.Timeframe         `json:"timeframe"`
	Bucket     int64                    `json:"bucket"`
	Indicators domain.IndicatorSet      `json:"indicators"`
	Chart      *domain.ChartImage       `json:"-"`
	History    []domain.RebalanceResult `json:"history"`
	Depth      *domain.OrderBookDepth   `json:"depth,omitempty"`
}

// Response is the model answer after parsing, before validation.
type Response struct {
	SummaryText     string `json:"summary_text" validate:"required,max=8000"`
	SummaryImageRef string `json:"summary_image_ref" validate:"max=512"`
}

// Model is a single synchronous call to an external reasoning service.
// Implementations wrap non-retryable failures with backoff.Permanent.
type Model interface {
	Name() string
	Summarize(ctx context.Context, req Request) (Response, error)
}
