package summarizer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PredictionModel posts the request to an HTTP prediction service.
type PredictionModel struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

func NewPredictionModel(url, apiKey string) *PredictionModel {
	return &PredictionModel{
		url:        strings.TrimRight(url, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (m *PredictionModel) Name() string { return "prediction-api" }

type predictionRequest struct {
	Request
	ChartImage string `json:"chart_image,omitempty"`
}

func (m *PredictionModel) Summarize(ctx context.Context, req Request) (Response, error) {
	payload := predictionRequest{Request: req}
	if req.Chart != nil && len(req.Chart.Bytes) > 0 {
		payload.ChartImage = base64.StdEncoding.EncodeToString(req.Chart.Bytes)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, backoff.Permanent(fmt.Errorf("encode prediction request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, backoff.Permanent(fmt.Errorf("build prediction request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("prediction request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read prediction response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Response{}, fmt.Errorf("prediction api returned status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return Response{}, backoff.Permanent(fmt.Errorf("prediction api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("decode prediction response: %w", err)
	}
	return out, nil
}
