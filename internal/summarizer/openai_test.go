package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"signal-kitchen/internal/domain"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func completionBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1746363600,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
	return string(body)
}

func TestOpenAIModelParsesFencedAnalysis(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionBody("```json\n{\"vibe\":\"bullish\",\"detail\":\"EMA12 above EMA26.\",\"suggestion\":\"hold long\",\"upper_bound\":150,\"lower_bound\":140}\n```"))
	}))
	defer srv.Close()

	model := NewOpenAIModel("sk-test", srv.URL+"/", "", zap.NewNop())
	resp, err := model.Summarize(context.Background(), Request{
		Key:       "txt.SOL::1h::1746363600",
		Asset:     "SOL",
		Timeframe: domain.Timeframe1h,
		Bucket:    1746363600,
		Chart:     &domain.ChartImage{MimeType: "image/png", Bytes: []byte{0x89, 'P', 'N', 'G'}},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.SummaryText, "Bullish."))
	assert.Contains(t, resp.SummaryText, "hold long")
	assert.Contains(t, resp.SummaryText, "140.0000 to 150.0000")
	assert.Contains(t, gotBody, "data:image/png;base64,")
	assert.Contains(t, gotBody, "gpt-4o-mini")
}

func TestOpenAIModelRequestsStrictSchema(t *testing.T) {
	var body struct {
		ResponseFormat struct {
			Type       string `json:"type"`
			JSONSchema struct {
				Name   string `json:"name"`
				Strict bool   `json:"strict"`
				Schema struct {
					Type                 string   `json:"type"`
					Required             []string `json:"required"`
					AdditionalProperties *bool    `json:"additionalProperties"`
					Properties           map[string]struct {
						Type string `json:"type"`
						Enum []any  `json:"enum"`
					} `json:"properties"`
				} `json:"schema"`
			} `json:"json_schema"`
		} `json:"response_format"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionBody(`{"vibe":"neutral","detail":"flat","suggestion":"wait","upper_bound":2,"lower_bound":1}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIModel("sk-test", srv.URL+"/", "", zap.NewNop()).Summarize(context.Background(), Request{Asset: "SOL"})
	require.NoError(t, err)

	rf := body.ResponseFormat
	assert.Equal(t, "json_schema", rf.Type)
	assert.Equal(t, "market_analysis", rf.JSONSchema.Name)
	assert.True(t, rf.JSONSchema.Strict)
	schema := rf.JSONSchema.Schema
	assert.Equal(t, "object", schema.Type)
	require.NotNil(t, schema.AdditionalProperties)
	assert.False(t, *schema.AdditionalProperties)
	assert.ElementsMatch(t, []string{"vibe", "detail", "suggestion", "upper_bound", "lower_bound"}, schema.Required)
	assert.Equal(t, []any{"bullish", "bearish", "neutral"}, schema.Properties["vibe"].Enum)
	assert.Equal(t, "number", schema.Properties["upper_bound"].Type)
}

func TestBuildPromptIncludesStochRSIAndDepth(t *testing.T) {
	prompt, err := buildPrompt(Request{
		Asset:      "SOL",
		Timeframe:  domain.Timeframe1h,
		Indicators: domain.IndicatorSet{StochRSI: &domain.StochRSI{K: 81.234, D: 75.5}},
		Depth:      &domain.OrderBookDepth{Levels: 1000, BidTotal: 300, AskTotal: 100, BestBid: 150.1, BestAsk: 150.2},
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, "Stochastic RSI (14,14,3,3): K 81.23, D 75.50")
	assert.Contains(t, prompt, "Order book (top 1000 levels): bids 300.0000, asks 100.0000, imbalance +0.500")

	prompt, err = buildPrompt(Request{Asset: "SOL"})
	require.NoError(t, err)
	assert.NotContains(t, prompt, "Stochastic RSI")
	assert.NotContains(t, prompt, "Order book")
}

func TestOpenAIModelRejectsInvalidAnalysis(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionBody(`{"vibe":"euphoric","detail":"x","suggestion":"y","upper_bound":1,"lower_bound":2}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIModel("sk-test", srv.URL+"/", "gpt-4o", zap.NewNop()).Summarize(context.Background(), Request{Asset: "SOL"})
	require.Error(t, err)
}

func TestOpenAIModelClassifiesClientErrorsAsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	_, err := NewOpenAIModel("sk-test", srv.URL+"/", "", zap.NewNop()).Summarize(context.Background(), Request{Asset: "SOL"})
	require.Error(t, err)
	var perm *backoff.PermanentError
	assert.True(t, errors.As(err, &perm))
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, "plain", extractJSON(" plain "))
}
