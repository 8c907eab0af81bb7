package summarizer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

const systemPrompt = `You are a crypto market analyst. You receive technical indicators for one asset and timeframe, ` +
	`optionally a chart image and the most recent rebalance actions taken on that asset. ` +
	`Answer with a single JSON object matching the market_analysis schema. ` +
	`Bounds are the expected price range for the next bucket.`

const analysisSchemaName = "market_analysis"

// Analysis is the structured answer requested from the chat model.
type Analysis struct {
	Vibe       string  `json:"vibe" jsonschema:"overall market mood" validate:"required,oneof=bullish bearish neutral"`
	Detail     string  `json:"detail" jsonschema:"reasoning behind the mood, citing indicators" validate:"required"`
	Suggestion string  `json:"suggestion" jsonschema:"short trading suggestion" validate:"required"`
	UpperBound float64 `json:"upper_bound" jsonschema:"highest expected price in the next bucket" validate:"gte=0,gtefield=LowerBound"`
	LowerBound float64 `json:"lower_bound" jsonschema:"lowest expected price in the next bucket" validate:"gte=0"`
}

// analysisSchema is sent as a strict response format. Struct inference makes
// every field required and closes the object to extra properties.
var analysisSchema = func() *jsonschema.Schema {
	schema, err := jsonschema.For[Analysis](nil)
	if err != nil {
		panic(fmt.Sprintf("analysis schema: %v", err))
	}
	schema.Properties["vibe"].Enum = []any{"bullish", "bearish", "neutral"}
	return schema
}()

func (a Analysis) Text() string {
	return fmt.Sprintf("%s. %s Suggestion: %s. Expected range %.4f to %.4f.",
		strings.ToUpper(a.Vibe[:1])+a.Vibe[1:], strings.TrimSpace(a.Detail), strings.TrimSpace(a.Suggestion), a.LowerBound, a.UpperBound)
}

type OpenAIModel struct {
	client   openai.Client
	model    string
	validate *validator.Validate
	logger   *zap.Logger
}

// NewOpenAIModel builds a chat-completions model. baseURL may be empty for
// the public API. Retries are owned by the Summarizer, so the SDK's own
// retry loop is disabled.
func NewOpenAIModel(apiKey, baseURL, model string, logger *zap.Logger) *OpenAIModel {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}
	return &OpenAIModel{
		client:   openai.NewClient(opts...),
		model:    model,
		validate: validator.New(),
		logger:   logger.With(zap.String("component", "openai-model")),
	}
}

func (m *OpenAIModel) Name() string { return "openai:" + m.model }

func (m *OpenAIModel) Summarize(ctx context.Context, req Request) (Response, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return Response{}, backoff.Permanent(err)
	}
	sum := sha256.Sum256([]byte(prompt))

	parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(prompt)}
	if req.Chart != nil && len(req.Chart.Bytes) > 0 {
		dataURL := "data:" + req.Chart.MimeType + ";base64," + base64.StdEncoding.EncodeToString(req.Chart.Bytes)
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}))
	}

	completion, err := m.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(m.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(parts),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        analysisSchemaName,
					Description: openai.String("Market analysis for one asset and timeframe"),
					Strict:      openai.Bool(true),
					Schema:      analysisSchema,
				},
			},
		},
	})
	if err != nil {
		return Response{}, classifyOpenAIError(err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, errors.New("openai returned no choices")
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(extractJSON(completion.Choices[0].Message.Content)), &analysis); err != nil {
		return Response{}, fmt.Errorf("decode model answer: %w", err)
	}
	if err := m.validate.Struct(analysis); err != nil {
		return Response{}, fmt.Errorf("invalid model answer: %w", err)
	}

	m.logger.Debug("model answered",
		zap.String("key", req.Key),
		zap.String("model", m.model),
		zap.String("prompt_sha256", hex.EncodeToString(sum[:])),
		zap.String("vibe", analysis.Vibe))
	return Response{SummaryText: analysis.Text()}, nil
}

func buildPrompt(req Request) (string, error) {
	indicators, err := json.Marshal(req.Indicators)
	if err != nil {
		return "", fmt.Errorf("encode indicators: %w", err)
	}
	history, err := json.Marshal(req.History)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Asset: %s\nTimeframe: %s\nBucket start (epoch seconds): %d\n", req.Asset, req.Timeframe, req.Bucket)
	fmt.Fprintf(&sb, "Indicators (null means not enough history):\n%s\n", indicators)
	if st := req.Indicators.StochRSI; st != nil {
		fmt.Fprintf(&sb, "Stochastic RSI (14,14,3,3): K %.2f, D %.2f\n", st.K, st.D)
	}
	if d := req.Depth; d != nil {
		fmt.Fprintf(&sb, "Order book (top %d levels): bids %.4f, asks %.4f, imbalance %+.3f, best bid %.4f, best ask %.4f\n",
			d.Levels, d.BidTotal, d.AskTotal, d.Imbalance(), d.BestBid, d.BestAsk)
	}
	fmt.Fprintf(&sb, "Recent rebalance actions, newest first:\n%s\n", history)
	return sb.String(), nil
}

// extractJSON strips markdown fences some models wrap around JSON answers.
func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			return s[start : end+1]
		}
	}
	return s
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
			return backoff.Permanent(fmt.Errorf("openai rejected request: %w", err))
		}
	}
	return fmt.Errorf("openai request failed: %w", err)
}
