package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"signal-kitchen/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ConsumerResolver interface {
	ResolveUnkeyed(ctx context.Context, consumerID string) (domain.Consumer, error)
	ResolveAPIKey(ctx context.Context, apiKey string) (domain.Consumer, error)
}

type VisibleRecordReader interface {
	VisibleRecords(ctx context.Context, c domain.Consumer, rt domain.RecordType, tf domain.Timeframe, now time.Time, limit int) ([]domain.SignalRecord, error)
}

type ChartSource interface {
	GetChart(ctx context.Context, ref string) (*domain.ChartImage, error)
}

type SubscriptionWriter interface {
	Save(ctx context.Context, sub domain.Subscription) error
}

// Handler serves the gated record API. charts, subs and metrics may be nil;
// the matching routes then answer 503.
type Handler struct {
	tracer    trace.Tracer
	logger    *zap.Logger
	consumers ConsumerResolver
	gate      VisibleRecordReader
	charts    ChartSource
	subs      SubscriptionWriter
	metrics   http.Handler
	now       func() time.Time
}

func New(
	tracer trace.Tracer,
	logger *zap.Logger,
	consumers ConsumerResolver,
	gate VisibleRecordReader,
	charts ChartSource,
	subs SubscriptionWriter,
	metrics http.Handler,
) *Handler {
	return &Handler{
		tracer:    tracer,
		logger:    logger.With(zap.String("component", "http")),
		consumers: consumers,
		gate:      gate,
		charts:    charts,
		subs:      subs,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	api := r.Group("/api")
	api.GET("/signals/:asset/:timeframe", h.GetSignals)
	api.GET("/rebalances/:asset/:timeframe", h.GetRebalances)
	api.GET("/charts/:asset/:timeframe/:bucket", h.GetChart)
	api.POST("/subscriptions", h.PostSubscription)
}

// Health godoc
// @Summary      Liveness check
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// consumer resolves the caller from X-API-Key. A bare X-Consumer-ID is only
// honoured when keyOnly is false, and only for directory entries without an
// API key. It writes the error response itself and reports false.
func (h *Handler) consumer(c *gin.Context, keyOnly bool) (domain.Consumer, bool) {
	if h.consumers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "consumer directory unavailable"})
		return domain.Consumer{}, false
	}
	ctx := c.Request.Context()
	apiKey := strings.TrimSpace(c.GetHeader("X-API-Key"))
	consumerID := strings.TrimSpace(c.GetHeader("X-Consumer-ID"))

	var (
		consumer domain.Consumer
		err      error
	)
	switch {
	case apiKey != "":
		consumer, err = h.consumers.ResolveAPIKey(ctx, apiKey)
	case consumerID != "" && !keyOnly:
		consumer, err = h.consumers.ResolveUnkeyed(ctx, consumerID)
	case keyOnly:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing X-API-Key header"})
		return domain.Consumer{}, false
	default:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing X-API-Key or X-Consumer-ID header"})
		return domain.Consumer{}, false
	}
	if err != nil {
		if errors.Is(err, domain.ErrUnknownConsumer) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown consumer or missing credentials"})
			return domain.Consumer{}, false
		}
		h.logger.Warn("consumer resolution failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "consumer resolution unavailable"})
		return domain.Consumer{}, false
	}
	if consumerID != "" && consumerID != consumer.ID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "X-Consumer-ID does not match the API key"})
		return domain.Consumer{}, false
	}
	return consumer, true
}

func parseAssetTimeframe(c *gin.Context) (string, domain.Timeframe, bool) {
	asset := strings.ToUpper(strings.TrimSpace(c.Param("asset")))
	if !domain.IsSupportedAsset(asset) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":            "unsupported asset: " + asset,
			"supported_assets": domain.SupportedAssets,
		})
		return "", "", false
	}
	tf, err := domain.ParseTimeframe(c.Param("timeframe"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":                "unsupported timeframe: " + c.Param("timeframe"),
			"supported_timeframes": domain.SupportedTimeframes,
		})
		return "", "", false
	}
	return asset, tf, true
}
