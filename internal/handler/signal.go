package handler

import (
	"net/http"
	"strconv"
	"strings"

	"signal-kitchen/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultLimit = 10
	maxLimit     = 100
)

// GetSignals godoc
// @Summary      Visible signal records
// @Description  Returns the newest signal records the calling consumer may see
// @Tags         signals
// @Produce      json
// @Param        asset      path    string  true   "Asset symbol (e.g., SOL, BTC)"
// @Param        timeframe  path    string  true   "Timeframe (5m, 15m, 1h, 4h, 1d)"
// @Param        limit      query   int     false  "Number of records (default 10, max 100)"  default(10)
// @Param        X-API-Key  header  string  false  "Consumer API key"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/signals/{asset}/{timeframe} [get]
func (h *Handler) GetSignals(c *gin.Context) {
	h.listRecords(c, "handler.get-signals", domain.SignalRecordType)
}

// GetRebalances godoc
// @Summary      Visible rebalance records
// @Description  Returns the newest position-manager results the calling consumer may see
// @Tags         rebalances
// @Produce      json
// @Param        asset      path    string  true   "Asset symbol"
// @Param        timeframe  path    string  true   "Timeframe"
// @Param        limit      query   int     false  "Number of records (default 10, max 100)"  default(10)
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/rebalances/{asset}/{timeframe} [get]
func (h *Handler) GetRebalances(c *gin.Context) {
	h.listRecords(c, "handler.get-rebalances", domain.RebalanceRecordType)
}

func (h *Handler) listRecords(c *gin.Context, spanName string, recordType func(string) domain.RecordType) {
	if h.gate == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "record store unavailable"})
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), spanName)
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	asset, tf, ok := parseAssetTimeframe(c)
	if !ok {
		return
	}
	limit := defaultLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}
		limit = n
	}

	consumer, ok := h.consumer(c, false)
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("consumer.id", consumer.ID),
		attribute.String("consumer.tier", string(consumer.Tier)),
		attribute.String("asset", asset),
		attribute.String("timeframe", string(tf)),
	)

	records, err := h.gate.VisibleRecords(ctx, consumer, recordType(asset), tf, h.now(), limit)
	if err != nil {
		h.logger.Error("visible records read failed", zap.String("consumer", consumer.ID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "record store unavailable"})
		return
	}
	if records == nil {
		records = []domain.SignalRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"consumer":  consumer.ID,
		"tier":      consumer.Tier,
		"asset":     asset,
		"timeframe": tf,
		"records":   records,
	})
}

// GetChart godoc
// @Summary      Chart image of a visible record
// @Description  Returns the rendered PNG chart for a bucket the calling consumer may see
// @Tags         signals
// @Produce      png
// @Param        asset      path  string  true  "Asset symbol"
// @Param        timeframe  path  string  true  "Timeframe"
// @Param        bucket     path  int     true  "Bucket start (unix seconds)"
// @Success      200  {file}  binary
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/charts/{asset}/{timeframe}/{bucket} [get]
func (h *Handler) GetChart(c *gin.Context) {
	if h.gate == nil || h.charts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chart store unavailable"})
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-chart")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	asset, tf, ok := parseAssetTimeframe(c)
	if !ok {
		return
	}
	bucket, err := strconv.ParseInt(strings.TrimSpace(c.Param("bucket")), 10, 64)
	if err != nil || bucket%tf.Seconds() != 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bucket must be a unix timestamp aligned to the timeframe"})
		return
	}
	consumer, ok := h.consumer(c, false)
	if !ok {
		return
	}

	now := h.now()
	// The gate adds the tier lag on top of this depth.
	depth := int((domain.BucketStart(now, tf)-bucket)/tf.Seconds()) + 1
	if depth < 1 || depth > 10*maxLimit {
		c.JSON(http.StatusNotFound, gin.H{"error": "chart not found"})
		return
	}
	records, err := h.gate.VisibleRecords(ctx, consumer, domain.SignalRecordType(asset), tf, now, depth)
	if err != nil {
		h.logger.Error("visible records read failed", zap.String("consumer", consumer.ID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "record store unavailable"})
		return
	}
	visible := false
	for _, rec := range records {
		if rec.Bucket == bucket {
			visible = true
			break
		}
	}
	if !visible {
		c.JSON(http.StatusNotFound, gin.H{"error": "chart not found"})
		return
	}

	img, err := h.charts.GetChart(ctx, domain.ImageRef(asset, tf, bucket))
	if err != nil {
		h.logger.Error("chart read failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chart store unavailable"})
		return
	}
	if img == nil || len(img.Bytes) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "chart not found"})
		return
	}
	mime := img.MimeType
	if mime == "" {
		mime = "image/png"
	}
	c.Data(http.StatusOK, mime, img.Bytes)
}
