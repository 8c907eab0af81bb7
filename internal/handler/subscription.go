package handler

import (
	"net/http"
	"strings"

	"signal-kitchen/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PostSubscription godoc
// @Summary      Register a webhook
// @Description  Stores the webhook the calling consumer wants records pushed to. Requires X-API-Key; the body consumer_id must match the key's consumer.
// @Tags         subscriptions
// @Accept       json
// @Produce      json
// @Param        X-API-Key  header  string               true  "Consumer API key"
// @Param        body       body    domain.Subscription  true  "Webhook registration"
// @Success      201  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/subscriptions [post]
func (h *Handler) PostSubscription(c *gin.Context) {
	if h.subs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "subscription store unavailable"})
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.post-subscription")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var sub domain.Subscription
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription: " + err.Error()})
		return
	}
	sub.ConsumerID = strings.TrimSpace(sub.ConsumerID)
	if !strings.HasPrefix(sub.WebhookURL, "https://") && !strings.HasPrefix(sub.WebhookURL, "http://") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "webhook_url must be an http(s) URL"})
		return
	}

	consumer, ok := h.consumer(c, true)
	if !ok {
		return
	}
	if consumer.ID != sub.ConsumerID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "consumer_id does not match the caller"})
		return
	}
	span.SetAttributes(attribute.String("consumer.id", consumer.ID))

	if err := h.subs.Save(ctx, sub); err != nil {
		h.logger.Error("subscription save failed", zap.String("consumer", consumer.ID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "subscription store unavailable"})
		return
	}
	h.logger.Info("webhook registered", zap.String("consumer", consumer.ID))
	c.JSON(http.StatusCreated, gin.H{"consumer_id": consumer.ID, "webhook_url": sub.WebhookURL})
}
