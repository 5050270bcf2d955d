package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DeliveryStats reports webhook delivery counters.
type DeliveryStats interface {
	Delivered() int64
	Failed() int64
	Dropped() int64
}

type WebhookStatsResponse struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

type WebhookHandler struct {
	sender DeliveryStats
}

func NewWebhookHandler(sender DeliveryStats) *WebhookHandler {
	return &WebhookHandler{sender: sender}
}

func (h *WebhookHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, WebhookStatsResponse{
		Delivered: h.sender.Delivered(),
		Failed:    h.sender.Failed(),
		Dropped:   h.sender.Dropped(),
	})
}

func RegisterWebhookRoutes(r *gin.RouterGroup, h *WebhookHandler) {
	r.GET("/webhooks/stats", h.GetStats)
}
