package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labelpress/internal/websocket"
)

type EventHandler struct {
	hub *websocket.Hub
}

func NewEventHandler(hub *websocket.Hub) *EventHandler {
	return &EventHandler{hub: hub}
}

// Stream upgrades to a websocket that receives queue and printer events.
func (h *EventHandler) Stream(c *gin.Context) {
	websocket.ServeWs(h.hub, c.Writer, c.Request)
}

func RegisterEventRoutes(r *gin.RouterGroup, h *EventHandler) {
	r.GET("/events", h.Stream)
}

// Pinger is anything with a context-aware liveness check.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

type HealthHandler struct {
	db      Pinger
	started time.Time
}

// NewHealthHandler accepts a nil db when jobs are kept in memory.
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db, started: time.Now()}
}

func (h *HealthHandler) Health(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.HealthCheck(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp["database"] = "ok"
	}
	c.JSON(http.StatusOK, resp)
}
