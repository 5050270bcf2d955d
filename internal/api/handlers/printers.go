package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labelpress/internal/core"
)

// Prober checks that a printer answers on its transport.
type Prober interface {
	TestConnection(ctx context.Context, printerID string) bool
}

type RegisterPrinterRequest struct {
	ID           string            `json:"id" binding:"required"`
	Name         string            `json:"name"`
	Address      string            `json:"address"`
	Port         int               `json:"port"`
	Status       core.PrinterState `json:"status"`
	Capabilities core.Capabilities `json:"capabilities"`
	Supplies     core.Supplies     `json:"supplies"`
}

type TestPrinterResponse struct {
	PrinterID string        `json:"printer_id"`
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency_ns"`
}

type PrinterHandler struct {
	queue   *core.Queue
	prober  Prober
	timeout time.Duration
}

func NewPrinterHandler(queue *core.Queue, prober Prober, timeout time.Duration) *PrinterHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PrinterHandler{queue: queue, prober: prober, timeout: timeout}
}

func (h *PrinterHandler) RegisterPrinter(c *gin.Context) {
	var req RegisterPrinterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	p, err := h.queue.RegisterPrinter(core.Printer{
		ID:           req.ID,
		Name:         req.Name,
		Address:      req.Address,
		Port:         req.Port,
		Status:       req.Status,
		Capabilities: req.Capabilities,
		Supplies:     req.Supplies,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	list, err := h.queue.ListPrinters()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"printers": list, "total": len(list)})
}

func (h *PrinterHandler) GetPrinter(c *gin.Context) {
	p, err := h.queue.GetPrinter(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *PrinterHandler) UpdatePrinter(c *gin.Context) {
	var upd core.PrinterUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		badRequest(c, err.Error())
		return
	}

	p, err := h.queue.UpdatePrinterStatus(c.Param("id"), upd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *PrinterHandler) DeletePrinter(c *gin.Context) {
	if err := h.queue.RemovePrinter(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *PrinterHandler) Heartbeat(c *gin.Context) {
	if err := h.queue.Heartbeat(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "heartbeat recorded"})
}

func (h *PrinterHandler) TestPrinter(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.queue.GetPrinter(id); err != nil {
		respondError(c, err)
		return
	}
	if h.prober == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "unavailable", Message: "no printer transport configured"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	start := time.Now()
	ok := h.prober.TestConnection(ctx, id)
	if ok {
		// a reachable printer counts as alive
		h.queue.Heartbeat(id)
	}
	c.JSON(http.StatusOK, TestPrinterResponse{PrinterID: id, Reachable: ok, Latency: time.Since(start)})
}

func RegisterPrinterRoutes(r *gin.RouterGroup, h *PrinterHandler) {
	r.POST("/printers", h.RegisterPrinter)
	r.GET("/printers", h.ListPrinters)
	r.GET("/printers/:id", h.GetPrinter)
	r.PATCH("/printers/:id", h.UpdatePrinter)
	r.DELETE("/printers/:id", h.DeletePrinter)
	r.POST("/printers/:id/heartbeat", h.Heartbeat)
	r.POST("/printers/:id/test", h.TestPrinter)
}
