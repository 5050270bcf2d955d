package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orrn/labelpress/internal/core"
	"github.com/orrn/labelpress/internal/rules"
	"github.com/orrn/labelpress/internal/template"
)

type CreateJobRequest struct {
	PrinterID           string             `json:"printer_id"`
	BatchID             string             `json:"batch_id"`
	LabelProfileID      string             `json:"label_profile_id"`
	PinPrinter          bool               `json:"pin_printer"`
	Priority            string             `json:"priority"`
	Template            *template.Template `json:"template"`
	LabelItems          []core.LabelData   `json:"label_items" binding:"required"`
	RequiredFormat      core.Format        `json:"required_format"`
	EstimatedDurationMS int64              `json:"estimated_duration_ms"`
	MaxRetries          *int               `json:"max_retries"`
	Dependencies        []string           `json:"dependencies"`
	ScheduledAt         *time.Time         `json:"scheduled_at"`
	Metadata            map[string]string  `json:"metadata"`
	// Context, when present, runs the active rules over Template before
	// the job is queued.
	Context *rules.Context `json:"context"`
}

type CreateJobResponse struct {
	ID      string         `json:"id"`
	BatchID string         `json:"batch_id,omitempty"`
	Rules   []rules.Result `json:"rules,omitempty"`
	Message string         `json:"message"`
}

type ListJobsQuery struct {
	Status    string `form:"status"`
	PrinterID string `form:"printer_id"`
	BatchID   string `form:"batch_id"`
}

type CancelJobRequest struct {
	Reason string `json:"reason"`
}

type JobHandler struct {
	queue     *core.Queue
	rules     rules.Store
	evaluator *rules.Evaluator
	opts      rules.Options
	log       zerolog.Logger
}

func NewJobHandler(queue *core.Queue, store rules.Store, evaluator *rules.Evaluator, opts rules.Options, log zerolog.Logger) *JobHandler {
	return &JobHandler{
		queue:     queue,
		rules:     store,
		evaluator: evaluator,
		opts:      opts,
		log:       log,
	}
}

func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if req.BatchID == "" && len(req.LabelItems) > 1 {
		req.BatchID = uuid.NewString()
	}

	spec := core.JobSpec{
		PrinterID:         req.PrinterID,
		BatchID:           req.BatchID,
		LabelProfileID:    req.LabelProfileID,
		PinPrinter:        req.PinPrinter,
		Priority:          core.Priority(req.Priority),
		Template:          req.Template,
		LabelItems:        req.LabelItems,
		RequiredFormat:    req.RequiredFormat,
		EstimatedDuration: time.Duration(req.EstimatedDurationMS) * time.Millisecond,
		MaxRetries:        req.MaxRetries,
		Dependencies:      req.Dependencies,
		ScheduledAt:       req.ScheduledAt,
		Metadata:          req.Metadata,
	}

	var results []rules.Result
	if req.Context != nil && req.Template != nil {
		active, err := h.rules.ListActive()
		if err != nil {
			respondError(c, err)
			return
		}
		ctx := *req.Context
		if ctx.Timestamp.IsZero() {
			ctx.Timestamp = time.Now()
		}
		out := h.evaluator.Evaluate(active, ctx, req.Template, h.opts)
		spec.Template = out.Template
		results = out.Results
	}

	id, err := h.queue.Submit(spec)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateJobResponse{
		ID:      id,
		BatchID: req.BatchID,
		Rules:   results,
		Message: "job submitted successfully",
	})
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, err.Error())
		return
	}

	jobs, err := h.queue.ListJobs(core.JobFilter{
		Status:    core.JobStatus(strings.ToUpper(query.Status)),
		PrinterID: query.PrinterID,
		BatchID:   query.BatchID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": len(jobs)})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.queue.GetJob(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) CancelJob(c *gin.Context) {
	var req CancelJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	ok, err := h.queue.Cancel(c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "not_cancellable", Message: "job has already finished"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job cancelled"})
}

func (h *JobHandler) RetryJob(c *gin.Context) {
	ok, err := h.queue.Retry(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "not_retryable", Message: "job is not failed or has no retries left"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job requeued"})
}

func (h *JobHandler) DeleteJob(c *gin.Context) {
	if err := h.queue.DeleteJob(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *JobHandler) GetStats(c *gin.Context) {
	stats, err := h.queue.GetStatistics()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *JobHandler) GetQueueStatus(c *gin.Context) {
	status, err := h.queue.Status()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func RegisterJobRoutes(r *gin.RouterGroup, h *JobHandler) {
	r.POST("/jobs", h.CreateJob)
	r.GET("/jobs", h.ListJobs)
	r.GET("/jobs/stats", h.GetStats)
	r.GET("/jobs/queue", h.GetQueueStatus)
	r.GET("/jobs/:id", h.GetJob)
	r.DELETE("/jobs/:id", h.DeleteJob)
	r.POST("/jobs/:id/cancel", h.CancelJob)
	r.POST("/jobs/:id/retry", h.RetryJob)
}
