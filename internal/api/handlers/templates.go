package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labelpress/internal/compiler"
	"github.com/orrn/labelpress/internal/core"
	"github.com/orrn/labelpress/internal/template"
)

// Renderer compiles a template in an explicit output format.
type Renderer interface {
	Format() core.Format
	CompileFormat(ctx context.Context, format core.Format, tpl *template.Template, items []core.LabelData) (*core.CompiledOutput, error)
}

type ValidateRequest struct {
	Template *template.Template `json:"template" binding:"required"`
}

type ValidateResponse struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type PreviewRequest struct {
	Template   *template.Template `json:"template" binding:"required"`
	LabelItems []core.LabelData   `json:"label_items"`
	Format     core.Format        `json:"format"`
}

type PreviewResponse struct {
	Format   core.Format `json:"format"`
	Size     int         `json:"size"`
	Checksum string      `json:"checksum"`
	Content  string      `json:"content"`
	Warnings []string    `json:"warnings,omitempty"`
}

type TemplateHandler struct {
	renderer Renderer
	timeout  time.Duration
}

func NewTemplateHandler(renderer Renderer, timeout time.Duration) *TemplateHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TemplateHandler{renderer: renderer, timeout: timeout}
}

func (h *TemplateHandler) ValidateTemplate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	resp := ValidateResponse{Valid: true, Warnings: req.Template.Lint()}
	if err := req.Template.Validate(); err != nil {
		resp.Valid = false
		resp.Errors = []string{err.Error()}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *TemplateHandler) PreviewTemplate(c *gin.Context) {
	var req PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := req.Template.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_template", Message: err.Error()})
		return
	}

	items := req.LabelItems
	if len(items) == 0 {
		// preview the bare layout with defaults and literals
		items = []core.LabelData{{Fields: map[string]any{}}}
	}
	format := req.Format
	if format == "" {
		format = h.renderer.Format()
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	out, err := h.renderer.CompileFormat(ctx, format, req.Template, items)
	if err != nil {
		if errors.Is(err, compiler.ErrUnknownFormat) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unsupported_format", Message: err.Error()})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "compile_failed", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, PreviewResponse{
		Format:   out.Format,
		Size:     out.Size,
		Checksum: out.Checksum,
		Content:  string(out.Data),
		Warnings: req.Template.Lint(),
	})
}

func RegisterTemplateRoutes(r *gin.RouterGroup, h *TemplateHandler) {
	r.POST("/templates/validate", h.ValidateTemplate)
	r.POST("/templates/preview", h.PreviewTemplate)
}
