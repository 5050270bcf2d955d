package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labelpress/internal/rules"
	"github.com/orrn/labelpress/internal/template"
)

type EvaluateRequest struct {
	Context  rules.Context      `json:"context"`
	Template *template.Template `json:"template" binding:"required"`
	// RuleIDs restricts the pass to stored rules; Rules evaluates ad-hoc
	// rules instead. With neither, every active stored rule runs.
	RuleIDs []string      `json:"rule_ids"`
	Rules   []*rules.Rule `json:"rules"`
	DryRun  bool          `json:"dry_run"`
}

type RuleHandler struct {
	store     rules.Store
	evaluator *rules.Evaluator
	opts      rules.Options
}

func NewRuleHandler(store rules.Store, evaluator *rules.Evaluator, opts rules.Options) *RuleHandler {
	return &RuleHandler{store: store, evaluator: evaluator, opts: opts}
}

func (h *RuleHandler) ListRules(c *gin.Context) {
	list, err := h.store.List()
	if c.Query("active") == "true" {
		list, err = h.store.ListActive()
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": list, "total": len(list)})
}

func (h *RuleHandler) CreateRule(c *gin.Context) {
	var r rules.Rule
	if err := c.ShouldBindJSON(&r); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.store.Add(&r); err != nil {
		respondError(c, err)
		return
	}
	stored, err := h.store.Get(r.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (h *RuleHandler) GetRule(c *gin.Context) {
	r, err := h.store.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *RuleHandler) UpdateRule(c *gin.Context) {
	var r rules.Rule
	if err := c.ShouldBindJSON(&r); err != nil {
		badRequest(c, err.Error())
		return
	}
	r.ID = c.Param("id")

	next, err := h.store.Update(&r)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, next)
}

func (h *RuleHandler) DeleteRule(c *gin.Context) {
	if err := h.store.Delete(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RuleHandler) GetHistory(c *gin.Context) {
	versions, err := h.store.History(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

func (h *RuleHandler) Evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	set, err := h.ruleSet(req)
	if err != nil {
		respondError(c, err)
		return
	}

	opts := h.opts
	opts.DryRun = req.DryRun
	if req.Context.Timestamp.IsZero() {
		req.Context.Timestamp = time.Now()
	}
	c.JSON(http.StatusOK, h.evaluator.Evaluate(set, req.Context, req.Template, opts))
}

func (h *RuleHandler) ruleSet(req EvaluateRequest) ([]*rules.Rule, error) {
	switch {
	case len(req.Rules) > 0:
		for _, r := range req.Rules {
			if err := r.Validate(); err != nil {
				return nil, err
			}
		}
		return req.Rules, nil
	case len(req.RuleIDs) > 0:
		set := make([]*rules.Rule, 0, len(req.RuleIDs))
		for _, id := range req.RuleIDs {
			r, err := h.store.Get(id)
			if err != nil {
				return nil, err
			}
			set = append(set, r)
		}
		return set, nil
	}
	return h.store.ListActive()
}

func RegisterRuleRoutes(r *gin.RouterGroup, h *RuleHandler) {
	r.GET("/rules", h.ListRules)
	r.POST("/rules", h.CreateRule)
	r.POST("/rules/evaluate", h.Evaluate)
	r.GET("/rules/:id", h.GetRule)
	r.PUT("/rules/:id", h.UpdateRule)
	r.DELETE("/rules/:id", h.DeleteRule)
	r.GET("/rules/:id/history", h.GetHistory)
}
