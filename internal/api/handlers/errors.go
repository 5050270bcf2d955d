package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labelpress/internal/archive"
	"github.com/orrn/labelpress/internal/core"
	"github.com/orrn/labelpress/internal/rules"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: message})
}

// respondError maps domain errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	var (
		cve *core.ValidationError
		rve *rules.ValidationError
	)
	switch {
	case errors.As(err, &cve), errors.As(err, &rve), errors.Is(err, archive.ErrInvalidName):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Message: err.Error()})
	case errors.Is(err, core.ErrJobNotFound), errors.Is(err, core.ErrPrinterNotFound), errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, archive.ErrArchiveNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, core.ErrPrinterBusy), errors.Is(err, core.ErrJobActive), errors.Is(err, core.ErrJobInUse), errors.Is(err, rules.ErrRuleExists):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "conflict", Message: err.Error()})
	case errors.Is(err, core.ErrQueueStopped):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "unavailable", Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()})
	}
}
