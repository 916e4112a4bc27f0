package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vatwatch/vatwatch-api/internal/models"
	"github.com/vatwatch/vatwatch-api/pkg/response"
)

type summaryService interface {
	Summary(ctx context.Context) (*models.Summary, error)
}

// SummaryHandler serves the dashboard-wide status bucket counts.
type SummaryHandler struct {
	service summaryService
}

// NewSummaryHandler constructs the handler.
func NewSummaryHandler(service summaryService) *SummaryHandler {
	return &SummaryHandler{service: service}
}

// Summary returns entry counts per status bucket.
func (h *SummaryHandler) Summary(c *gin.Context) {
	summary, err := h.service.Summary(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}
