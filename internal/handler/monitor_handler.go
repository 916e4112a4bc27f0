package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vatwatch/vatwatch-api/internal/models"
	"github.com/vatwatch/vatwatch-api/internal/service"
	appErrors "github.com/vatwatch/vatwatch-api/pkg/errors"
	"github.com/vatwatch/vatwatch-api/pkg/response"
)

type monitorService interface {
	OpenView(state models.QueryState) *service.MonitorView
	CloseView(id string)
	ApplyQuery(id string, state models.QueryState) (*service.MonitorView, error)
	LoadPage(ctx context.Context, id string, page int) (*service.PageResult, error)
	GetEntry(ctx context.Context, id, entryUUID string) (*models.EntryDetail, error)
	UpdatePeriodicity(ctx context.Context, id, entryUUID string, p models.Periodicity) (models.Periodicity, error)
	SoftDelete(ctx context.Context, id, entryUUID string) error
	Recheck(ctx context.Context, id, entryUUID string) (*models.EntryDetail, error)
	Certificate(ctx context.Context, id, entryUUID string) ([]byte, string, error)
	ExportCSV(ctx context.Context, id string) ([]byte, string, error)
}

// MonitorHandler wires the monitoring-room views to HTTP endpoints.
type MonitorHandler struct {
	service monitorService
}

// NewMonitorHandler constructs the handler.
func NewMonitorHandler(service monitorService) *MonitorHandler {
	return &MonitorHandler{service: service}
}

type queryStateRequest struct {
	Search    string            `json:"search"`
	Filters   map[string]string `json:"filters"`
	Requester string            `json:"requester"`
	Status    string            `json:"status" binding:"omitempty,oneof=all pending inactive active deleted"`
	Page      int               `json:"page" binding:"omitempty,min=1"`
	PageSize  int               `json:"page_size" binding:"omitempty,min=1,max=100"`
}

func (r queryStateRequest) toState() models.QueryState {
	return models.QueryState{
		Search:    r.Search,
		Filters:   r.Filters,
		Requester: r.Requester,
		Status:    models.StatusFilter(r.Status),
		Page:      r.Page,
		PageSize:  r.PageSize,
	}
}

type sessionResponse struct {
	SessionID string            `json:"session_id"`
	State     models.QueryState `json:"state"`
}

// OpenSession starts a new monitoring session. The body is an optional
// initial filter state.
func (h *MonitorHandler) OpenSession(c *gin.Context) {
	var req queryStateRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
			return
		}
	}

	view := h.service.OpenView(req.toState())
	response.Created(c, sessionResponse{SessionID: view.ID, State: view.State()})
}

// CloseSession terminates a monitoring session.
func (h *MonitorHandler) CloseSession(c *gin.Context) {
	h.service.CloseView(c.Param("id"))
	response.NoContent(c)
}

// ApplyQuery replaces the session's filter state.
func (h *MonitorHandler) ApplyQuery(c *gin.Context) {
	var req queryStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
		return
	}

	view, err := h.service.ApplyQuery(c.Param("id"), req.toState())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sessionResponse{SessionID: view.ID, State: view.State()}, nil)
}

// ListEntries returns one page of the session's result set.
func (h *MonitorHandler) ListEntries(c *gin.Context) {
	page := 1
	if raw := strings.TrimSpace(c.Query("page")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "page must be a positive integer"))
			return
		}
		page = parsed
	}

	result, err := h.service.LoadPage(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result.Entries, &result.Pagination)
}

// GetEntry opens one entry in the session's detail pane.
func (h *MonitorHandler) GetEntry(c *gin.Context) {
	detail, err := h.service.GetEntry(c.Request.Context(), c.Param("id"), c.Param("uuid"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

type periodicityRequest struct {
	Periodicity string `json:"periodicity" binding:"required,oneof=daily weekly monthly inactive"`
}

// UpdatePeriodicity changes an entry's recheck cadence.
func (h *MonitorHandler) UpdatePeriodicity(c *gin.Context) {
	var req periodicityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
		return
	}

	confirmed, err := h.service.UpdatePeriodicity(c.Request.Context(), c.Param("id"), c.Param("uuid"), models.Periodicity(req.Periodicity))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"periodicity": confirmed}, nil)
}

// DeleteEntry soft-deletes an entry from monitoring.
func (h *MonitorHandler) DeleteEntry(c *gin.Context) {
	if err := h.service.SoftDelete(c.Request.Context(), c.Param("id"), c.Param("uuid")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// RecheckEntry triggers an immediate re-verification of one entry.
func (h *MonitorHandler) RecheckEntry(c *gin.Context) {
	detail, err := h.service.Recheck(c.Request.Context(), c.Param("id"), c.Param("uuid"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Certificate downloads the entry's latest verification as a PDF.
func (h *MonitorHandler) Certificate(c *gin.Context) {
	payload, filename, err := h.service.Certificate(c.Request.Context(), c.Param("id"), c.Param("uuid"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, filename, "application/pdf", payload)
}

// Export downloads the session's full result set as CSV.
func (h *MonitorHandler) Export(c *gin.Context) {
	payload, filename, err := h.service.ExportCSV(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, filename, "text/csv", payload)
}
