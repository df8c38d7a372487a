package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/melsheikh92/crm-governance/internal/models"
	"github.com/melsheikh92/crm-governance/internal/service"
	appErrors "github.com/melsheikh92/crm-governance/pkg/errors"
	"github.com/melsheikh92/crm-governance/pkg/response"
)

type privacyService interface {
	RequestDeletion(ctx context.Context, req service.RequestDeletionRequest) (*models.DeletionRequest, error)
	ProcessRequest(ctx context.Context, id string, force bool) (*models.DeletionRequest, error)
	Request(ctx context.Context, id string) (*models.DeletionRequest, error)
	Requests(ctx context.Context, status, subjectID string, page, pageSize int) ([]models.DeletionRequest, *models.Pagination, error)
	ExportSubjectData(ctx context.Context, subjectID, format string, includeAuditLogs bool) ([]byte, string, error)
}

// PrivacyHandler exposes the erasure workflow and data portability.
type PrivacyHandler struct {
	service privacyService
	metrics *service.MetricsService
}

// NewPrivacyHandler builds a new handler.
func NewPrivacyHandler(svc privacyService, metrics *service.MetricsService) *PrivacyHandler {
	return &PrivacyHandler{service: svc, metrics: metrics}
}

// RequestDeletion opens a pending erasure request. A subject omitting
// subject_id files the request for themselves.
func (h *PrivacyHandler) RequestDeletion(c *gin.Context) {
	var req service.RequestDeletionRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid deletion request payload"))
		return
	}
	if req.SubjectID == "" {
		if claims := claimsFromContext(c); claims != nil {
			req.SubjectID = claims.UserID
		}
	}
	request, err := h.service.RequestDeletion(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.RecordDeletionRequest(models.DeletionStatusPending)
	response.Created(c, request)
}

type processRequestBody struct {
	Force bool `json:"force"`
}

// Process claims and executes one pending request.
func (h *PrivacyHandler) Process(c *gin.Context) {
	var body processRequestBody
	if err := c.ShouldBindJSON(&body); err != nil && err.Error() != "EOF" {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid process payload"))
		return
	}
	request, err := h.service.ProcessRequest(c.Request.Context(), c.Param("id"), body.Force)
	if err != nil {
		h.metrics.RecordDeletionRequest(models.DeletionStatusFailed)
		response.Error(c, err)
		return
	}
	h.metrics.RecordDeletionRequest(request.Status)

	var summary models.ErasureSummary
	if len(request.Summary) > 0 {
		_ = json.Unmarshal(request.Summary, &summary)
		for entityType, outcome := range summary.Entities {
			h.metrics.RecordPurge(entityType, outcome.Deleted, outcome.Anonymized)
		}
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// Get returns one deletion request.
func (h *PrivacyHandler) Get(c *gin.Context) {
	request, err := h.service.Request(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// List returns deletion requests.
func (h *PrivacyHandler) List(c *gin.Context) {
	requests, pagination, err := h.service.Requests(c.Request.Context(),
		c.Query("status"), c.Query("subject_id"),
		queryInt(c, "page", 1), queryInt(c, "page_size", 20))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, pagination)
}

// Export streams a subject's portability snapshot.
func (h *PrivacyHandler) Export(c *gin.Context) {
	subjectID := c.Param("id")
	format := c.Query("format")
	payload, contentType, err := h.service.ExportSubjectData(c.Request.Context(), subjectID, format, queryBool(c, "include_audit_logs"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if format == "" {
		format = "json"
	}
	h.metrics.RecordExport(format)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=subject-%s-export.%s", subjectID, format))
	c.Data(http.StatusOK, contentType, payload)
}
