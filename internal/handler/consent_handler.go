package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/melsheikh92/crm-governance/internal/models"
	"github.com/melsheikh92/crm-governance/internal/service"
	appErrors "github.com/melsheikh92/crm-governance/pkg/errors"
	"github.com/melsheikh92/crm-governance/pkg/response"
)

type consentService interface {
	Record(ctx context.Context, req service.GrantConsentRequest) (*models.ConsentRecord, error)
	RecordMultiple(ctx context.Context, subjectID string, consentTypes []string, metadata map[string]interface{}) ([]*models.ConsentRecord, error)
	Withdraw(ctx context.Context, req service.WithdrawConsentRequest) (bool, error)
	Check(ctx context.Context, subjectID, consentType string) (bool, error)
	History(ctx context.Context, filter models.ConsentFilter) ([]models.ConsentRecord, error)
	MissingRequired(ctx context.Context, subjectID string) ([]string, error)
	WithdrawAll(ctx context.Context, subjectID, reason string) (int, error)
}

// ConsentHandler exposes consent ledger endpoints.
type ConsentHandler struct {
	service consentService
	metrics *service.MetricsService
}

// NewConsentHandler builds a new handler.
func NewConsentHandler(svc consentService, metrics *service.MetricsService) *ConsentHandler {
	return &ConsentHandler{service: svc, metrics: metrics}
}

type bulkGrantRequest struct {
	SubjectID    string                 `json:"subject_id" binding:"required"`
	ConsentTypes []string               `json:"consent_types" binding:"required,min=1"`
	Metadata     map[string]interface{} `json:"metadata"`
}

type withdrawAllRequest struct {
	Reason string `json:"reason"`
}

// Grant records one consent.
func (h *ConsentHandler) Grant(c *gin.Context) {
	var req service.GrantConsentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid consent payload"))
		return
	}
	record, err := h.service.Record(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.RecordConsentChange(true)
	response.Created(c, record)
}

// GrantBulk records several consents at once, typically during signup.
func (h *ConsentHandler) GrantBulk(c *gin.Context) {
	var req bulkGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid bulk consent payload"))
		return
	}
	records, err := h.service.RecordMultiple(c.Request.Context(), req.SubjectID, req.ConsentTypes, req.Metadata)
	if err != nil {
		response.Error(c, err)
		return
	}
	for range records {
		h.metrics.RecordConsentChange(true)
	}
	response.Created(c, records)
}

// Withdraw marks one consent withdrawn.
func (h *ConsentHandler) Withdraw(c *gin.Context) {
	var req service.WithdrawConsentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid withdrawal payload"))
		return
	}
	withdrawn, err := h.service.Withdraw(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	if withdrawn {
		h.metrics.RecordConsentChange(false)
	}
	response.JSON(c, http.StatusOK, gin.H{"withdrawn": withdrawn}, nil)
}

// History returns a subject's ledger entries.
func (h *ConsentHandler) History(c *gin.Context) {
	filter := models.ConsentFilter{
		SubjectID:   c.Param("id"),
		ConsentType: c.Query("consent_type"),
		ActiveOnly:  queryBool(c, "active_only"),
	}
	records, err := h.service.History(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, nil)
}

// Check reports whether the subject holds an active consent of one type.
func (h *ConsentHandler) Check(c *gin.Context) {
	consentType := c.Query("consent_type")
	if consentType == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "consent_type is required"))
		return
	}
	granted, err := h.service.Check(c.Request.Context(), c.Param("id"), consentType)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"consent_type": consentType, "granted": granted}, nil)
}

// Missing returns required consents the subject has not granted.
func (h *ConsentHandler) Missing(c *gin.Context) {
	missing, err := h.service.MissingRequired(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"missing": missing, "complete": len(missing) == 0}, nil)
}

// WithdrawAll withdraws every active consent of a subject.
func (h *ConsentHandler) WithdrawAll(c *gin.Context) {
	var req withdrawAllRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	affected, err := h.service.WithdrawAll(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	for i := 0; i < affected; i++ {
		h.metrics.RecordConsentChange(false)
	}
	response.JSON(c, http.StatusOK, gin.H{"withdrawn": affected}, nil)
}
