package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/melsheikh92/crm-governance/internal/models"
	"github.com/melsheikh92/crm-governance/internal/service"
	appErrors "github.com/melsheikh92/crm-governance/pkg/errors"
	"github.com/melsheikh92/crm-governance/pkg/response"
)

const (
	retentionStatsCacheKey = "governance:retention:stats"
	retentionStatsCacheTTL = 5 * time.Minute
)

type retentionService interface {
	CreatePolicy(ctx context.Context, req service.CreateRetentionPolicyRequest) (*models.RetentionPolicy, error)
	UpdatePolicy(ctx context.Context, id string, req service.UpdateRetentionPolicyRequest) (*models.RetentionPolicy, error)
	DeletePolicy(ctx context.Context, id string) error
	Policies(ctx context.Context) ([]models.RetentionPolicy, error)
	ApplyPolicies(ctx context.Context, dryRun bool, entityType string) (*models.RetentionSummary, error)
	DeleteExpiredData(ctx context.Context, entityType string, force bool) (*models.RetentionPolicyResult, error)
	ExpiredRecords(ctx context.Context, entityType string) ([]string, error)
	Statistics(ctx context.Context) ([]models.RetentionStat, error)
}

// RetentionHandler exposes retention policy management and runs.
type RetentionHandler struct {
	service retentionService
	cache   *service.CacheService
	metrics *service.MetricsService
}

// NewRetentionHandler builds a new handler.
func NewRetentionHandler(svc retentionService, cache *service.CacheService, metrics *service.MetricsService) *RetentionHandler {
	return &RetentionHandler{service: svc, cache: cache, metrics: metrics}
}

type runRetentionRequest struct {
	DryRun     bool   `json:"dry_run"`
	EntityType string `json:"entity_type"`
}

type purgeRetentionRequest struct {
	EntityType string `json:"entity_type" binding:"required"`
	Force      bool   `json:"force"`
}

// CreatePolicy registers a retention policy.
func (h *RetentionHandler) CreatePolicy(c *gin.Context) {
	var req service.CreateRetentionPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid policy payload"))
		return
	}
	policy, err := h.service.CreatePolicy(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.invalidateStats(c)
	response.Created(c, policy)
}

// UpdatePolicy replaces a policy's settings.
func (h *RetentionHandler) UpdatePolicy(c *gin.Context) {
	var req service.UpdateRetentionPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid policy payload"))
		return
	}
	policy, err := h.service.UpdatePolicy(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.invalidateStats(c)
	response.JSON(c, http.StatusOK, policy, nil)
}

// DeletePolicy removes a policy.
func (h *RetentionHandler) DeletePolicy(c *gin.Context) {
	if err := h.service.DeletePolicy(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	h.invalidateStats(c)
	response.NoContent(c)
}

// ListPolicies returns every policy.
func (h *RetentionHandler) ListPolicies(c *gin.Context) {
	policies, err := h.service.Policies(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, policies, nil)
}

// Run evaluates active policies, optionally as a dry run.
func (h *RetentionHandler) Run(c *gin.Context) {
	var req runRetentionRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid run payload"))
		return
	}
	summary, err := h.service.ApplyPolicies(c.Request.Context(), req.DryRun, req.EntityType)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.recordSummary(summary)
	if !req.DryRun {
		h.invalidateStats(c)
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// Purge force-deletes one entity type's deletable records.
func (h *RetentionHandler) Purge(c *gin.Context) {
	var req purgeRetentionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid purge payload"))
		return
	}
	result, err := h.service.DeleteExpiredData(c.Request.Context(), req.EntityType, req.Force)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.RecordPurge(result.EntityType, result.DeletedCount, result.AnonymizedCount)
	h.invalidateStats(c)
	response.JSON(c, http.StatusOK, result, nil)
}

// Expired lists identifiers of expired records for one entity type.
func (h *RetentionHandler) Expired(c *gin.Context) {
	entityType := c.Query("entity_type")
	if entityType == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "entity_type is required"))
		return
	}
	ids, err := h.service.ExpiredRecords(c.Request.Context(), entityType)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"entity_type": entityType, "expired": ids, "count": len(ids)}, nil)
}

// Statistics reports retention posture per policy, served from cache when
// fresh.
func (h *RetentionHandler) Statistics(c *gin.Context) {
	var stats []models.RetentionStat
	hit, _ := h.cache.Get(c.Request.Context(), retentionStatsCacheKey, &stats)
	if hit {
		response.JSON(c, http.StatusOK, stats, nil, map[string]interface{}{"cached": true})
		return
	}

	stats, err := h.service.Statistics(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	_ = h.cache.Set(c.Request.Context(), retentionStatsCacheKey, stats, retentionStatsCacheTTL)
	response.JSON(c, http.StatusOK, stats, nil)
}

func (h *RetentionHandler) recordSummary(summary *models.RetentionSummary) {
	if summary.DryRun {
		return
	}
	for _, result := range summary.Policies {
		h.metrics.RecordPurge(result.EntityType, result.DeletedCount, result.AnonymizedCount)
	}
}

func (h *RetentionHandler) invalidateStats(c *gin.Context) {
	_ = h.cache.Invalidate(c.Request.Context(), retentionStatsCacheKey)
}
