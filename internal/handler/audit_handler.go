package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/melsheikh92/crm-governance/internal/models"
	appErrors "github.com/melsheikh92/crm-governance/pkg/errors"
	"github.com/melsheikh92/crm-governance/pkg/response"
)

type auditService interface {
	Events(ctx context.Context, filter models.AuditEventFilter) ([]models.AuditEvent, *models.Pagination, error)
	EntityTrail(ctx context.Context, entityType, entityID string) ([]models.AuditEvent, error)
}

// AuditHandler exposes read access to the audit trail.
type AuditHandler struct {
	service auditService
}

// NewAuditHandler builds a new handler.
func NewAuditHandler(service auditService) *AuditHandler {
	return &AuditHandler{service: service}
}

// List returns audit events matching the query filters.
func (h *AuditHandler) List(c *gin.Context) {
	filter := models.AuditEventFilter{
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		EventKind:  c.Query("event_kind"),
		ActorID:    c.Query("actor_id"),
		Page:       queryInt(c, "page", 1),
		PageSize:   queryInt(c, "page_size", 20),
	}
	if raw := c.Query("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid from timestamp"))
			return
		}
		filter.From = &from
	}
	if raw := c.Query("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid to timestamp"))
			return
		}
		filter.To = &to
	}

	events, pagination, err := h.service.Events(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, pagination)
}

// EntityTrail returns the full trail for one entity.
func (h *AuditHandler) EntityTrail(c *gin.Context) {
	events, err := h.service.EntityTrail(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, nil)
}
