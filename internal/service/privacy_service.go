package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/melsheikh92/crm-governance/internal/identity"
	"github.com/melsheikh92/crm-governance/internal/models"
	"github.com/melsheikh92/crm-governance/pkg/config"
	"github.com/melsheikh92/crm-governance/pkg/crypto"
	appErrors "github.com/melsheikh92/crm-governance/pkg/errors"
	"github.com/melsheikh92/crm-governance/pkg/export"
	"github.com/melsheikh92/crm-governance/pkg/notify"
)

type deletionRequestStore interface {
	Create(ctx context.Context, request *models.DeletionRequest) error
	GetByID(ctx context.Context, id string) (*models.DeletionRequest, error)
	HasInFlight(ctx context.Context, subjectID string) (bool, error)
	Claim(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id string, processedBy *string, processedAt time.Time, summary json.RawMessage) error
	MarkFailed(ctx context.Context, id, reason string, processedAt time.Time) error
	List(ctx context.Context, status, subjectID string, page, pageSize int) ([]models.DeletionRequest, int, error)
}

type subjectStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type ticketReader interface {
	ListBySubject(ctx context.Context, subjectID string) ([]models.Ticket, error)
}

type consentReader interface {
	History(ctx context.Context, filter models.ConsentFilter) ([]models.ConsentRecord, error)
}

// privacyAuditor extends the shared recorder with trail reads for exports.
type privacyAuditor interface {
	auditRecorder
	EntityTrail(ctx context.Context, entityType, entityID string) ([]models.AuditEvent, error)
}

// RequestDeletionRequest holds payload for opening an erasure request.
type RequestDeletionRequest struct {
	SubjectID string `json:"subject_id" validate:"required"`
	Notes     string `json:"notes"`
}

// PrivacyService runs the subject erasure workflow and data exports.
type PrivacyService struct {
	requests deletionRequestStore
	users    subjectStore
	tickets  ticketReader
	consents consentReader
	erasers  map[string]SubjectEraser
	tx       txRunner
	audit    privacyAuditor
	cipher   *crypto.FieldCipher
	notifier notify.Notifier

	jsonExporter *export.JSONExporter
	csvExporter  *export.CSVExporter
	pdfExporter  *export.PDFExporter

	cfg       *config.Config
	validator *validator.Validate
	logger    *zap.Logger
}

// NewPrivacyService constructs the privacy service with the erasers it walks
// during processing.
func NewPrivacyService(
	requests deletionRequestStore,
	users subjectStore,
	tickets ticketReader,
	consents consentReader,
	erasers []SubjectEraser,
	tx txRunner,
	audit privacyAuditor,
	cipher *crypto.FieldCipher,
	notifier notify.Notifier,
	cfg *config.Config,
	validate *validator.Validate,
	logger *zap.Logger,
) *PrivacyService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := make(map[string]SubjectEraser, len(erasers))
	for _, eraser := range erasers {
		registry[eraser.EntityType()] = eraser
	}
	return &PrivacyService{
		requests:     requests,
		users:        users,
		tickets:      tickets,
		consents:     consents,
		erasers:      registry,
		tx:           tx,
		audit:        audit,
		cipher:       cipher,
		notifier:     notifier,
		jsonExporter: export.NewJSONExporter(),
		csvExporter:  export.NewCSVExporter(),
		pdfExporter:  export.NewPDFExporter(),
		cfg:          cfg,
		validator:    validate,
		logger:       logger,
	}
}

// RequestDeletion opens a pending erasure request for a subject. A subject
// can have at most one request in flight.
func (s *PrivacyService) RequestDeletion(ctx context.Context, req RequestDeletionRequest) (*models.DeletionRequest, error) {
	if !s.cfg.Erasure.Enabled {
		return nil, appErrors.Clone(appErrors.ErrFeatureDisabled, "erasure workflow is disabled")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid deletion request payload")
	}

	user, err := s.users.FindByID(ctx, req.SubjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}

	inFlight, err := s.requests.HasInFlight(ctx, req.SubjectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check open deletion requests")
	}
	if inFlight {
		return nil, appErrors.ErrRequestInFlight
	}

	request := &models.DeletionRequest{
		ID:        uuid.NewString(),
		SubjectID: req.SubjectID,
		Email:     user.Email,
		Status:    models.DeletionStatusPending,
		Notes:     req.Notes,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.requests.Create(ctx, request); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create deletion request")
	}

	if _, err := s.audit.LogCustom(ctx, models.Ref(request), models.AuditKindDeletionRequested, nil,
		map[string]interface{}{"subject_id": request.SubjectID, "notes": request.Notes},
		WithTags("privacy")); err != nil {
		s.logger.Warn("audit write failed", zap.Error(err))
	}

	if len(s.cfg.Erasure.ReviewerEmails) > 0 {
		_ = s.notifier.Notify(ctx, notify.Message{
			Recipients: s.cfg.Erasure.ReviewerEmails,
			Subject:    "New data deletion request",
			Body:       fmt.Sprintf("Subject %s requested erasure (request %s).", request.SubjectID, request.ID),
		})
	}
	return request, nil
}

// ProcessRequest claims a pending request and erases the subject's data in
// one transaction. Exactly one processor can win the claim; the erasure
// either completes for every governed entity type or rolls back entirely.
// force demands hard deletion even when anonymization is preferred.
func (s *PrivacyService) ProcessRequest(ctx context.Context, id string, force bool) (*models.DeletionRequest, error) {
	if !s.cfg.Erasure.Enabled {
		return nil, appErrors.Clone(appErrors.ErrFeatureDisabled, "erasure workflow is disabled")
	}

	request, err := s.requests.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "deletion request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load deletion request")
	}

	claimed, err := s.requests.Claim(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to claim deletion request")
	}
	if !claimed {
		// A concurrent processor may have won the claim after our read;
		// report the status as it stands now, not the stale snapshot.
		status := request.Status
		if current, readErr := s.requests.GetByID(ctx, id); readErr == nil {
			status = current.Status
		}
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, fmt.Sprintf("deletion request is not pending (status %s)", status))
	}

	anonymize := s.cfg.Erasure.AnonymizationEnabled && !force
	summary := models.ErasureSummary{Anonymize: anonymize, Entities: make(map[string]models.ErasureOutcome)}

	err = s.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		for _, entityType := range s.cfg.Erasure.ErasableEntityTypes {
			eraser, ok := s.erasers[entityType]
			if !ok {
				return fmt.Errorf("no eraser registered for entity type %q", entityType)
			}
			outcome, err := eraser.EraseSubject(ctx, tx, request.SubjectID, anonymize)
			if err != nil {
				return fmt.Errorf("erase %s: %w", entityType, err)
			}
			summary.Entities[entityType] = outcome
		}
		_, err := s.audit.LogCustom(ctx, models.RefByID("User", request.SubjectID), models.AuditKindDeletionCompleted, nil,
			map[string]interface{}{
				"request_id": request.ID,
				"anonymized": summary.TotalAnonymized(),
				"deleted":    summary.TotalDeleted(),
			},
			WithExecutor(tx), WithTags("privacy"))
		return err
	})

	processedAt := time.Now().UTC()
	if err != nil {
		if failErr := s.requests.MarkFailed(ctx, id, err.Error(), processedAt); failErr != nil {
			s.logger.Error("failed to record deletion failure", zap.String("request_id", id), zap.Error(failErr))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to process deletion request")
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode erasure summary")
	}
	if err := s.requests.MarkCompleted(ctx, id, identity.ActorID(ctx), processedAt, summaryJSON); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to complete deletion request")
	}

	if request.Email != "" {
		_ = s.notifier.Notify(ctx, notify.Message{
			Recipients: []string{request.Email},
			Subject:    "Your data deletion request was processed",
			Body:       fmt.Sprintf("Request %s has been completed.", request.ID),
		})
	}

	s.logger.Info("deletion request processed",
		zap.String("request_id", request.ID),
		zap.String("subject_id", request.SubjectID),
		zap.Int("anonymized", summary.TotalAnonymized()),
		zap.Int("deleted", summary.TotalDeleted()))

	processed, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload deletion request")
	}
	return processed, nil
}

// Request returns one deletion request.
func (s *PrivacyService) Request(ctx context.Context, id string) (*models.DeletionRequest, error) {
	request, err := s.requests.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "deletion request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load deletion request")
	}
	return request, nil
}

// Requests returns deletion requests with pagination metadata.
func (s *PrivacyService) Requests(ctx context.Context, status, subjectID string, page, pageSize int) ([]models.DeletionRequest, *models.Pagination, error) {
	requests, total, err := s.requests.List(ctx, status, subjectID, page, pageSize)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list deletion requests")
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}
	return requests, pagination, nil
}

// ExportSubjectData assembles the portability snapshot for a subject and
// renders it in the requested format. It returns the payload and its MIME
// type.
func (s *PrivacyService) ExportSubjectData(ctx context.Context, subjectID, format string, includeAuditLogs bool) ([]byte, string, error) {
	if !s.cfg.Portability.Enabled {
		return nil, "", appErrors.Clone(appErrors.ErrFeatureDisabled, "data portability is disabled")
	}
	if format == "" {
		format = s.cfg.Portability.DefaultFormat
	}
	switch format {
	case export.FormatJSON, export.FormatCSV, export.FormatPDF:
	default:
		return nil, "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}

	user, err := s.users.FindByID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}

	snapshot, err := s.buildSnapshot(ctx, user, includeAuditLogs)
	if err != nil {
		return nil, "", err
	}

	payload, err := s.render(snapshot, format)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	if _, err := s.audit.LogExport(ctx, models.Ref(user), WithTags("privacy", format)); err != nil {
		s.logger.Warn("audit write failed", zap.Error(err))
	}
	return payload, export.ContentType(format), nil
}

func (s *PrivacyService) buildSnapshot(ctx context.Context, user *models.User, includeAuditLogs bool) (*models.SubjectExport, error) {
	profile := map[string]string{
		"id":         user.ID,
		"name":       user.Name,
		"email":      user.Email,
		"phone":      user.Phone,
		"created_at": user.CreatedAt.Format(time.RFC3339),
	}
	if user.LastLogin != nil {
		profile["last_login"] = user.LastLogin.Format(time.RFC3339)
	}
	// Stored ciphertext never leaves the system; exports carry plaintext.
	profile = s.cipher.DecryptFields(profile, s.cfg.Encryption.EncryptedFields["User"])

	consents, err := s.consents.History(ctx, models.ConsentFilter{SubjectID: user.ID})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load consent history")
	}
	entries := make([]models.ConsentExportEntry, 0, len(consents))
	for _, record := range consents {
		entries = append(entries, models.ConsentExportEntry{ConsentRecord: record, IsActive: record.Active()})
	}

	tickets, err := s.tickets.ListBySubject(ctx, user.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load tickets")
	}

	var events []models.AuditEvent
	if includeAuditLogs {
		events, err = s.audit.EntityTrail(ctx, "User", user.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load audit trail")
		}
	}

	return &models.SubjectExport{
		GeneratedAt: time.Now().UTC(),
		Profile:     profile,
		Consents:    entries,
		Tickets:     tickets,
		AuditEvents: events,
		RecordCount: 1 + len(entries) + len(tickets) + len(events),
	}, nil
}

func (s *PrivacyService) render(snapshot *models.SubjectExport, format string) ([]byte, error) {
	if format == export.FormatJSON {
		return s.jsonExporter.Render(snapshot)
	}
	sections := buildExportSections(snapshot)
	if format == export.FormatCSV {
		return s.csvExporter.Render(sections)
	}
	return s.pdfExporter.Render(sections, "Subject Data Export")
}

func buildExportSections(snapshot *models.SubjectExport) []export.Section {
	profileRows := make([]map[string]string, 0, len(snapshot.Profile))
	for _, field := range []string{"id", "name", "email", "phone", "created_at", "last_login"} {
		if value, ok := snapshot.Profile[field]; ok {
			profileRows = append(profileRows, map[string]string{"field": field, "value": value})
		}
	}

	consentRows := make([]map[string]string, 0, len(snapshot.Consents))
	for _, entry := range snapshot.Consents {
		row := map[string]string{
			"consent_type": entry.ConsentType,
			"purpose":      entry.Purpose,
			"granted_at":   entry.GrantedAt.Format(time.RFC3339),
			"active":       fmt.Sprintf("%t", entry.IsActive),
		}
		if entry.WithdrawnAt != nil {
			row["withdrawn_at"] = entry.WithdrawnAt.Format(time.RFC3339)
		}
		consentRows = append(consentRows, row)
	}

	ticketRows := make([]map[string]string, 0, len(snapshot.Tickets))
	for _, ticket := range snapshot.Tickets {
		ticketRows = append(ticketRows, map[string]string{
			"id":         ticket.ID,
			"title":      ticket.Title,
			"status":     ticket.Status,
			"created_at": ticket.CreatedAt.Format(time.RFC3339),
		})
	}

	eventRows := make([]map[string]string, 0, len(snapshot.AuditEvents))
	for _, event := range snapshot.AuditEvents {
		eventRows = append(eventRows, map[string]string{
			"occurred_at": event.OccurredAt.Format(time.RFC3339),
			"event_kind":  event.EventKind,
			"entity_type": event.EntityType,
			"entity_id":   event.EntityID,
		})
	}

	return []export.Section{
		{Title: "Profile", Data: export.Dataset{Headers: []string{"field", "value"}, Rows: profileRows}},
		{Title: "Consents", Data: export.Dataset{
			Headers: []string{"consent_type", "purpose", "granted_at", "withdrawn_at", "active"},
			Rows:    consentRows,
		}},
		{Title: "Tickets", Data: export.Dataset{
			Headers: []string{"id", "title", "status", "created_at"},
			Rows:    ticketRows,
		}},
		{Title: "Audit Events", Data: export.Dataset{
			Headers: []string{"occurred_at", "event_kind", "entity_type", "entity_id"},
			Rows:    eventRows,
		}},
	}
}
