package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melsheikh92/crm-governance/internal/models"
	"github.com/melsheikh92/crm-governance/internal/service"
	appErrors "github.com/melsheikh92/crm-governance/pkg/errors"
)

type consentServiceMock struct {
	record      *models.ConsentRecord
	recordErr   error
	withdrawn   bool
	withdrawErr error
	granted     bool
	history     []models.ConsentRecord
	missing     []string
	affected    int
}

func (m *consentServiceMock) Record(ctx context.Context, req service.GrantConsentRequest) (*models.ConsentRecord, error) {
	if m.recordErr != nil {
		return nil, m.recordErr
	}
	return m.record, nil
}

func (m *consentServiceMock) RecordMultiple(ctx context.Context, subjectID string, consentTypes []string, metadata map[string]interface{}) ([]*models.ConsentRecord, error) {
	records := make([]*models.ConsentRecord, len(consentTypes))
	for i := range consentTypes {
		records[i] = m.record
	}
	return records, nil
}

func (m *consentServiceMock) Withdraw(ctx context.Context, req service.WithdrawConsentRequest) (bool, error) {
	if m.withdrawErr != nil {
		return false, m.withdrawErr
	}
	return m.withdrawn, nil
}

func (m *consentServiceMock) Check(ctx context.Context, subjectID, consentType string) (bool, error) {
	return m.granted, nil
}

func (m *consentServiceMock) History(ctx context.Context, filter models.ConsentFilter) ([]models.ConsentRecord, error) {
	return m.history, nil
}

func (m *consentServiceMock) MissingRequired(ctx context.Context, subjectID string) ([]string, error) {
	return m.missing, nil
}

func (m *consentServiceMock) WithdrawAll(ctx context.Context, subjectID, reason string) (int, error) {
	return m.affected, nil
}

func newConsentTestContext(t *testing.T, method, target string, body interface{}) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, target, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func TestConsentHandlerGrantReturnsCreated(t *testing.T) {
	mock := &consentServiceMock{record: &models.ConsentRecord{ID: "c-1", SubjectID: "u-1", ConsentType: "marketing"}}
	h := NewConsentHandler(mock, service.NewMetricsService())

	c, w := newConsentTestContext(t, http.MethodPost, "/consents", service.GrantConsentRequest{
		SubjectID:   "u-1",
		ConsentType: "marketing",
	})
	h.Grant(c)

	require.Equal(t, http.StatusCreated, w.Code)
	var envelope struct {
		Data models.ConsentRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "c-1", envelope.Data.ID)
	assert.Equal(t, "marketing", envelope.Data.ConsentType)
}

func TestConsentHandlerGrantPropagatesServiceError(t *testing.T) {
	mock := &consentServiceMock{recordErr: appErrors.Clone(appErrors.ErrFeatureDisabled, "consent ledger is disabled")}
	h := NewConsentHandler(mock, service.NewMetricsService())

	c, w := newConsentTestContext(t, http.MethodPost, "/consents", service.GrantConsentRequest{
		SubjectID:   "u-1",
		ConsentType: "marketing",
	})
	h.Grant(c)

	require.Equal(t, appErrors.ErrFeatureDisabled.Status, w.Code)
	assert.Contains(t, w.Body.String(), appErrors.ErrFeatureDisabled.Code)
}

func TestConsentHandlerCheckRequiresConsentType(t *testing.T) {
	h := NewConsentHandler(&consentServiceMock{granted: true}, service.NewMetricsService())

	c, w := newConsentTestContext(t, http.MethodGet, "/subjects/u-1/consents/check", nil)
	c.Params = gin.Params{{Key: "id", Value: "u-1"}}
	h.Check(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "consent_type is required")
}

func TestConsentHandlerCheckReportsGrant(t *testing.T) {
	h := NewConsentHandler(&consentServiceMock{granted: true}, service.NewMetricsService())

	c, w := newConsentTestContext(t, http.MethodGet, "/subjects/u-1/consents/check?consent_type=marketing", nil)
	c.Params = gin.Params{{Key: "id", Value: "u-1"}}
	h.Check(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"granted":true`)
}

func TestConsentHandlerWithdrawAllToleratesEmptyBody(t *testing.T) {
	h := NewConsentHandler(&consentServiceMock{affected: 2}, service.NewMetricsService())

	c, w := newConsentTestContext(t, http.MethodPost, "/subjects/u-1/consents/withdraw-all", nil)
	c.Params = gin.Params{{Key: "id", Value: "u-1"}}
	h.WithdrawAll(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"withdrawn":2`)
}

func TestConsentHandlerGrantBulkValidatesPayload(t *testing.T) {
	h := NewConsentHandler(&consentServiceMock{}, service.NewMetricsService())

	c, w := newConsentTestContext(t, http.MethodPost, "/consents/bulk", map[string]interface{}{
		"subject_id":    "u-1",
		"consent_types": []string{},
	})
	h.GrantBulk(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), appErrors.ErrValidation.Code)
}
