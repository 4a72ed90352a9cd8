package handler

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-lo-verification/internal/logger"
	"github.com/pesio-ai/be-lo-verification/internal/metrics"
	"github.com/pesio-ai/be-lo-verification/internal/repository"
	"github.com/pesio-ai/be-lo-verification/internal/repository/memory"
	"github.com/pesio-ai/be-lo-verification/internal/service"
	"github.com/pesio-ai/be-lo-verification/internal/workflow"
)

const tenantID = "tenant-1"

func newPipeline(t *testing.T) (*service.PipelineController, *memory.Store, *metrics.Metrics) {
	t.Helper()
	store := memory.New()
	store.PutApplication(&repository.Application{
		ID:                 "app-1",
		TenantID:           tenantID,
		BranchID:           "branch-1",
		CustomerName:       "Amina Njoroge",
		PrequalifiedAmount: decimal.NewFromInt(50000),
		Status:             workflow.StatusBMReview,
		FormStatus:         repository.FormStatusSubmitted,
		GuarantorCount:     1,
		BookedBy:           "u-officer",
		BookedByName:       "Peter Otieno",
		BookedAt:           time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	})

	log := logger.Nop()
	m := metrics.New("test")
	drafts := service.NewDraftManager(store, log, m, service.DraftOptions{MaxTries: 1})
	trail := service.NewAuditTrailBuilder(store, store)
	return service.NewPipelineController(store, store, drafts, trail, nil, log, m, service.PipelineOptions{}), store, m
}

func newTestServer(t *testing.T) (http.Handler, *memory.Store) {
	t.Helper()
	pipeline, store, m := newPipeline(t)
	h := NewHTTPHandler(pipeline, logger.Nop(), m, HTTPOptions{})
	return h.Routes(), store
}

func doRequest(t *testing.T, h http.Handler, method, path, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if role != "" {
		req.Header.Set(HeaderUserID, "u-"+role)
		req.Header.Set(HeaderUserRole, role)
		req.Header.Set(HeaderTenantID, tenantID)
		req.Header.Set(HeaderUserName, "Reviewer "+role)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func completeBody(decision string, amount string) map[string]any {
	return map[string]any{
		"step":                       8,
		"customer_comment":           "met at shop",
		"business_comment":           "stall verified",
		"guarantors":                 []map[string]any{{"id_verified": true, "phone_verified": true, "comment": "brother"}},
		"borrower_security_comment":  "logbook",
		"guarantor_security_comment": "household goods",
		"next_of_kin_comment":        "spouse",
		"document_comment":           "complete",
		"loan_scored_amount":         amount,
		"final_decision":             decision,
		"overall_comment":            "recommend",
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestHTTP_Health(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doRequest(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	pipeline, _, m := newPipeline(t)
	down := NewHTTPHandler(pipeline, logger.Nop(), m, HTTPOptions{
		Health: func(context.Context) error { return stderrors.New("db down") },
	}).Routes()
	rec = doRequest(t, down, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTP_RequiresSession(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doRequest(t, h, http.MethodGet, "/api/v1/applications/app-1/review", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/applications/app-1/review", "teller", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHTTP_LoadForReview(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doRequest(t, h, http.MethodGet, "/api/v1/applications/app-1/review", "bm", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp reviewContextResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "bm_review", resp.Application.Status)
	assert.Equal(t, "50000.00", resp.MaxAmount)
	assert.False(t, resp.ReadOnly)
	assert.Equal(t, 1, resp.Draft.Step)
	assert.Len(t, resp.Draft.Guarantors, 1)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/applications/missing/review", "bm", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTP_SaveAndDiscardDraft(t *testing.T) {
	h, store := newTestServer(t)

	rec := doRequest(t, h, http.MethodPut, "/api/v1/applications/app-1/review/draft", "bm",
		map[string]any{"step": 2, "customer_comment": "seen"})
	require.Equal(t, http.StatusOK, rec.Code)

	draft, found, err := store.GetDraft(context.Background(), "app-1", workflow.RoleBranchManager)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "seen", draft.CustomerComment)
	assert.Equal(t, "u-bm", draft.UpdatedBy)

	rec = doRequest(t, h, http.MethodDelete, "/api/v1/applications/app-1/review/draft", "bm", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, found, err = store.GetDraft(context.Background(), "app-1", workflow.RoleBranchManager)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHTTP_SaveDraftWrongStage(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doRequest(t, h, http.MethodPut, "/api/v1/applications/app-1/review/draft", "ca",
		map[string]any{"step": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeError(t, rec).Code)
}

func TestHTTP_BadBodies(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doRequest(t, h, http.MethodPut, "/api/v1/applications/app-1/review/draft", "bm", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPut, "/api/v1/applications/app-1/review/draft", "bm",
		map[string]any{"unknown_field": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/v1/applications/app-1/review/submit", "bm",
		completeBody("maybe", "40000"))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeError(t, rec)
	require.Len(t, body.Fields, 1)
	assert.Equal(t, "final_decision", body.Fields[0].Field)
}

func TestHTTP_ValidateStep(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/applications/app-1/review/steps/7/validate", "bm",
		map[string]any{"loan_scored_amount": "60000"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp validateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Valid)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "loan_scored_amount", resp.Errors[0].Field)

	rec = doRequest(t, h, http.MethodPost, "/api/v1/applications/app-1/review/steps/1/validate", "bm",
		map[string]any{"customer_comment": "fine"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
	assert.Empty(t, resp.Errors)

	rec = doRequest(t, h, http.MethodPost, "/api/v1/applications/app-1/review/steps/9/validate", "bm",
		map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHTTP_SubmitAndAuditTrail(t *testing.T) {
	h, store := newTestServer(t)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/applications/app-1/review/submit", "bm",
		completeBody("approved", "40000"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out recordResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "cso_review", out.StatusAfter)
	assert.Equal(t, 1, out.VisitNumber)
	assert.Equal(t, "Guarantor 1: brother", out.GuarantorComment)

	app, err := store.GetByID(context.Background(), "app-1", tenantID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCSOReview, app.Status)

	// A second submit from the same role loses the stage.
	rec = doRequest(t, h, http.MethodPost, "/api/v1/applications/app-1/review/submit", "bm",
		completeBody("approved", "40000"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/applications/app-1/audit-trail", "cso", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trail struct {
		Entries []service.AuditEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trail))
	require.Len(t, trail.Entries, 2)
	assert.Equal(t, service.ActionLoanBooked, trail.Entries[0].Action)
	assert.Equal(t, "Branch Manager Review", trail.Entries[1].Action)
}

func TestHTTP_SubmitValidationErrors(t *testing.T) {
	h, _ := newTestServer(t)

	body := completeBody("approved", "70000")
	body["customer_comment"] = ""
	rec := doRequest(t, h, http.MethodPost, "/api/v1/applications/app-1/review/submit", "bm", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	resp := decodeError(t, rec)
	assert.Equal(t, "invalid_input", resp.Code)
	require.Len(t, resp.Fields, 2)
	assert.Equal(t, "customer_comment", resp.Fields[0].Field)
	assert.Equal(t, "loan_scored_amount", resp.Fields[1].Field)
}

func TestHTTP_Queue(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doRequest(t, h, http.MethodGet, "/api/v1/applications/queue", "bm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Applications []applicationResponse `json:"applications"`
		Count        int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "app-1", resp.Applications[0].ID)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/applications/queue?branch_id=branch-2", "bm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
}

func TestHTTP_Metrics(t *testing.T) {
	h, _ := newTestServer(t)
	doRequest(t, h, http.MethodGet, "/health", "", nil)

	rec := doRequest(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_http_requests_total{method="GET",route="/health",status="200"} 1`)
}
