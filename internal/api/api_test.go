package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mailrunhq/mailrun/internal/content"
	"github.com/mailrunhq/mailrun/internal/models"
	"github.com/mailrunhq/mailrun/internal/provider"
	"github.com/mailrunhq/mailrun/internal/quota"
	"github.com/mailrunhq/mailrun/internal/store"
)

type fakeRunner struct {
	processed int
	err       error
	calls     int
}

func (f *fakeRunner) Run(ctx context.Context) (int, error) {
	f.calls++
	return f.processed, f.err
}

type fakeGenerator struct {
	draft content.Draft
	err   error
}

func (f *fakeGenerator) FirstTouch(ctx context.Context, req content.FirstTouchRequest) (content.Draft, error) {
	return f.draft, f.err
}

func (f *fakeGenerator) FollowUp(ctx context.Context, priorSubject, priorBody string) (content.Draft, error) {
	return f.draft, f.err
}

type fakeClient struct {
	kind   models.ProviderKind
	result provider.SendResult
	err    error
}

func (f *fakeClient) Kind() models.ProviderKind { return f.kind }

func (f *fakeClient) Send(ctx context.Context, integ models.Integration, to, subject, body string) (provider.SendResult, error) {
	return f.result, f.err
}

func (f *fakeClient) PollThreadForReply(ctx context.Context, integ models.Integration, threadID string, excludeIDs map[string]bool) (bool, error) {
	return false, nil
}

type serverFixture struct {
	store      store.Store
	server     *Server
	dispatcher *fakeRunner
	reconciler *fakeRunner
	client     *fakeClient
}

func newTestServer(t *testing.T, opts ...Option) *serverFixture {
	t.Helper()

	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.SaveAccount(&models.Account{ID: "acct1", Email: "owner@example.com", CompanyName: "Acme", Plan: models.PlanPro}); err != nil {
		t.Fatalf("SaveAccount() error = %v", err)
	}
	if err := st.SaveCampaign(&models.Campaign{ID: "camp1", AccountID: "acct1", Name: "Q3", Status: models.CampaignStatusRunning}); err != nil {
		t.Fatalf("SaveCampaign() error = %v", err)
	}
	if err := st.SaveLead(&models.Lead{ID: "lead1", AccountID: "acct1", Email: "lead@prospect.example.com", CompanyName: "Prospect Inc", Status: models.LeadStatusNew}); err != nil {
		t.Fatalf("SaveLead() error = %v", err)
	}
	if err := st.SaveIntegration(&models.Integration{ID: "int1", AccountID: "acct1", Provider: models.ProviderGmail, Email: "owner@gmail.example.com", RefreshToken: "rt"}); err != nil {
		t.Fatalf("SaveIntegration() error = %v", err)
	}

	dispatcher := &fakeRunner{processed: 3}
	reconciler := &fakeRunner{processed: 1}
	client := &fakeClient{kind: models.ProviderGmail, result: provider.SendResult{ProviderMessageID: "pm1", ThreadID: "th1"}}

	srv := NewServer(
		st,
		dispatcher,
		reconciler,
		&fakeGenerator{draft: content.Draft{Subject: "s", Body: "b"}},
		quota.NewEvaluator(st, st),
		provider.Registry{models.ProviderGmail: client},
		provider.DefaultSelector{},
		opts...,
	)
	return &serverFixture{store: st, server: srv, dispatcher: dispatcher, reconciler: reconciler, client: client}
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	f := newTestServer(t)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", rec.Code)
	}
}

func TestCronHandlerSecretGuard(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		url      string
		wantCode int
	}{
		{
			name:     "correct secret accepted",
			opts:     []Option{WithCronSecret("s3cret")},
			url:      "/cron/send-due?secret=s3cret",
			wantCode: http.StatusOK,
		},
		{
			name:     "wrong secret rejected",
			opts:     []Option{WithCronSecret("s3cret")},
			url:      "/cron/send-due?secret=wrong",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "missing secret rejected",
			opts:     []Option{WithCronSecret("s3cret")},
			url:      "/cron/send-due",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "no secret configured outside production",
			opts:     nil,
			url:      "/cron/send-due",
			wantCode: http.StatusOK,
		},
		{
			name:     "no secret configured in production rejected",
			opts:     []Option{WithEnv("production")},
			url:      "/cron/send-due",
			wantCode: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestServer(t, tt.opts...)
			rec := httptest.NewRecorder()
			f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))
			if rec.Code != tt.wantCode {
				t.Errorf("GET %s = %d, want %d", tt.url, rec.Code, tt.wantCode)
			}
			wantCalls := 0
			if tt.wantCode == http.StatusOK {
				wantCalls = 1
			}
			if f.dispatcher.calls != wantCalls {
				t.Errorf("dispatcher calls = %d, want %d", f.dispatcher.calls, wantCalls)
			}
		})
	}
}

func TestCronHandlerReturnsProcessedCount(t *testing.T) {
	f := newTestServer(t)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cron/send-due", nil))

	resp := decodeResponse(t, rec)
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result = %T, want object", resp.Result)
	}
	if processed, _ := result["processed"].(float64); processed != 3 {
		t.Errorf("processed = %v, want 3", result["processed"])
	}
}

func TestCronHandlerCheckReplies(t *testing.T) {
	f := newTestServer(t)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cron/check-replies", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /cron/check-replies = %d, want 200", rec.Code)
	}
	if f.reconciler.calls != 1 {
		t.Errorf("reconciler calls = %d, want 1", f.reconciler.calls)
	}
}

func TestCronHandlerMethodNotAllowed(t *testing.T) {
	f := newTestServer(t)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cron/send-due", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /cron/send-due = %d, want 405", rec.Code)
	}
}

func TestCronHandlerRunFailure(t *testing.T) {
	f := newTestServer(t)
	f.dispatcher.err = errors.New("db down")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cron/send-due", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("GET /cron/send-due = %d, want 500", rec.Code)
	}
}

func TestSendMessageHandler(t *testing.T) {
	f := newTestServer(t)

	msg := &models.Message{AccountID: "acct1", CampaignID: "camp1", LeadID: "lead1", Subject: "s", Body: "b"}
	if err := f.store.CreateMessage(msg); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}

	body := strings.NewReader(`{"message_id":"` + msg.ID + `"}`)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages/send", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /messages/send = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	got, err := f.store.GetMessage(msg.ID)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if got.Status != models.MessageStatusSent {
		t.Errorf("message status = %q, want sent", got.Status)
	}

	lead, err := f.store.GetLead("lead1")
	if err != nil {
		t.Fatalf("GetLead() error = %v", err)
	}
	if lead.Status != models.LeadStatusEmailed {
		t.Errorf("lead status = %q, want emailed", lead.Status)
	}
}

func TestSendMessageHandlerProviderFailure(t *testing.T) {
	f := newTestServer(t)
	f.client.err = errors.New("mailbox unavailable")

	msg := &models.Message{AccountID: "acct1", CampaignID: "camp1", LeadID: "lead1", Subject: "s", Body: "b"}
	if err := f.store.CreateMessage(msg); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}

	body := strings.NewReader(`{"message_id":"` + msg.ID + `"}`)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages/send", body))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("POST /messages/send = %d, want 502", rec.Code)
	}

	got, err := f.store.GetMessage(msg.ID)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if got.Status != models.MessageStatusFailed {
		t.Errorf("message status = %q, want failed", got.Status)
	}
}

func TestSendMessageHandlerNotFound(t *testing.T) {
	f := newTestServer(t)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages/send", strings.NewReader(`{"message_id":"nope"}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("POST /messages/send = %d, want 404", rec.Code)
	}
}

func TestGenerateDraftHandler(t *testing.T) {
	f := newTestServer(t)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/drafts/generate", strings.NewReader(`{"lead_id":"lead1","campaign_id":"camp1"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /drafts/generate = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	resp := decodeResponse(t, rec)
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result = %T, want object", resp.Result)
	}
	if result["subject"] != "s" {
		t.Errorf("draft subject = %v, want s", result["subject"])
	}
}

func TestGenerateDraftHandlerFollowUpWithoutPrior(t *testing.T) {
	f := newTestServer(t)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/drafts/generate", strings.NewReader(`{"lead_id":"lead1","step":2}`)))
	if rec.Code != http.StatusConflict {
		t.Errorf("POST /drafts/generate (step 2, no prior) = %d, want 409", rec.Code)
	}
}

func TestEnrollHandler(t *testing.T) {
	f := newTestServer(t)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/enrollments", strings.NewReader(`{"campaign_id":"camp1","lead_id":"lead1"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /enrollments = %d, want 201; body %s", rec.Code, rec.Body.String())
	}

	e, err := f.store.GetEnrollment("camp1", "lead1")
	if err != nil {
		t.Fatalf("GetEnrollment() error = %v", err)
	}
	if e == nil || e.State != models.EnrollmentStatePending || e.SequenceStep != 1 {
		t.Errorf("enrollment = %+v, want pending step 1", e)
	}
	if e.NextSendAt.After(time.Now().UTC()) {
		t.Errorf("nextSendAt = %v, want due now", e.NextSendAt)
	}
}

func TestEnrollHandlerRequiresIntegration(t *testing.T) {
	f := newTestServer(t)
	// Strip the refresh token so no integration is usable.
	if err := f.store.SaveIntegration(&models.Integration{ID: "int1", AccountID: "acct1", Provider: models.ProviderGmail, Email: "owner@gmail.example.com"}); err != nil {
		t.Fatalf("SaveIntegration() error = %v", err)
	}

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/enrollments", strings.NewReader(`{"campaign_id":"camp1","lead_id":"lead1"}`)))
	if rec.Code != http.StatusConflict {
		t.Errorf("POST /enrollments without integration = %d, want 409", rec.Code)
	}
}

func TestEnrollHandlerUnknownCampaign(t *testing.T) {
	f := newTestServer(t)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/enrollments", strings.NewReader(`{"campaign_id":"nope","lead_id":"lead1"}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("POST /enrollments unknown campaign = %d, want 404", rec.Code)
	}
}
