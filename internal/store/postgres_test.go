package store

import (
	"os"
	"testing"
	"time"

	"github.com/mailrunhq/mailrun/internal/models"
)

// newTestPostgresStore connects to the database named by DATABASE_URL and
// empties its tables. Tests using it skip when the variable is unset or the
// server is unreachable.
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := getenvOrSkip(t, "DATABASE_URL")
	st, err := NewPostgresStore(WithPostgresDSN(dsn))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	for _, table := range []string{"reply_events", "messages", "enrollments", "integrations", "leads", "campaigns", "accounts"} {
		if _, err := st.db.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("clean table %s: %v", table, err)
		}
	}
	return st
}

func getenvOrSkip(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

func TestPostgresAccountRoundTrip(t *testing.T) {
	st := newTestPostgresStore(t)

	trialEnd := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Second)
	a := &models.Account{
		ID:          "acct1",
		Email:       "owner@example.com",
		CompanyName: "Acme",
		Plan:        models.PlanTrial,
		TrialEndsAt: &trialEnd,
	}
	if err := st.SaveAccount(a); err != nil {
		t.Fatalf("SaveAccount() error = %v", err)
	}

	got, err := st.GetAccount("acct1")
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	if got == nil || got.Email != a.Email || got.Plan != models.PlanTrial {
		t.Errorf("GetAccount() = %+v, want email %q plan %q", got, a.Email, models.PlanTrial)
	}
	if got.TrialEndsAt == nil || !got.TrialEndsAt.Equal(trialEnd) {
		t.Errorf("TrialEndsAt = %v, want %v", got.TrialEndsAt, trialEnd)
	}

	missing, err := st.GetAccount("nope")
	if err != nil {
		t.Fatalf("GetAccount(missing) error = %v", err)
	}
	if missing != nil {
		t.Errorf("GetAccount(missing) = %+v, want nil", missing)
	}
}

func TestPostgresAdvanceLeadStatusNeverRegresses(t *testing.T) {
	st := newTestPostgresStore(t)
	seedAccount(t, st, "acct1")
	seedLead(t, st, "lead1", "acct1")

	if err := st.AdvanceLeadStatus("lead1", models.LeadStatusReplied); err != nil {
		t.Fatalf("AdvanceLeadStatus(replied) error = %v", err)
	}
	if err := st.AdvanceLeadStatus("lead1", models.LeadStatusEmailed); err != nil {
		t.Fatalf("AdvanceLeadStatus(emailed) error = %v", err)
	}

	got, err := st.GetLead("lead1")
	if err != nil {
		t.Fatalf("GetLead() error = %v", err)
	}
	if got.Status != models.LeadStatusReplied {
		t.Errorf("lead status = %q, want %q (no regression)", got.Status, models.LeadStatusReplied)
	}
}

func TestPostgresEnrollIsIdempotent(t *testing.T) {
	st := newTestPostgresStore(t)
	seedAccount(t, st, "acct1")
	seedCampaign(t, st, "camp1", "acct1")
	seedLead(t, st, "lead1", "acct1")

	first, err := st.Enroll("camp1", "lead1", time.Now().UTC())
	if err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	if first.State != models.EnrollmentStatePending || first.SequenceStep != 1 {
		t.Errorf("Enroll() = state %q step %d, want pending step 1", first.State, first.SequenceStep)
	}

	second, err := st.Enroll("camp1", "lead1", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("Enroll() second call error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second Enroll() id = %q, want existing %q", second.ID, first.ID)
	}
}

func TestPostgresClaimDueEnrollmentsIsExclusive(t *testing.T) {
	st := newTestPostgresStore(t)
	seedAccount(t, st, "acct1")
	seedCampaign(t, st, "camp1", "acct1")
	seedLead(t, st, "lead1", "acct1")
	seedLead(t, st, "lead2", "acct1")

	now := time.Now().UTC()
	if _, err := st.Enroll("camp1", "lead1", now.Add(-time.Minute)); err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	if _, err := st.Enroll("camp1", "lead2", now.Add(-time.Minute)); err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}

	claimed, err := st.ClaimDueEnrollments(now, 20)
	if err != nil {
		t.Fatalf("ClaimDueEnrollments() error = %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("ClaimDueEnrollments() = %d rows, want 2", len(claimed))
	}
	for _, e := range claimed {
		if e.ClaimedAt == nil {
			t.Errorf("enrollment %s returned without ClaimedAt", e.ID)
		}
		if e.CampaignID != "camp1" || e.State != models.EnrollmentStatePending || e.SequenceStep != 1 {
			t.Errorf("claimed row = %+v, want camp1 pending step 1", e)
		}
	}

	again, err := st.ClaimDueEnrollments(now, 20)
	if err != nil {
		t.Fatalf("ClaimDueEnrollments() second call error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second ClaimDueEnrollments() = %d rows, want 0", len(again))
	}
}

func TestPostgresClaimDueEnrollmentsRespectsLimit(t *testing.T) {
	st := newTestPostgresStore(t)
	seedAccount(t, st, "acct1")
	seedCampaign(t, st, "camp1", "acct1")

	now := time.Now().UTC()
	for _, id := range []string{"lead1", "lead2", "lead3"} {
		seedLead(t, st, id, "acct1")
		if _, err := st.Enroll("camp1", id, now.Add(-time.Minute)); err != nil {
			t.Fatalf("Enroll(%s) error = %v", id, err)
		}
	}

	claimed, err := st.ClaimDueEnrollments(now, 2)
	if err != nil {
		t.Fatalf("ClaimDueEnrollments() error = %v", err)
	}
	if len(claimed) != 2 {
		t.Errorf("ClaimDueEnrollments(limit=2) = %d rows, want 2", len(claimed))
	}
}

func TestPostgresCommitSendSuccessKeepsStepAndScheduleForward(t *testing.T) {
	st := newTestPostgresStore(t)
	seedAccount(t, st, "acct1")
	seedCampaign(t, st, "camp1", "acct1")
	seedLead(t, st, "lead1", "acct1")

	now := time.Now().UTC()
	e, err := st.Enroll("camp1", "lead1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	if _, err := st.ClaimDueEnrollments(now, 1); err != nil {
		t.Fatalf("ClaimDueEnrollments() error = %v", err)
	}

	forward := now.Add(96 * time.Hour).Truncate(time.Second)
	if err := st.CommitSendSuccess(e.ID, models.EnrollmentStateSent, 3, forward, now); err != nil {
		t.Fatalf("CommitSendSuccess() error = %v", err)
	}
	if err := st.CommitSendSuccess(e.ID, models.EnrollmentStateSent, 2, now.Add(time.Hour), now); err != nil {
		t.Fatalf("CommitSendSuccess() second call error = %v", err)
	}

	got, err := st.GetEnrollment("camp1", "lead1")
	if err != nil {
		t.Fatalf("GetEnrollment() error = %v", err)
	}
	if got.State != models.EnrollmentStateSent {
		t.Errorf("state = %q, want sent", got.State)
	}
	if got.SequenceStep != 3 {
		t.Errorf("step = %d, want 3 (forward-only)", got.SequenceStep)
	}
	if got.NextSendAt.Before(forward) {
		t.Errorf("nextSendAt = %v moved before %v", got.NextSendAt, forward)
	}
	if got.ClaimedAt != nil {
		t.Errorf("ClaimedAt = %v, want cleared", got.ClaimedAt)
	}
	if got.LastSentAt == nil {
		t.Error("LastSentAt = nil, want set")
	}
}

func TestPostgresReleaseFailedSend(t *testing.T) {
	st := newTestPostgresStore(t)
	seedAccount(t, st, "acct1")
	seedCampaign(t, st, "camp1", "acct1")
	seedLead(t, st, "lead1", "acct1")

	now := time.Now().UTC()
	e, err := st.Enroll("camp1", "lead1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	if _, err := st.ClaimDueEnrollments(now, 1); err != nil {
		t.Fatalf("ClaimDueEnrollments() error = %v", err)
	}

	retryAt := now.Add(10 * time.Second).Truncate(time.Second)
	if err := st.ReleaseFailedSend(e.ID, models.EnrollmentStatePending, retryAt, 1, "provider timeout"); err != nil {
		t.Fatalf("ReleaseFailedSend() error = %v", err)
	}

	got, err := st.GetEnrollment("camp1", "lead1")
	if err != nil {
		t.Fatalf("GetEnrollment() error = %v", err)
	}
	if got.State != models.EnrollmentStatePending || got.Attempts != 1 {
		t.Errorf("enrollment = state %q attempts %d, want pending 1", got.State, got.Attempts)
	}
	if got.LastError != "provider timeout" {
		t.Errorf("lastError = %q, want provider timeout", got.LastError)
	}
	if got.ClaimedAt != nil {
		t.Errorf("ClaimedAt = %v, want cleared", got.ClaimedAt)
	}
}

func TestPostgresMarkEnrollmentReplied(t *testing.T) {
	st := newTestPostgresStore(t)
	seedAccount(t, st, "acct1")
	seedCampaign(t, st, "camp1", "acct1")
	seedLead(t, st, "lead1", "acct1")

	now := time.Now().UTC()
	if _, err := st.Enroll("camp1", "lead1", now.Add(time.Hour)); err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	if err := st.MarkEnrollmentReplied("camp1", "lead1", now); err != nil {
		t.Fatalf("MarkEnrollmentReplied() error = %v", err)
	}

	got, err := st.GetEnrollment("camp1", "lead1")
	if err != nil {
		t.Fatalf("GetEnrollment() error = %v", err)
	}
	if got.State != models.EnrollmentStateReplied {
		t.Errorf("state = %q, want replied", got.State)
	}

	claimed, err := st.ClaimDueEnrollments(now.Add(48*time.Hour), 20)
	if err != nil {
		t.Fatalf("ClaimDueEnrollments() error = %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("ClaimDueEnrollments() after reply = %d rows, want 0", len(claimed))
	}
}

func TestPostgresRequeueStaleClaims(t *testing.T) {
	st := newTestPostgresStore(t)
	seedAccount(t, st, "acct1")
	seedCampaign(t, st, "camp1", "acct1")
	seedLead(t, st, "lead1", "acct1")

	now := time.Now().UTC()
	if _, err := st.Enroll("camp1", "lead1", now.Add(-time.Minute)); err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	if _, err := st.ClaimDueEnrollments(now, 1); err != nil {
		t.Fatalf("ClaimDueEnrollments() error = %v", err)
	}

	n, err := st.RequeueStaleClaims(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("RequeueStaleClaims() error = %v", err)
	}
	if n != 0 {
		t.Errorf("RequeueStaleClaims(recent cutoff) = %d, want 0", n)
	}

	n, err = st.RequeueStaleClaims(now.Add(time.Hour))
	if err != nil {
		t.Fatalf("RequeueStaleClaims() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RequeueStaleClaims() = %d, want 1", n)
	}

	claimed, err := st.ClaimDueEnrollments(now, 20)
	if err != nil {
		t.Fatalf("ClaimDueEnrollments() error = %v", err)
	}
	if len(claimed) != 1 {
		t.Errorf("ClaimDueEnrollments() after requeue = %d rows, want 1", len(claimed))
	}
}

func TestPostgresMessageLifecycle(t *testing.T) {
	st := newTestPostgresStore(t)
	seedAccount(t, st, "acct1")
	seedLead(t, st, "lead1", "acct1")

	m := &models.Message{AccountID: "acct1", LeadID: "lead1", Subject: "Quick question", Body: "Hello", SequenceStep: 1}
	if err := st.CreateMessage(m); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if m.ID == "" || m.Status != models.MessageStatusQueued {
		t.Fatalf("CreateMessage() = id %q status %q, want id and queued", m.ID, m.Status)
	}

	if err := st.MarkMessageSent(m.ID, models.ProviderGmail, "prov-123", "thread-456"); err != nil {
		t.Fatalf("MarkMessageSent() error = %v", err)
	}

	got, err := st.GetMessage(m.ID)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if got.Status != models.MessageStatusSent {
		t.Errorf("status = %q, want sent", got.Status)
	}
	if got.Provider != models.ProviderGmail || got.ProviderMessageID != "prov-123" || got.ThreadID != "thread-456" {
		t.Errorf("provider fields = %q/%q/%q", got.Provider, got.ProviderMessageID, got.ThreadID)
	}

	latest, err := st.LatestOutboundForLead("lead1")
	if err != nil {
		t.Fatalf("LatestOutboundForLead() error = %v", err)
	}
	if latest == nil || latest.ID != m.ID {
		t.Errorf("LatestOutboundForLead() = %+v, want %s", latest, m.ID)
	}

	count, err := st.CountOutboundSentSince("acct1", time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountOutboundSentSince() error = %v", err)
	}
	if count != 1 {
		t.Errorf("CountOutboundSentSince() = %d, want 1", count)
	}

	listed, err := st.ListOutboundSentForProvider("acct1", models.ProviderGmail)
	if err != nil {
		t.Fatalf("ListOutboundSentForProvider() error = %v", err)
	}
	if len(listed) != 1 || listed[0].ID != m.ID {
		t.Errorf("ListOutboundSentForProvider() = %d rows, want the sent message", len(listed))
	}
}

func TestPostgresRecordReplyEventDeduplicates(t *testing.T) {
	st := newTestPostgresStore(t)
	seedAccount(t, st, "acct1")
	seedLead(t, st, "lead1", "acct1")

	m := &models.Message{AccountID: "acct1", LeadID: "lead1", Subject: "s", Body: "b"}
	if err := st.CreateMessage(m); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}

	inserted, err := st.RecordReplyEvent("acct1", m.ID)
	if err != nil {
		t.Fatalf("RecordReplyEvent() error = %v", err)
	}
	if !inserted {
		t.Error("first RecordReplyEvent() = false, want true")
	}

	again, err := st.RecordReplyEvent("acct1", m.ID)
	if err != nil {
		t.Fatalf("RecordReplyEvent() second call error = %v", err)
	}
	if again {
		t.Error("second RecordReplyEvent() = true, want false (deduplicated)")
	}
}

func TestPostgresIntegrationRoundTrip(t *testing.T) {
	st := newTestPostgresStore(t)
	seedAccount(t, st, "acct1")

	i := &models.Integration{
		ID:           "int1",
		AccountID:    "acct1",
		Provider:     models.ProviderOutlook,
		Email:        "a@outlook.example.com",
		RefreshToken: "rt1",
	}
	if err := st.SaveIntegration(i); err != nil {
		t.Fatalf("SaveIntegration() error = %v", err)
	}

	got, err := st.ListIntegrations("acct1")
	if err != nil {
		t.Fatalf("ListIntegrations() error = %v", err)
	}
	if len(got) != 1 || got[0].RefreshToken != "rt1" {
		t.Errorf("ListIntegrations() = %+v, want int1 with refresh token", got)
	}
}
