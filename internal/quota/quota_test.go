package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mailrunhq/mailrun/internal/models"
)

type fakeAccounts struct {
	account *models.Account
	err     error
}

func (f *fakeAccounts) GetAccount(id string) (*models.Account, error) { return f.account, f.err }
func (f *fakeAccounts) SaveAccount(a *models.Account) error           { return nil }

type fakeMessages struct {
	count int
	err   error
}

func (f *fakeMessages) CreateMessage(m *models.Message) error           { return nil }
func (f *fakeMessages) GetMessage(id string) (*models.Message, error)   { return nil, nil }
func (f *fakeMessages) MarkMessageSent(id string, provider models.ProviderKind, providerMessageID, threadID string) error {
	return nil
}
func (f *fakeMessages) MarkMessageFailed(id string, errMsg string) error { return nil }
func (f *fakeMessages) LatestOutboundForLead(leadID string) (*models.Message, error) {
	return nil, nil
}
func (f *fakeMessages) ListOutboundSentForProvider(accountID string, provider models.ProviderKind) ([]models.Message, error) {
	return nil, nil
}
func (f *fakeMessages) CountOutboundSentSince(accountID string, since time.Time) (int, error) {
	return f.count, f.err
}

func newTestEvaluator(account *models.Account, sentCount int) *Evaluator {
	q := NewEvaluator(&fakeAccounts{account: account}, &fakeMessages{count: sentCount})
	q.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	return q
}

func TestCanSend(t *testing.T) {
	past := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	future := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		account     *models.Account
		sentCount   int
		wantAllowed bool
		wantReason  string
	}{
		{
			name:        "missing account denied",
			account:     nil,
			wantAllowed: false,
			wantReason:  "account not found",
		},
		{
			name:        "expired trial denied",
			account:     &models.Account{ID: "a1", Plan: models.PlanTrial, TrialEndsAt: &past},
			wantAllowed: false,
			wantReason:  "trial expired",
		},
		{
			name:        "active trial under limit allowed",
			account:     &models.Account{ID: "a1", Plan: models.PlanTrial, TrialEndsAt: &future},
			sentCount:   models.DefaultMonthlyEmailLimit - 1,
			wantAllowed: true,
		},
		{
			name:        "at monthly limit denied",
			account:     &models.Account{ID: "a1", Plan: models.PlanPro},
			sentCount:   models.DefaultMonthlyEmailLimit,
			wantAllowed: false,
			wantReason:  "monthly limit reached",
		},
		{
			name:        "over monthly limit denied",
			account:     &models.Account{ID: "a1", Plan: models.PlanPro},
			sentCount:   models.DefaultMonthlyEmailLimit + 5,
			wantAllowed: false,
			wantReason:  "monthly limit reached",
		},
		{
			name:        "custom limit honored",
			account:     &models.Account{ID: "a1", Plan: models.PlanPro, MonthlyEmailLimit: 100},
			sentCount:   models.DefaultMonthlyEmailLimit + 5,
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestEvaluator(tt.account, tt.sentCount)
			got, err := q.CanSend(context.Background(), "a1")
			if err != nil {
				t.Fatalf("CanSend() error = %v", err)
			}
			if got.Allowed != tt.wantAllowed {
				t.Errorf("CanSend().Allowed = %v, want %v", got.Allowed, tt.wantAllowed)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("CanSend().Reason = %q, want %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestCanSendPropagatesStoreError(t *testing.T) {
	wantErr := errors.New("disk gone")
	q := NewEvaluator(&fakeAccounts{err: wantErr}, &fakeMessages{})
	got, err := q.CanSend(context.Background(), "a1")
	if !errors.Is(err, wantErr) {
		t.Fatalf("CanSend() error = %v, want wrapped %v", err, wantErr)
	}
	if got.Allowed {
		t.Error("CanSend() allowed despite store error")
	}
}

func TestCampaignAllowance(t *testing.T) {
	tests := []struct {
		name        string
		campaign    *models.Campaign
		sentToday   int
		wantAllowed bool
		wantReason  string
	}{
		{
			name:        "missing campaign denied",
			campaign:    nil,
			wantAllowed: false,
			wantReason:  "campaign not found",
		},
		{
			name:        "under daily limit allowed",
			campaign:    &models.Campaign{ID: "c1", AccountID: "a1"},
			sentToday:   models.DefaultDailySendLimit - 1,
			wantAllowed: true,
		},
		{
			name:        "at daily limit denied",
			campaign:    &models.Campaign{ID: "c1", AccountID: "a1"},
			sentToday:   models.DefaultDailySendLimit,
			wantAllowed: false,
			wantReason:  "daily limit reached",
		},
		{
			name:        "custom daily limit honored",
			campaign:    &models.Campaign{ID: "c1", AccountID: "a1", DailySendLimit: 50},
			sentToday:   models.DefaultDailySendLimit,
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewEvaluator(&fakeAccounts{}, &fakeMessages{count: tt.sentToday})
			got, err := q.CampaignAllowance(context.Background(), tt.campaign)
			if err != nil {
				t.Fatalf("CampaignAllowance() error = %v", err)
			}
			if got.Allowed != tt.wantAllowed {
				t.Errorf("CampaignAllowance().Allowed = %v, want %v", got.Allowed, tt.wantAllowed)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("CampaignAllowance().Reason = %q, want %q", got.Reason, tt.wantReason)
			}
		})
	}
}
