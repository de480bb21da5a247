// Package quota decides whether an account may send another outbound email.
//
// Decisions are read-only: evaluation never mutates counters, it derives
// usage from the message log so that a crashed run can never leak quota.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailrunhq/mailrun/internal/models"
	"github.com/mailrunhq/mailrun/internal/store"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Evaluator checks account-level plan limits and campaign-level daily caps.
type Evaluator struct {
	accounts store.AccountRepo
	messages store.MessageRepo
	now      func() time.Time
}

// NewEvaluator creates a quota evaluator over the given repositories.
func NewEvaluator(accounts store.AccountRepo, messages store.MessageRepo) *Evaluator {
	return &Evaluator{
		accounts: accounts,
		messages: messages,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CanSend evaluates the account-level gates in order: account existence,
// trial expiry, then the calendar-month allowance.
func (q *Evaluator) CanSend(ctx context.Context, accountID string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return deny("cancelled"), err
	}

	account, err := q.accounts.GetAccount(accountID)
	if err != nil {
		return deny("account lookup failed"), fmt.Errorf("quota lookup for account %s failed: %w", accountID, err)
	}
	if account == nil {
		slog.Debug("Evaluator.CanSend: account not found", "accountID", accountID)
		return deny("account not found"), nil
	}

	now := q.now()
	if account.TrialExpired(now) {
		slog.Debug("Evaluator.CanSend: trial expired", "accountID", accountID, "trialEndsAt", account.TrialEndsAt)
		return deny("trial expired"), nil
	}

	limit := account.MonthlyLimit()
	used, err := q.messages.CountOutboundSentSince(accountID, store.StartOfMonth(now))
	if err != nil {
		return deny("usage lookup failed"), fmt.Errorf("quota usage for account %s failed: %w", accountID, err)
	}
	if used >= limit {
		slog.Debug("Evaluator.CanSend: monthly limit reached", "accountID", accountID, "used", used, "limit", limit)
		return deny("monthly limit reached"), nil
	}

	return allow(), nil
}

// CampaignAllowance evaluates the campaign's daily send cap against messages
// sent today across the campaign's account.
func (q *Evaluator) CampaignAllowance(ctx context.Context, campaign *models.Campaign) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return deny("cancelled"), err
	}
	if campaign == nil {
		return deny("campaign not found"), nil
	}

	limit := campaign.DailyLimit()
	used, err := q.messages.CountOutboundSentSince(campaign.AccountID, store.StartOfDay(q.now()))
	if err != nil {
		return deny("usage lookup failed"), fmt.Errorf("daily usage for campaign %s failed: %w", campaign.ID, err)
	}
	if used >= limit {
		slog.Debug("Evaluator.CampaignAllowance: daily limit reached", "campaignID", campaign.ID, "used", used, "limit", limit)
		return deny("daily limit reached"), nil
	}

	return allow(), nil
}
