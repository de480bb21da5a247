// Package dispatch runs the due-item send pipeline: claim due enrollments,
// generate content, send through the selected provider, and commit the
// resulting sequence transitions.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailrunhq/mailrun/internal/content"
	"github.com/mailrunhq/mailrun/internal/models"
	"github.com/mailrunhq/mailrun/internal/provider"
	"github.com/mailrunhq/mailrun/internal/quota"
	"github.com/mailrunhq/mailrun/internal/sequence"
	"github.com/mailrunhq/mailrun/internal/store"
)

// DefaultBatchSize bounds how many enrollments one run claims.
const DefaultBatchSize = 20

// DefaultRunTimeout bounds one full dispatcher run.
const DefaultRunTimeout = 5 * time.Minute

// DefaultSendTimeout bounds a single provider send.
const DefaultSendTimeout = 30 * time.Second

// Generator produces email drafts. Implemented by content.Generator.
type Generator interface {
	FirstTouch(ctx context.Context, req content.FirstTouchRequest) (content.Draft, error)
	FollowUp(ctx context.Context, priorSubject, priorBody string) (content.Draft, error)
}

// Compile-time check that the content generator satisfies Generator.
var _ Generator = (*content.Generator)(nil)

// Dispatcher processes due enrollments in bounded batches.
type Dispatcher struct {
	store     store.Store
	quota     *quota.Evaluator
	generator Generator
	providers provider.Registry
	selector  provider.Selector

	batchSize   int
	runTimeout  time.Duration
	sendTimeout time.Duration
	now         func() time.Time
}

// Opts holds dispatcher configuration.
type Opts struct {
	BatchSize   int
	RunTimeout  time.Duration
	SendTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Opts)

// WithBatchSize overrides the default batch size.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// WithRunTimeout overrides the default run deadline.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RunTimeout = d }
}

// WithSendTimeout overrides the default per-send timeout.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SendTimeout = d }
}

// NewDispatcher creates a dispatcher over the given collaborators.
func NewDispatcher(st store.Store, q *quota.Evaluator, gen Generator, providers provider.Registry, selector provider.Selector, opts ...Option) *Dispatcher {
	cfg := Opts{
		BatchSize:   DefaultBatchSize,
		RunTimeout:  DefaultRunTimeout,
		SendTimeout: DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Dispatcher{
		store:       st,
		quota:       q,
		generator:   gen,
		providers:   providers,
		selector:    selector,
		batchSize:   cfg.BatchSize,
		runTimeout:  cfg.RunTimeout,
		sendTimeout: cfg.SendTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run claims one batch of due enrollments and processes each in turn. It
// returns the number of enrollments that ended with a sent message. Individual
// failures and skips never abort the batch.
func (d *Dispatcher) Run(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.runTimeout)
	defer cancel()

	now := d.now()
	claimed, err := d.store.ClaimDueEnrollments(now, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due enrollments failed: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	slog.Info("Dispatcher.Run: claimed batch", "count", len(claimed))

	processed := 0
	for _, enrollment := range claimed {
		if err := ctx.Err(); err != nil {
			// Deadline hit mid-batch: release what we still hold.
			d.release(enrollment.ID, "run deadline exceeded")
			continue
		}
		if d.processOne(ctx, enrollment) {
			processed++
		}
	}

	slog.Info("Dispatcher.Run finished", "claimed", len(claimed), "processed", processed)
	return processed, nil
}

// release clears a claim for a skipped item without recording an attempt.
func (d *Dispatcher) release(enrollmentID, reason string) {
	slog.Info("Dispatcher: releasing claim without attempt", "enrollmentID", enrollmentID, "reason", reason)
	if err := d.store.ReleaseClaim(enrollmentID); err != nil {
		slog.Error("Dispatcher: failed to release claim", "enrollmentID", enrollmentID, "error", err)
	}
}

// processOne runs the full pipeline for one claimed enrollment. It returns
// true when a message was sent and the transition committed.
func (d *Dispatcher) processOne(ctx context.Context, enrollment models.Enrollment) bool {
	campaign, err := d.store.GetCampaign(enrollment.CampaignID)
	if err != nil {
		slog.Error("Dispatcher: campaign lookup failed", "enrollmentID", enrollment.ID, "error", err)
		d.release(enrollment.ID, "campaign lookup failed")
		return false
	}
	if campaign == nil || campaign.Status != models.CampaignStatusRunning {
		d.release(enrollment.ID, "campaign not running")
		return false
	}

	decision, err := d.quota.CanSend(ctx, campaign.AccountID)
	if err != nil {
		slog.Error("Dispatcher: quota check failed", "enrollmentID", enrollment.ID, "error", err)
		d.release(enrollment.ID, "quota check failed")
		return false
	}
	if !decision.Allowed {
		d.release(enrollment.ID, decision.Reason)
		return false
	}

	decision, err = d.quota.CampaignAllowance(ctx, campaign)
	if err != nil {
		slog.Error("Dispatcher: campaign allowance check failed", "enrollmentID", enrollment.ID, "error", err)
		d.release(enrollment.ID, "campaign allowance check failed")
		return false
	}
	if !decision.Allowed {
		d.release(enrollment.ID, decision.Reason)
		return false
	}

	integrations, err := d.store.ListIntegrations(campaign.AccountID)
	if err != nil {
		slog.Error("Dispatcher: integration lookup failed", "enrollmentID", enrollment.ID, "error", err)
		d.release(enrollment.ID, "integration lookup failed")
		return false
	}
	integ := d.selector.Select(integrations)
	if integ == nil {
		d.release(enrollment.ID, "no active integration")
		return false
	}
	client, ok := d.providers[integ.Provider]
	if !ok {
		d.release(enrollment.ID, fmt.Sprintf("no client for provider %s", integ.Provider))
		return false
	}

	lead, err := d.store.GetLead(enrollment.LeadID)
	if err != nil || lead == nil {
		slog.Error("Dispatcher: lead lookup failed", "enrollmentID", enrollment.ID, "leadID", enrollment.LeadID, "error", err)
		d.release(enrollment.ID, "lead not found")
		return false
	}
	account, err := d.store.GetAccount(campaign.AccountID)
	if err != nil || account == nil {
		slog.Error("Dispatcher: account lookup failed", "enrollmentID", enrollment.ID, "accountID", campaign.AccountID, "error", err)
		d.release(enrollment.ID, "account not found")
		return false
	}

	draft, ok := d.generateDraft(ctx, enrollment, campaign, account, lead)
	if !ok {
		return false
	}
	body := content.AppendUnsubscribeFooter(draft.Body)

	msg := &models.Message{
		AccountID:    account.ID,
		CampaignID:   campaign.ID,
		LeadID:       lead.ID,
		Subject:      draft.Subject,
		Body:         body,
		SequenceStep: enrollment.SequenceStep,
	}
	if err := d.store.CreateMessage(msg); err != nil {
		slog.Error("Dispatcher: message create failed", "enrollmentID", enrollment.ID, "error", err)
		d.release(enrollment.ID, "message create failed")
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	result, sendErr := client.Send(sendCtx, *integ, lead.Email, draft.Subject, body)
	cancel()

	now := d.now()
	if sendErr != nil {
		return d.commitFailure(enrollment, msg, now, sendErr)
	}
	return d.commitSuccess(enrollment, msg, integ.Provider, result, now)
}

// generateDraft produces the step's email content. A follow-up step with no
// prior outbound message releases the claim: there is nothing to follow up.
func (d *Dispatcher) generateDraft(ctx context.Context, enrollment models.Enrollment, campaign *models.Campaign, account *models.Account, lead *models.Lead) (content.Draft, bool) {
	if enrollment.SequenceStep <= 1 {
		draft, err := d.generator.FirstTouch(ctx, content.FirstTouchRequest{
			Niche:           account.Niche,
			SenderCompany:   account.CompanyName,
			ValueProp:       campaign.EffectiveValueProp(),
			Offer:           campaign.EffectiveOffer(),
			LeadCompany:     lead.CompanyName,
			LeadContactName: lead.ContactName,
			LeadWebsite:     lead.Website,
			LeadIndustry:    lead.Industry,
			LeadLocation:    lead.Location,
		})
		if err != nil {
			slog.Error("Dispatcher: first-touch generation failed", "enrollmentID", enrollment.ID, "error", err)
			d.release(enrollment.ID, "content generation failed")
			return content.Draft{}, false
		}
		return draft, true
	}

	prior, err := d.store.LatestOutboundForLead(lead.ID)
	if err != nil {
		slog.Error("Dispatcher: prior message lookup failed", "enrollmentID", enrollment.ID, "error", err)
		d.release(enrollment.ID, "prior message lookup failed")
		return content.Draft{}, false
	}
	if prior == nil {
		d.release(enrollment.ID, "follow-up step with no prior outbound message")
		return content.Draft{}, false
	}

	draft, err := d.generator.FollowUp(ctx, prior.Subject, prior.Body)
	if err != nil {
		slog.Error("Dispatcher: follow-up generation failed", "enrollmentID", enrollment.ID, "error", err)
		d.release(enrollment.ID, "content generation failed")
		return content.Draft{}, false
	}
	return draft, true
}

func (d *Dispatcher) commitSuccess(enrollment models.Enrollment, msg *models.Message, kind models.ProviderKind, result provider.SendResult, now time.Time) bool {
	if err := d.store.MarkMessageSent(msg.ID, kind, result.ProviderMessageID, result.ThreadID); err != nil {
		slog.Error("Dispatcher: mark message sent failed", "messageID", msg.ID, "error", err)
	}

	transition, err := sequence.Next(enrollment, sequence.EventSendSucceeded, now)
	if err != nil {
		slog.Error("Dispatcher: transition after send failed", "enrollmentID", enrollment.ID, "error", err)
		d.release(enrollment.ID, "transition failed")
		return false
	}
	if err := d.store.CommitSendSuccess(enrollment.ID, transition.State, transition.SequenceStep, transition.NextSendAt, now); err != nil {
		slog.Error("Dispatcher: commit send success failed", "enrollmentID", enrollment.ID, "error", err)
		return false
	}
	if err := d.store.AdvanceLeadStatus(enrollment.LeadID, models.LeadStatusEmailed); err != nil {
		slog.Error("Dispatcher: lead status advance failed", "leadID", enrollment.LeadID, "error", err)
	}

	slog.Info("Dispatcher: message sent",
		"enrollmentID", enrollment.ID,
		"messageID", msg.ID,
		"provider", kind,
		"step", enrollment.SequenceStep,
		"nextState", transition.State)
	return true
}

func (d *Dispatcher) commitFailure(enrollment models.Enrollment, msg *models.Message, now time.Time, sendErr error) bool {
	slog.Warn("Dispatcher: provider send failed", "enrollmentID", enrollment.ID, "messageID", msg.ID, "error", sendErr)

	if err := d.store.MarkMessageFailed(msg.ID, sendErr.Error()); err != nil {
		slog.Error("Dispatcher: mark message failed failed", "messageID", msg.ID, "error", err)
	}

	transition, err := sequence.Next(enrollment, sequence.EventSendFailed, now)
	if err != nil {
		slog.Error("Dispatcher: transition after failure failed", "enrollmentID", enrollment.ID, "error", err)
		d.release(enrollment.ID, "transition failed")
		return false
	}
	if err := d.store.ReleaseFailedSend(enrollment.ID, transition.State, transition.NextSendAt, transition.Attempts, sendErr.Error()); err != nil {
		slog.Error("Dispatcher: release failed send failed", "enrollmentID", enrollment.ID, "error", err)
	}
	if transition.Terminal {
		slog.Warn("Dispatcher: enrollment dead-lettered", "enrollmentID", enrollment.ID, "attempts", transition.Attempts)
	}
	return false
}
