// Package reconcile detects replies to sent outreach by polling provider
// threads, and transitions leads and enrollments accordingly.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailrunhq/mailrun/internal/models"
	"github.com/mailrunhq/mailrun/internal/provider"
	"github.com/mailrunhq/mailrun/internal/store"
)

// DefaultRunTimeout bounds one full reconciler run.
const DefaultRunTimeout = 5 * time.Minute

// DefaultPollTimeout bounds a single provider thread poll.
const DefaultPollTimeout = 30 * time.Second

// Reconciler walks every connected integration and marks replied threads.
type Reconciler struct {
	store     store.Store
	providers provider.Registry

	runTimeout  time.Duration
	pollTimeout time.Duration
}

// Opts holds reconciler configuration.
type Opts struct {
	RunTimeout  time.Duration
	PollTimeout time.Duration
}

// Option configures a Reconciler.
type Option func(*Opts)

// WithRunTimeout overrides the default run deadline.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RunTimeout = d }
}

// WithPollTimeout overrides the default per-poll timeout.
func WithPollTimeout(d time.Duration) Option {
	return func(o *Opts) { o.PollTimeout = d }
}

// NewReconciler creates a reconciler over the given store and providers.
func NewReconciler(st store.Store, providers provider.Registry, opts ...Option) *Reconciler {
	cfg := Opts{
		RunTimeout:  DefaultRunTimeout,
		PollTimeout: DefaultPollTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Reconciler{
		store:       st,
		providers:   providers,
		runTimeout:  cfg.RunTimeout,
		pollTimeout: cfg.PollTimeout,
	}
}

// Run polls every integration's sent threads once. It returns the number of
// newly detected replies. Per-thread and per-integration failures are logged
// and skipped; the walk never aborts.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.runTimeout)
	defer cancel()

	integrations, err := r.store.ListAllIntegrations()
	if err != nil {
		return 0, fmt.Errorf("list integrations failed: %w", err)
	}

	detected := 0
	for _, integ := range integrations {
		if err := ctx.Err(); err != nil {
			slog.Warn("Reconciler.Run: deadline reached, stopping walk", "remaining", len(integrations))
			break
		}
		client, ok := r.providers[integ.Provider]
		if !ok {
			slog.Warn("Reconciler.Run: no client for provider", "provider", integ.Provider, "integrationID", integ.ID)
			continue
		}
		n, err := r.reconcileIntegration(ctx, integ, client)
		if err != nil {
			slog.Error("Reconciler.Run: integration walk failed", "integrationID", integ.ID, "error", err)
			continue
		}
		detected += n
	}

	slog.Info("Reconciler.Run finished", "integrations", len(integrations), "detected", detected)
	return detected, nil
}

// threadGroup is one provider thread with the outbound messages we sent into
// it. The provider message ids form the poll's exclusion set.
type threadGroup struct {
	threadID   string
	messages   []models.Message
	excludeIDs map[string]bool
}

// reconcileIntegration polls each distinct thread once, regardless of how
// many of our messages landed in it.
func (r *Reconciler) reconcileIntegration(ctx context.Context, integ models.Integration, client provider.Client) (int, error) {
	sent, err := r.store.ListOutboundSentForProvider(integ.AccountID, integ.Provider)
	if err != nil {
		return 0, fmt.Errorf("list sent messages for integration %s failed: %w", integ.ID, err)
	}
	if len(sent) == 0 {
		return 0, nil
	}

	groups := groupByThread(sent)
	detected := 0
	for _, group := range groups {
		pollCtx, cancel := context.WithTimeout(ctx, r.pollTimeout)
		replied, err := client.PollThreadForReply(pollCtx, integ, group.threadID, group.excludeIDs)
		cancel()
		if err != nil {
			slog.Warn("Reconciler: thread poll failed", "integrationID", integ.ID, "threadID", group.threadID, "error", err)
			continue
		}
		if !replied {
			continue
		}
		if r.applyReply(integ.AccountID, group) {
			detected++
		}
	}
	return detected, nil
}

// applyReply records the reply against the thread's most recent message and
// transitions the lead and enrollment. Returns false when the reply was
// already recorded by an earlier run.
func (r *Reconciler) applyReply(accountID string, group threadGroup) bool {
	latest := group.messages[len(group.messages)-1]

	inserted, err := r.store.RecordReplyEvent(accountID, latest.ID)
	if err != nil {
		slog.Error("Reconciler: reply event record failed", "messageID", latest.ID, "error", err)
		return false
	}
	if !inserted {
		slog.Debug("Reconciler: reply already recorded", "messageID", latest.ID, "threadID", group.threadID)
		return false
	}

	if err := r.store.AdvanceLeadStatus(latest.LeadID, models.LeadStatusReplied); err != nil {
		slog.Error("Reconciler: lead status advance failed", "leadID", latest.LeadID, "error", err)
	}
	if latest.CampaignID != "" {
		if err := r.store.MarkEnrollmentReplied(latest.CampaignID, latest.LeadID, time.Now().UTC()); err != nil {
			slog.Error("Reconciler: enrollment close failed", "campaignID", latest.CampaignID, "leadID", latest.LeadID, "error", err)
		}
	}

	slog.Info("Reconciler: reply detected", "threadID", group.threadID, "leadID", latest.LeadID, "messageID", latest.ID)
	return true
}

// groupByThread collects messages per thread id, preserving send order
// within each group. Messages without a thread id are skipped.
func groupByThread(msgs []models.Message) []threadGroup {
	index := make(map[string]int)
	var groups []threadGroup
	for _, m := range msgs {
		if m.ThreadID == "" {
			continue
		}
		i, ok := index[m.ThreadID]
		if !ok {
			i = len(groups)
			index[m.ThreadID] = i
			groups = append(groups, threadGroup{
				threadID:   m.ThreadID,
				excludeIDs: make(map[string]bool),
			})
		}
		groups[i].messages = append(groups[i].messages, m)
		if m.ProviderMessageID != "" {
			groups[i].excludeIDs[m.ProviderMessageID] = true
		}
	}
	return groups
}
