// Package store defines the repository interfaces implemented by each backend.
package store

import (
	"time"

	"github.com/mailrunhq/mailrun/internal/models"
)

// AccountRepo persists sending accounts. The engine reads accounts; writes
// exist for provisioning and tests.
type AccountRepo interface {
	// GetAccount returns the account or nil when no row exists.
	GetAccount(id string) (*models.Account, error)

	SaveAccount(a *models.Account) error
}

// CampaignRepo persists campaigns. Consumed read-only by the dispatcher.
type CampaignRepo interface {
	// GetCampaign returns the campaign or nil when no row exists.
	GetCampaign(id string) (*models.Campaign, error)

	SaveCampaign(c *models.Campaign) error
}

// LeadRepo persists leads and their derived funnel status.
type LeadRepo interface {
	// GetLead returns the lead or nil when no row exists.
	GetLead(id string) (*models.Lead, error)

	SaveLead(l *models.Lead) error

	// AdvanceLeadStatus moves a lead's status forward. Regressions (for
	// example replied back to emailed) are silently ignored.
	AdvanceLeadStatus(id string, proposed models.LeadStatus) error
}

// IntegrationRepo persists provider credentials per account.
type IntegrationRepo interface {
	// ListIntegrations returns all integrations for one account.
	ListIntegrations(accountID string) ([]models.Integration, error)

	// ListAllIntegrations returns every connected integration, used by the
	// reply reconciler to walk all mailboxes.
	ListAllIntegrations() ([]models.Integration, error)

	SaveIntegration(i *models.Integration) error
}

// EnrollmentRepo persists (campaign, lead) sequence enrollments.
//
// ClaimDueEnrollments is the correctness-critical claim step: an enrollment
// is atomically marked claimed before any provider send is attempted, so two
// overlapping dispatcher runs can never both send for the same row. A claim
// is released either by committing a transition or, after a crash, by
// RequeueStaleClaims.
type EnrollmentRepo interface {
	// Enroll inserts a pending enrollment at step 1, due at nextSendAt.
	// Enrolling an already-enrolled (campaign, lead) pair returns the
	// existing enrollment unchanged.
	Enroll(campaignID, leadID string, nextSendAt time.Time) (*models.Enrollment, error)

	// GetEnrollment returns the enrollment for a (campaign, lead) pair or
	// nil when none exists.
	GetEnrollment(campaignID, leadID string) (*models.Enrollment, error)

	// ClaimDueEnrollments atomically claims up to limit due enrollments
	// (state pending or sent, unclaimed, next_send_at <= now) and returns
	// them with ClaimedAt set.
	ClaimDueEnrollments(now time.Time, limit int) ([]models.Enrollment, error)

	// ReleaseClaim clears the claim without recording an attempt, used when
	// an item is skipped (quota denied, campaign paused, missing data).
	ReleaseClaim(id string) error

	// CommitSendSuccess applies a successful-send transition: new state and
	// step, forward-only next_send_at, last_sent_at, attempt counter reset,
	// claim cleared.
	CommitSendSuccess(id string, state models.EnrollmentState, step int, nextSendAt, sentAt time.Time) error

	// ReleaseFailedSend applies a failed-send transition: state preserved or
	// dead-lettered, attempts incremented, backoff applied, claim cleared.
	ReleaseFailedSend(id string, state models.EnrollmentState, nextSendAt time.Time, attempts int, lastErr string) error

	// MarkEnrollmentReplied terminally closes the enrollment for a
	// (campaign, lead) pair after a reply was detected.
	MarkEnrollmentReplied(campaignID, leadID string, now time.Time) error

	// RequeueStaleClaims clears claims older than staleBefore (crash
	// recovery). Returns the number of enrollments released.
	RequeueStaleClaims(staleBefore time.Time) (int, error)
}

// MessageRepo persists outbound send attempts.
type MessageRepo interface {
	CreateMessage(m *models.Message) error

	// GetMessage returns the message or nil when no row exists.
	GetMessage(id string) (*models.Message, error)

	// MarkMessageSent records provider identifiers after a confirmed send.
	MarkMessageSent(id string, provider models.ProviderKind, providerMessageID, threadID string) error

	// MarkMessageFailed records a send failure with its error description.
	MarkMessageFailed(id string, errMsg string) error

	// LatestOutboundForLead returns the most recent outbound message for a
	// lead, or nil when the lead has never been written to. Follow-up
	// generation builds on it.
	LatestOutboundForLead(leadID string) (*models.Message, error)

	// ListOutboundSentForProvider returns outbound sent/delivered messages
	// that carry a thread id, for one account and provider. The reconciler
	// polls these threads.
	ListOutboundSentForProvider(accountID string, provider models.ProviderKind) ([]models.Message, error)

	// CountOutboundSentSince counts outbound sent/delivered messages for an
	// account created at or after since. Quota evaluation reads this.
	CountOutboundSentSince(accountID string, since time.Time) (int, error)
}

// ReplyEventRepo persists reply-detection idempotency records.
type ReplyEventRepo interface {
	// RecordReplyEvent inserts the reply event for a message. Returns false
	// without error when an event for that message already exists.
	RecordReplyEvent(accountID, messageID string) (bool, error)
}
