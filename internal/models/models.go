// Package models defines the core data structures for mailrun.
//
// It includes accounts, campaigns, leads, sequence enrollments, outbound
// messages, provider integrations and reply events, which are shared across
// modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Plan identifies the billing tier of an account.
type Plan string

const (
	// PlanTrial is the time-limited evaluation tier.
	PlanTrial Plan = "trial"
	// PlanPro is the paid tier.
	PlanPro Plan = "pro"
)

// Default sending allowances. Billing management may raise the monthly
// allowance; these apply when an account row carries no explicit value.
const (
	DefaultMonthlyEmailLimit = 20
	DefaultDailySendLimit    = 10
)

// Default campaign messaging parameters, used when a campaign leaves them blank.
const (
	DefaultValueProp = "We place pre-vetted candidates fast (7-10 days) without wasting your time."
	DefaultOffer     = "15-min call + we'll share 3 candidate profiles relevant to you."
)

// Error variables for the failure taxonomy shared across modules.
var (
	ErrNotConfigured       = errors.New("dependency not configured")
	ErrNoActiveIntegration = errors.New("no active email integration")
	ErrEmptyRecipient      = errors.New("recipient cannot be empty")
	ErrEmptySubject        = errors.New("subject cannot be empty")
)

// Account represents a sending account. Plan and allowance fields are mutated
// by billing events outside this system; the engine reads them only.
type Account struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	CompanyName       string     `json:"company_name,omitempty"`
	Niche             string     `json:"niche,omitempty"`
	Plan              Plan       `json:"plan"`
	TrialEndsAt       *time.Time `json:"trial_ends_at,omitempty"`
	MonthlyEmailLimit int        `json:"monthly_email_limit"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// CampaignStatus represents the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft   CampaignStatus = "draft"
	CampaignStatusRunning CampaignStatus = "running"
	CampaignStatusPaused  CampaignStatus = "paused"
)

// Campaign groups enrollments under one account with shared messaging
// parameters and a per-day send cap. Status transitions happen outside the
// engine; the dispatcher consumes campaigns read-only.
type Campaign struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"account_id"`
	Name           string         `json:"name"`
	Status         CampaignStatus `json:"status"`
	DailySendLimit int            `json:"daily_send_limit"`
	ValueProp      string         `json:"value_prop,omitempty"`
	OfferText      string         `json:"offer_text,omitempty"`
	SendingAccount string         `json:"sending_account,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// LeadStatus is a derived summary of where a lead sits in the funnel.
// Transitions only move forward: new -> emailed -> replied.
type LeadStatus string

const (
	LeadStatusNew     LeadStatus = "new"
	LeadStatusEmailed LeadStatus = "emailed"
	LeadStatusReplied LeadStatus = "replied"
)

// Lead is a prospect identity with optional firmographic attributes used for
// content generation. Email and company are required; the rest are optional.
type Lead struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	Email       string     `json:"email"`
	CompanyName string     `json:"company_name"`
	ContactName string     `json:"contact_name,omitempty"`
	Website     string     `json:"website,omitempty"`
	Industry    string     `json:"industry,omitempty"`
	Location    string     `json:"location,omitempty"`
	Status      LeadStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EnrollmentState represents the lifecycle state of a (campaign, lead)
// enrollment in its send sequence.
type EnrollmentState string

const (
	// EnrollmentStatePending means newly enrolled, nothing sent yet.
	EnrollmentStatePending EnrollmentState = "pending"
	// EnrollmentStateSent means at least one step was delivered and more remain.
	EnrollmentStateSent EnrollmentState = "sent"
	// EnrollmentStateReplied is terminal: the lead answered.
	EnrollmentStateReplied EnrollmentState = "replied"
	// EnrollmentStateExhausted is terminal: the final step was delivered.
	EnrollmentStateExhausted EnrollmentState = "exhausted"
	// EnrollmentStateFailed is terminal: sends failed past the retry budget.
	EnrollmentStateFailed EnrollmentState = "failed"
)

// IsTerminal reports whether the state permits no further dispatching.
func (s EnrollmentState) IsTerminal() bool {
	switch s {
	case EnrollmentStateReplied, EnrollmentStateExhausted, EnrollmentStateFailed:
		return true
	default:
		return false
	}
}

// Enrollment is the central mutable entity: one (campaign, lead) pairing
// tracked through the multi-step sequence. Unique per campaign+lead.
// SequenceStep is monotonically non-decreasing and NextSendAt only ever
// advances forward in time.
type Enrollment struct {
	ID           string          `json:"id"`
	CampaignID   string          `json:"campaign_id"`
	LeadID       string          `json:"lead_id"`
	State        EnrollmentState `json:"state"`
	SequenceStep int             `json:"sequence_step"`
	NextSendAt   time.Time       `json:"next_send_at"`
	LastSentAt   *time.Time      `json:"last_sent_at,omitempty"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// MessageDirection distinguishes outbound sends from recorded inbound mail.
type MessageDirection string

const (
	DirectionOutbound MessageDirection = "outbound"
	DirectionInbound  MessageDirection = "inbound"
)

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	MessageStatusQueued    MessageStatus = "queued"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusFailed    MessageStatus = "failed"
)

// Message is one row per outbound send attempt. Immutable once sent except
// for status correction on failure.
type Message struct {
	ID                string           `json:"id"`
	AccountID         string           `json:"account_id"`
	CampaignID        string           `json:"campaign_id,omitempty"`
	LeadID            string           `json:"lead_id"`
	Direction         MessageDirection `json:"direction"`
	Status            MessageStatus    `json:"status"`
	Provider          ProviderKind     `json:"provider,omitempty"`
	ProviderMessageID string           `json:"provider_message_id,omitempty"`
	ThreadID          string           `json:"thread_id,omitempty"`
	Subject           string           `json:"subject"`
	Body              string           `json:"body"`
	SequenceStep      int              `json:"sequence_step,omitempty"`
	Error             string           `json:"error,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// ProviderKind identifies an email backend.
type ProviderKind string

const (
	ProviderGmail   ProviderKind = "gmail"
	ProviderOutlook ProviderKind = "outlook"
)

// IsValidProviderKind checks if the given provider kind is supported.
func IsValidProviderKind(p ProviderKind) bool {
	switch p {
	case ProviderGmail, ProviderOutlook:
		return true
	default:
		return false
	}
}

// Integration holds a long-lived refresh credential and the connected mailbox
// address for one (account, provider) pair. Token acquisition happens outside
// the engine; the engine only consumes the refresh token.
type Integration struct {
	ID           string       `json:"id"`
	AccountID    string       `json:"account_id"`
	Provider     ProviderKind `json:"provider"`
	Email        string       `json:"email"`
	RefreshToken string       `json:"-"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ReplyEventType classifies reply events. Only reply detection exists today.
type ReplyEventType string

// ReplyEventTypeDetected marks that an inbound reply was observed for an
// outbound message.
const ReplyEventTypeDetected ReplyEventType = "reply_detected"

// ReplyEvent is the idempotency record for reply processing: at most one per
// message ID. Its existence is the sole gate preventing duplicate handling.
type ReplyEvent struct {
	ID        string         `json:"id"`
	AccountID string         `json:"account_id"`
	MessageID string         `json:"message_id"`
	Type      ReplyEventType `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
}

// MonthlyLimit returns the account's monthly allowance, falling back to the
// trial default when unset.
func (a *Account) MonthlyLimit() int {
	if a.MonthlyEmailLimit > 0 {
		return a.MonthlyEmailLimit
	}
	return DefaultMonthlyEmailLimit
}

// TrialExpired reports whether a trial account's evaluation window has passed.
// Pro accounts never expire.
func (a *Account) TrialExpired(now time.Time) bool {
	return a.Plan == PlanTrial && a.TrialEndsAt != nil && a.TrialEndsAt.Before(now)
}

// DailyLimit returns the campaign's daily cap, falling back to the default
// when unset.
func (c *Campaign) DailyLimit() int {
	if c.DailySendLimit > 0 {
		return c.DailySendLimit
	}
	return DefaultDailySendLimit
}

// EffectiveValueProp returns the campaign value proposition or the default.
func (c *Campaign) EffectiveValueProp() string {
	if strings.TrimSpace(c.ValueProp) != "" {
		return c.ValueProp
	}
	return DefaultValueProp
}

// EffectiveOffer returns the campaign offer text or the default.
func (c *Campaign) EffectiveOffer() string {
	if strings.TrimSpace(c.OfferText) != "" {
		return c.OfferText
	}
	return DefaultOffer
}

// NextLeadStatus enforces the forward-only lead funnel: a lead never regresses
// from replied back to emailed. Returns the status that should be persisted.
func NextLeadStatus(current, proposed LeadStatus) LeadStatus {
	rank := func(s LeadStatus) int {
		switch s {
		case LeadStatusReplied:
			return 2
		case LeadStatusEmailed:
			return 1
		default:
			return 0
		}
	}
	if rank(proposed) > rank(current) {
		return proposed
	}
	return current
}
