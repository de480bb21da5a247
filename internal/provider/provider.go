// Package provider abstracts the mailbox providers used for sending outreach
// emails and polling their threads for replies.
package provider

import (
	"context"
	"log/slog"

	"github.com/mailrunhq/mailrun/internal/models"
)

// SendResult carries the provider identifiers of a delivered message.
type SendResult struct {
	ProviderMessageID string
	ThreadID          string
}

// Sender delivers a single outbound email through a connected mailbox.
type Sender interface {
	// Send delivers the message and returns provider identifiers. ThreadID
	// is always non-empty on success; providers that do not thread fall
	// back to the message id.
	Send(ctx context.Context, integ models.Integration, to, subject, body string) (SendResult, error)
}

// ReplyPoller inspects a previously sent thread for inbound replies.
type ReplyPoller interface {
	// PollThreadForReply reports whether the thread contains a message from
	// the lead. Messages whose provider id appears in excludeIDs are our
	// own and never count.
	PollThreadForReply(ctx context.Context, integ models.Integration, threadID string, excludeIDs map[string]bool) (bool, error)
}

// Client is a full mailbox provider: it can send and poll.
type Client interface {
	Sender
	ReplyPoller

	// Kind identifies the provider variant.
	Kind() models.ProviderKind
}

// Registry maps provider kinds to their clients.
type Registry map[models.ProviderKind]Client

// validateOutbound rejects sends that no provider would accept.
func validateOutbound(to, subject string) error {
	if to == "" {
		return models.ErrEmptyRecipient
	}
	if subject == "" {
		return models.ErrEmptySubject
	}
	return nil
}

// Selector picks which of an account's integrations to send through.
type Selector interface {
	// Select returns the integration to use, or nil when none is usable.
	Select(integrations []models.Integration) *models.Integration
}

// DefaultSelector implements the fixed precedence order: gmail first, then
// outlook. Integrations without a refresh token are skipped.
type DefaultSelector struct{}

// Compile-time check that DefaultSelector implements Selector.
var _ Selector = DefaultSelector{}

// Select returns the highest-precedence usable integration.
func (DefaultSelector) Select(integrations []models.Integration) *models.Integration {
	for _, kind := range []models.ProviderKind{models.ProviderGmail, models.ProviderOutlook} {
		for i := range integrations {
			integ := &integrations[i]
			if integ.Provider != kind {
				continue
			}
			if integ.RefreshToken == "" {
				slog.Debug("DefaultSelector.Select: skipping integration without refresh token", "integrationID", integ.ID, "provider", integ.Provider)
				continue
			}
			return integ
		}
	}
	return nil
}
