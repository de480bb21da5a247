package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/mailrunhq/mailrun/internal/models"
)

// Access tokens are short-lived; the cache holds them for most of their
// lifetime so successive sends in one batch reuse a single token exchange.
const (
	tokenCacheTTL     = 45 * time.Minute
	tokenCacheCleanup = 10 * time.Minute
)

// GmailClient sends and polls through the Gmail API using per-integration
// refresh tokens.
type GmailClient struct {
	oauthConfig *oauth2.Config
	tokens      *cache.Cache
}

// Compile-time check that GmailClient implements Client.
var _ Client = (*GmailClient)(nil)

// NewGmailClient creates a Gmail provider client with the given OAuth app
// credentials.
func NewGmailClient(clientID, clientSecret string) (*GmailClient, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("google OAuth credentials: %w", models.ErrNotConfigured)
	}
	return &GmailClient{
		oauthConfig: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
		},
		tokens: cache.New(tokenCacheTTL, tokenCacheCleanup),
	}, nil
}

// Kind identifies this client as the gmail variant.
func (c *GmailClient) Kind() models.ProviderKind { return models.ProviderGmail }

// service builds an authenticated Gmail service for one integration, reusing
// a cached access token when available.
func (c *GmailClient) service(ctx context.Context, integ models.Integration) (*gmail.Service, error) {
	var httpClient *http.Client
	if tok, found := c.tokens.Get(integ.ID); found {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok.(*oauth2.Token)))
	} else {
		src := c.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: integ.RefreshToken})
		tok, err := src.Token()
		if err != nil {
			return nil, fmt.Errorf("gmail token exchange for integration %s failed: %w", integ.ID, err)
		}
		c.tokens.Set(integ.ID, tok, cache.DefaultExpiration)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok))
	}

	srv, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("gmail service init failed: %w", err)
	}
	return srv, nil
}

// Send delivers the message through the Gmail API.
func (c *GmailClient) Send(ctx context.Context, integ models.Integration, to, subject, body string) (SendResult, error) {
	if err := validateOutbound(to, subject); err != nil {
		return SendResult{}, err
	}
	srv, err := c.service(ctx, integ)
	if err != nil {
		return SendResult{}, err
	}

	raw := buildRawMessage(integ.Email, to, subject, body)
	sent, err := srv.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return SendResult{}, fmt.Errorf("gmail send to %s failed: %w", to, err)
	}

	threadID := sent.ThreadId
	if threadID == "" {
		threadID = sent.Id
	}
	slog.Debug("GmailClient.Send succeeded", "integrationID", integ.ID, "messageID", sent.Id, "threadID", threadID)
	return SendResult{ProviderMessageID: sent.Id, ThreadID: threadID}, nil
}

// PollThreadForReply reports whether the thread holds an inbound message we
// did not send ourselves.
func (c *GmailClient) PollThreadForReply(ctx context.Context, integ models.Integration, threadID string, excludeIDs map[string]bool) (bool, error) {
	srv, err := c.service(ctx, integ)
	if err != nil {
		return false, err
	}

	thread, err := srv.Users.Threads.Get("me", threadID).
		Format("metadata").
		MetadataHeaders("From", "Date").
		Context(ctx).
		Do()
	if err != nil {
		return false, fmt.Errorf("gmail thread %s fetch failed: %w", threadID, err)
	}

	for _, msg := range thread.Messages {
		if msg == nil || excludeIDs[msg.Id] {
			continue
		}
		if hasInboxLabel(msg.LabelIds) {
			slog.Debug("GmailClient.PollThreadForReply: reply found", "threadID", threadID, "messageID", msg.Id)
			return true, nil
		}
	}
	return false, nil
}

func hasInboxLabel(labels []string) bool {
	for _, l := range labels {
		if l == "INBOX" {
			return true
		}
	}
	return false
}

// buildRawMessage assembles an RFC 2822 text message and returns it
// base64url-encoded without padding, the wire format Gmail expects.
func buildRawMessage(from, to, subject, body string) string {
	headers := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="UTF-8"`,
		"",
		body,
	}
	msg := strings.Join(headers, "\r\n")
	return base64.RawURLEncoding.EncodeToString([]byte(msg))
}
