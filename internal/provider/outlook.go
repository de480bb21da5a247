package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mailrunhq/mailrun/internal/models"
)

const (
	msTokenURL   = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	graphBaseURL = "https://graph.microsoft.com/v1.0"

	outlookTimeout = 15 * time.Second
)

// OutlookClient sends and polls through the Microsoft Graph API. Refresh
// tokens are exchanged on every call; Microsoft rotates them, so caching
// access tokens risks drift across instances.
type OutlookClient struct {
	clientID     string
	clientSecret string
	http         *resty.Client
}

// Compile-time check that OutlookClient implements Client.
var _ Client = (*OutlookClient)(nil)

// NewOutlookClient creates an Outlook provider client with the given OAuth
// app credentials.
func NewOutlookClient(clientID, clientSecret string) (*OutlookClient, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("microsoft OAuth credentials: %w", models.ErrNotConfigured)
	}
	return &OutlookClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         resty.New().SetTimeout(outlookTimeout),
	}, nil
}

// Kind identifies this client as the outlook variant.
func (c *OutlookClient) Kind() models.ProviderKind { return models.ProviderOutlook }

type msTokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (c *OutlookClient) accessToken(ctx context.Context, integ models.Integration) (string, error) {
	var tok msTokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"client_id":     c.clientID,
			"client_secret": c.clientSecret,
			"refresh_token": integ.RefreshToken,
			"grant_type":    "refresh_token",
		}).
		SetResult(&tok).
		Post(msTokenURL)
	if err != nil {
		return "", fmt.Errorf("outlook token exchange for integration %s failed: %w", integ.ID, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("outlook token exchange for integration %s returned %s: %s", integ.ID, resp.Status(), resp.String())
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("outlook token exchange for integration %s returned no access token", integ.ID)
	}
	return tok.AccessToken, nil
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphEmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type graphMessage struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	From           *graphRecipient `json:"from,omitempty"`
}

type graphMessageList struct {
	Value []graphMessage `json:"value"`
}

// Send creates a draft message and then submits it, returning the draft's
// message and conversation ids.
func (c *OutlookClient) Send(ctx context.Context, integ models.Integration, to, subject, body string) (SendResult, error) {
	if err := validateOutbound(to, subject); err != nil {
		return SendResult{}, err
	}
	token, err := c.accessToken(ctx, integ)
	if err != nil {
		return SendResult{}, err
	}

	draftPayload := map[string]interface{}{
		"subject": subject,
		"body": map[string]string{
			"contentType": "Text",
			"content":     body,
		},
		"toRecipients": []graphRecipient{
			{EmailAddress: graphEmailAddress{Address: to}},
		},
	}

	var draft graphMessage
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(draftPayload).
		SetResult(&draft).
		Post(graphBaseURL + "/me/messages")
	if err != nil {
		return SendResult{}, fmt.Errorf("outlook draft create to %s failed: %w", to, err)
	}
	if resp.IsError() {
		return SendResult{}, fmt.Errorf("outlook draft create returned %s: %s", resp.Status(), resp.String())
	}
	if draft.ID == "" {
		return SendResult{}, fmt.Errorf("outlook draft create returned no message id")
	}

	resp, err = c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		Post(graphBaseURL + "/me/messages/" + draft.ID + "/send")
	if err != nil {
		return SendResult{}, fmt.Errorf("outlook send of draft %s failed: %w", draft.ID, err)
	}
	if resp.IsError() {
		return SendResult{}, fmt.Errorf("outlook send of draft %s returned %s: %s", draft.ID, resp.Status(), resp.String())
	}

	threadID := draft.ConversationID
	if threadID == "" {
		threadID = draft.ID
	}
	slog.Debug("OutlookClient.Send succeeded", "integrationID", integ.ID, "messageID", draft.ID, "conversationID", threadID)
	return SendResult{ProviderMessageID: draft.ID, ThreadID: threadID}, nil
}

// PollThreadForReply lists the conversation's messages and reports whether
// any non-excluded message came from an address other than the connected
// mailbox.
func (c *OutlookClient) PollThreadForReply(ctx context.Context, integ models.Integration, threadID string, excludeIDs map[string]bool) (bool, error) {
	token, err := c.accessToken(ctx, integ)
	if err != nil {
		return false, err
	}

	var list graphMessageList
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("$select", "id,from").
		SetQueryParam("$filter", fmt.Sprintf("conversationId eq '%s'", threadID)).
		SetResult(&list).
		Get(graphBaseURL + "/me/messages")
	if err != nil {
		return false, fmt.Errorf("outlook conversation %s fetch failed: %w", threadID, err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("outlook conversation %s fetch returned %s: %s", threadID, resp.Status(), resp.String())
	}

	if isReplyInConversation(list.Value, integ.Email, excludeIDs) {
		slog.Debug("OutlookClient.PollThreadForReply: reply found", "conversationID", threadID)
		return true, nil
	}
	return false, nil
}

// isReplyInConversation applies the reply rule: any message we did not send
// whose sender address differs from the mailbox address counts.
func isReplyInConversation(msgs []graphMessage, mailboxEmail string, excludeIDs map[string]bool) bool {
	for _, m := range msgs {
		if excludeIDs[m.ID] {
			continue
		}
		if m.From == nil {
			continue
		}
		sender := m.From.EmailAddress.Address
		if sender != "" && !strings.EqualFold(sender, mailboxEmail) {
			return true
		}
	}
	return false
}
