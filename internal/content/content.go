// Package content generates outreach email drafts using the OpenAI API.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mailrunhq/mailrun/internal/models"
)

// FallbackSubject is used when the model returns no usable subject line.
const FallbackSubject = "Quick question"

// UnsubscribeFooter is appended to every outbound body before sending.
const UnsubscribeFooter = "\n\n---\nReply STOP to unsubscribe."

// chatCompleter defines the minimal interface for chat completions.
type chatCompleter interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Draft is a generated email draft.
type Draft struct {
	Subject string `json:"subject"`
	Body    string `json:"body_text"`
}

// FirstTouchRequest carries the sender and lead context for a cold email.
type FirstTouchRequest struct {
	Niche           string
	SenderCompany   string
	ValueProp       string
	Offer           string
	LeadCompany     string
	LeadContactName string
	LeadWebsite     string
	LeadIndustry    string
	LeadLocation    string
}

// ReplyAssistRequest carries the context for drafting a reply to an inbound email.
type ReplyAssistRequest struct {
	Niche       string
	ValueProp   string
	Offer       string
	InboundText string
}

// Generator produces email drafts from chat completions.
type Generator struct {
	chat  chatCompleter
	model openai.ChatModel
}

// Opts holds configuration for the generator.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option configures a Generator.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the default chat model.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// NewGenerator creates a draft generator backed by the OpenAI API.
func NewGenerator(opts ...Option) (*Generator, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key: %w", models.ErrNotConfigured)
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Generator{chat: &cli.Chat.Completions, model: cfg.Model}, nil
}

// FirstTouch generates the opening cold email for a lead.
func (g *Generator) FirstTouch(ctx context.Context, req FirstTouchRequest) (Draft, error) {
	return g.complete(ctx, firstOutreachSystem, firstOutreachUser(req))
}

// FollowUp generates a short follow-up building on the previous email.
func (g *Generator) FollowUp(ctx context.Context, priorSubject, priorBody string) (Draft, error) {
	return g.complete(ctx, followupSystem, followupUser(priorSubject, priorBody))
}

// ReplyAssist drafts a reply to an inbound email from a lead.
func (g *Generator) ReplyAssist(ctx context.Context, req ReplyAssistRequest) (Draft, error) {
	return g.complete(ctx, replyAssistSystem, replyAssistUser(req))
}

func (g *Generator) complete(ctx context.Context, systemPrompt, userPrompt string) (Draft, error) {
	resp, err := g.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		return Draft{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Draft{}, fmt.Errorf("no choices returned")
	}
	return parseDraft(resp.Choices[0].Message.Content), nil
}

// parseDraft extracts a draft from free-form model output. A missing or
// malformed JSON payload degrades to the fallback subject rather than
// failing the send.
func parseDraft(raw string) Draft {
	d := Draft{Subject: FallbackSubject}

	payload := extractJSON(raw)
	if payload == "" {
		slog.Warn("Generator.parseDraft: no JSON object in model output")
		return d
	}
	var parsed Draft
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		slog.Warn("Generator.parseDraft: malformed JSON in model output", "error", err)
		return d
	}

	if s := strings.TrimSpace(parsed.Subject); s != "" {
		d.Subject = s
	}
	d.Body = strings.TrimSpace(parsed.Body)
	if d.Body == "" {
		slog.Warn("Generator.parseDraft: model returned empty body")
	}
	return d
}

// extractJSON returns the first balanced {...} block in s, or "".
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// AppendUnsubscribeFooter adds the opt-out footer to an outbound body.
func AppendUnsubscribeFooter(body string) string {
	return body + UnsubscribeFooter
}
