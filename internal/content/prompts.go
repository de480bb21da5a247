package content

import "fmt"

const firstOutreachSystem = `You are an expert B2B sales copywriter. Write short, natural emails that sound human, avoid spammy phrases, and get replies. Do not use marketing fluff. No emojis. No exclamation marks. Keep it under 120 words.`

const followupSystem = `You write concise follow-ups that feel polite and non-pushy. Under 70 words.`

const replyAssistSystem = `You are an assistant that drafts replies to inbound leads. Keep it crisp, helpful, and human.`

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func firstOutreachUser(req FirstTouchRequest) string {
	return fmt.Sprintf(`Write a cold email for this business lead.

Sender business:
Niche: %s
Company: %s
What we sell (value prop): %s
Offer/CTA: %s (ask for a 15-min chat)

Lead:
Company name: %s
Contact name (may be empty): %s
Website: %s
Industry: %s
Location: %s

Rules:
If contact name is empty, use "Hi there,"
Make 1 specific observation about their business based on their website/industry (do not invent facts; infer cautiously)
Use a soft CTA ("Worth a quick chat?")
Output JSON only: { "subject": "...", "body_text": "..." }`,
		req.Niche, req.SenderCompany, req.ValueProp, req.Offer,
		req.LeadCompany, orNA(req.LeadContactName), orNA(req.LeadWebsite),
		orNA(req.LeadIndustry), orNA(req.LeadLocation))
}

func followupUser(subject, bodyText string) string {
	return fmt.Sprintf(`Write a follow-up to this email. Keep it short.

Original email:
Subject: %s
Body:
%s

Rules:
Do not repeat the whole pitch
Ask a simple yes/no question
Output JSON only: { "subject": "...", "body_text": "..." }`, subject, bodyText)
}

func replyAssistUser(req ReplyAssistRequest) string {
	return fmt.Sprintf(`Draft a reply email.

My business:
Niche: %s
Value prop: %s
Offer: %s

Inbound email from lead:
%s

Rules:
Answer questions directly
Propose 2 time slots in the next 5 business days
Include one clarifying question
Output JSON only: { "subject": "...", "body_text": "..." }`,
		req.Niche, req.ValueProp, req.Offer, req.InboundText)
}
