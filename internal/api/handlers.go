// Package api provides HTTP handlers for mailrun endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mailrunhq/mailrun/internal/content"
	"github.com/mailrunhq/mailrun/internal/models"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// cronHandler wraps a batch runner as a shared-secret-guarded GET endpoint.
func (s *Server) cronHandler(name string, runner Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Server.cronHandler: processing cron trigger", "job", name, "method", r.Method)
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.authorizeCron(r) {
			slog.Warn("Server.cronHandler: unauthorized cron trigger", "job", name, "remote", r.RemoteAddr)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
			return
		}

		processed, err := runner.Run(r.Context())
		if err != nil {
			slog.Error("Server.cronHandler: job run failed", "job", name, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Job run failed"))
			return
		}

		slog.Info("Server.cronHandler: job run finished", "job", name, "processed", processed)
		writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"processed": processed}))
	}
}

type sendMessageRequest struct {
	MessageID string `json:"message_id"`
}

// sendMessageHandler sends one previously created queued message on demand.
func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.MessageID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("message_id is required"))
		return
	}

	msg, err := s.store.GetMessage(req.MessageID)
	if err != nil {
		slog.Error("Server.sendMessageHandler: message lookup failed", "messageID", req.MessageID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Message lookup failed"))
		return
	}
	if msg == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Message not found"))
		return
	}
	if msg.Status != models.MessageStatusQueued {
		writeJSONResponse(w, http.StatusConflict, models.Error("Message is not queued"))
		return
	}

	decision, err := s.quota.CanSend(r.Context(), msg.AccountID)
	if err != nil {
		slog.Error("Server.sendMessageHandler: quota check failed", "accountID", msg.AccountID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Quota check failed"))
		return
	}
	if !decision.Allowed {
		writeJSONResponse(w, http.StatusForbidden, models.Error(decision.Reason))
		return
	}

	lead, err := s.store.GetLead(msg.LeadID)
	if err != nil || lead == nil {
		slog.Error("Server.sendMessageHandler: lead lookup failed", "leadID", msg.LeadID, "error", err)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	}

	integrations, err := s.store.ListIntegrations(msg.AccountID)
	if err != nil {
		slog.Error("Server.sendMessageHandler: integration lookup failed", "accountID", msg.AccountID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Integration lookup failed"))
		return
	}
	integ := s.selector.Select(integrations)
	if integ == nil {
		writeJSONResponse(w, http.StatusConflict, models.Error(models.ErrNoActiveIntegration.Error()))
		return
	}
	client, ok := s.providers[integ.Provider]
	if !ok {
		writeJSONResponse(w, http.StatusConflict, models.Error("No client for provider"))
		return
	}

	result, err := client.Send(r.Context(), *integ, lead.Email, msg.Subject, msg.Body)
	if err != nil {
		slog.Error("Server.sendMessageHandler: provider send failed", "messageID", msg.ID, "error", err)
		if markErr := s.store.MarkMessageFailed(msg.ID, err.Error()); markErr != nil {
			slog.Error("Server.sendMessageHandler: mark message failed failed", "messageID", msg.ID, "error", markErr)
		}
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to send message"))
		return
	}

	if err := s.store.MarkMessageSent(msg.ID, integ.Provider, result.ProviderMessageID, result.ThreadID); err != nil {
		slog.Error("Server.sendMessageHandler: mark message sent failed", "messageID", msg.ID, "error", err)
	}
	if err := s.store.AdvanceLeadStatus(lead.ID, models.LeadStatusEmailed); err != nil {
		slog.Error("Server.sendMessageHandler: lead status advance failed", "leadID", lead.ID, "error", err)
	}

	slog.Info("Server.sendMessageHandler: message sent", "messageID", msg.ID, "provider", integ.Provider)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message sent successfully", map[string]string{
		"message_id":          msg.ID,
		"provider_message_id": result.ProviderMessageID,
		"thread_id":           result.ThreadID,
	}))
}

type generateDraftRequest struct {
	LeadID     string `json:"lead_id"`
	CampaignID string `json:"campaign_id"`
	Step       int    `json:"step"`
}

// generateDraftHandler produces a first-touch or follow-up draft for a lead
// without sending it.
func (s *Server) generateDraftHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req generateDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.generateDraftHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.LeadID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("lead_id is required"))
		return
	}

	lead, err := s.store.GetLead(req.LeadID)
	if err != nil {
		slog.Error("Server.generateDraftHandler: lead lookup failed", "leadID", req.LeadID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Lead lookup failed"))
		return
	}
	if lead == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	}
	account, err := s.store.GetAccount(lead.AccountID)
	if err != nil || account == nil {
		slog.Error("Server.generateDraftHandler: account lookup failed", "accountID", lead.AccountID, "error", err)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Account not found"))
		return
	}

	var draft content.Draft
	if req.Step > 1 {
		prior, err := s.store.LatestOutboundForLead(lead.ID)
		if err != nil {
			slog.Error("Server.generateDraftHandler: prior message lookup failed", "leadID", lead.ID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Prior message lookup failed"))
			return
		}
		if prior == nil {
			writeJSONResponse(w, http.StatusConflict, models.Error("No prior message to follow up on"))
			return
		}
		draft, err = s.generator.FollowUp(r.Context(), prior.Subject, prior.Body)
		if err != nil {
			slog.Error("Server.generateDraftHandler: follow-up generation failed", "leadID", lead.ID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to generate draft"))
			return
		}
	} else {
		var campaign *models.Campaign
		if req.CampaignID != "" {
			campaign, err = s.store.GetCampaign(req.CampaignID)
			if err != nil {
				slog.Error("Server.generateDraftHandler: campaign lookup failed", "campaignID", req.CampaignID, "error", err)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Campaign lookup failed"))
				return
			}
		}
		if campaign == nil {
			campaign = &models.Campaign{AccountID: account.ID}
		}
		draft, err = s.generator.FirstTouch(r.Context(), content.FirstTouchRequest{
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
			slog.Error("Server.generateDraftHandler: first-touch generation failed", "leadID", lead.ID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to generate draft"))
			return
		}
	}

	writeJSONResponse(w, http.StatusOK, models.Success(draft))
}

type enrollRequest struct {
	CampaignID string `json:"campaign_id"`
	LeadID     string `json:"lead_id"`
}

// enrollHandler creates a pending enrollment due now. An account without a
// usable integration cannot enroll: the sequence would stall on its first
// step anyway.
func (s *Server) enrollHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.enrollHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.CampaignID == "" || req.LeadID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("campaign_id and lead_id are required"))
		return
	}

	campaign, err := s.store.GetCampaign(req.CampaignID)
	if err != nil {
		slog.Error("Server.enrollHandler: campaign lookup failed", "campaignID", req.CampaignID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Campaign lookup failed"))
		return
	}
	if campaign == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Campaign not found"))
		return
	}
	lead, err := s.store.GetLead(req.LeadID)
	if err != nil {
		slog.Error("Server.enrollHandler: lead lookup failed", "leadID", req.LeadID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Lead lookup failed"))
		return
	}
	if lead == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	}

	integrations, err := s.store.ListIntegrations(campaign.AccountID)
	if err != nil {
		slog.Error("Server.enrollHandler: integration lookup failed", "accountID", campaign.AccountID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Integration lookup failed"))
		return
	}
	if s.selector.Select(integrations) == nil {
		writeJSONResponse(w, http.StatusConflict, models.Error(models.ErrNoActiveIntegration.Error()))
		return
	}

	enrollment, err := s.store.Enroll(campaign.ID, lead.ID, time.Now().UTC().Truncate(time.Minute))
	if err != nil {
		slog.Error("Server.enrollHandler: enroll failed", "campaignID", campaign.ID, "leadID", lead.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Enroll failed"))
		return
	}

	slog.Info("Server.enrollHandler: lead enrolled", "campaignID", campaign.ID, "leadID", lead.ID, "enrollmentID", enrollment.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(enrollment))
}
