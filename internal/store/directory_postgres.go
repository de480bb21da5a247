package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailrunhq/mailrun/internal/models"
)

func (s *PostgresStore) GetAccount(id string) (*models.Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s failed: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) SaveAccount(a *models.Account) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	var trialEndsAt interface{}
	if a.TrialEndsAt != nil {
		trialEndsAt = *a.TrialEndsAt
	}
	_, err := s.db.Exec(
		`INSERT INTO accounts (id, email, company_name, niche, plan, trial_ends_at, monthly_email_limit, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   email = EXCLUDED.email, company_name = EXCLUDED.company_name, niche = EXCLUDED.niche,
		   plan = EXCLUDED.plan, trial_ends_at = EXCLUDED.trial_ends_at,
		   monthly_email_limit = EXCLUDED.monthly_email_limit, updated_at = EXCLUDED.updated_at`,
		a.ID, a.Email, nilIfEmpty(a.CompanyName), nilIfEmpty(a.Niche), a.Plan,
		trialEndsAt, a.MonthlyEmailLimit, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save account %s failed: %w", a.ID, err)
	}
	slog.Debug("PostgresStore.SaveAccount succeeded", "id", a.ID, "plan", a.Plan)
	return nil
}

func (s *PostgresStore) GetCampaign(id string) (*models.Campaign, error) {
	row := s.db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign %s failed: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) SaveCampaign(c *models.Campaign) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO campaigns (id, account_id, name, status, daily_send_limit, value_prop, offer_text, sending_account, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, status = EXCLUDED.status, daily_send_limit = EXCLUDED.daily_send_limit,
		   value_prop = EXCLUDED.value_prop, offer_text = EXCLUDED.offer_text,
		   sending_account = EXCLUDED.sending_account, updated_at = EXCLUDED.updated_at`,
		c.ID, c.AccountID, c.Name, c.Status, c.DailySendLimit,
		nilIfEmpty(c.ValueProp), nilIfEmpty(c.OfferText), nilIfEmpty(c.SendingAccount),
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save campaign %s failed: %w", c.ID, err)
	}
	slog.Debug("PostgresStore.SaveCampaign succeeded", "id", c.ID, "status", c.Status)
	return nil
}

func (s *PostgresStore) GetLead(id string) (*models.Lead, error) {
	row := s.db.QueryRow(`SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lead %s failed: %w", id, err)
	}
	return l, nil
}

func (s *PostgresStore) SaveLead(l *models.Lead) error {
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.Status == "" {
		l.Status = models.LeadStatusNew
	}
	l.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO leads (id, account_id, email, company_name, contact_name, website, industry, location, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   email = EXCLUDED.email, company_name = EXCLUDED.company_name, contact_name = EXCLUDED.contact_name,
		   website = EXCLUDED.website, industry = EXCLUDED.industry, location = EXCLUDED.location,
		   status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		l.ID, l.AccountID, l.Email, l.CompanyName, nilIfEmpty(l.ContactName),
		nilIfEmpty(l.Website), nilIfEmpty(l.Industry), nilIfEmpty(l.Location),
		l.Status, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save lead %s failed: %w", l.ID, err)
	}
	slog.Debug("PostgresStore.SaveLead succeeded", "id", l.ID, "status", l.Status)
	return nil
}

func (s *PostgresStore) AdvanceLeadStatus(id string, proposed models.LeadStatus) error {
	_, err := s.db.Exec(
		`UPDATE leads SET status = $1, updated_at = $2
		 WHERE id = $3
		   AND CASE status WHEN 'replied' THEN 2 WHEN 'emailed' THEN 1 ELSE 0 END <
		       CASE $1 WHEN 'replied' THEN 2 WHEN 'emailed' THEN 1 ELSE 0 END`,
		proposed, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("advance lead %s status failed: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ListIntegrations(accountID string) ([]models.Integration, error) {
	rows, err := s.db.Query(
		`SELECT `+integrationColumns+` FROM integrations WHERE account_id = $1 ORDER BY provider ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list integrations for %s failed: %w", accountID, err)
	}
	defer rows.Close()
	return collectIntegrations(rows)
}

func (s *PostgresStore) ListAllIntegrations() ([]models.Integration, error) {
	rows, err := s.db.Query(`SELECT ` + integrationColumns + ` FROM integrations ORDER BY account_id ASC, provider ASC`)
	if err != nil {
		return nil, fmt.Errorf("list all integrations failed: %w", err)
	}
	defer rows.Close()
	return collectIntegrations(rows)
}

func (s *PostgresStore) SaveIntegration(i *models.Integration) error {
	now := time.Now().UTC()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	i.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO integrations (id, account_id, provider, email, refresh_token, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (account_id, provider) DO UPDATE SET
		   email = EXCLUDED.email, refresh_token = EXCLUDED.refresh_token, updated_at = EXCLUDED.updated_at`,
		i.ID, i.AccountID, i.Provider, i.Email, i.RefreshToken, i.CreatedAt, i.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save integration %s failed: %w", i.ID, err)
	}
	slog.Debug("PostgresStore.SaveIntegration succeeded", "id", i.ID, "provider", i.Provider)
	return nil
}
