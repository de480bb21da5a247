package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailrunhq/mailrun/internal/models"
)

const (
	accountColumns     = "id, email, company_name, niche, plan, trial_ends_at, monthly_email_limit, created_at, updated_at"
	campaignColumns    = "id, account_id, name, status, daily_send_limit, value_prop, offer_text, sending_account, created_at, updated_at"
	leadColumns        = "id, account_id, email, company_name, contact_name, website, industry, location, status, created_at, updated_at"
	integrationColumns = "id, account_id, provider, email, refresh_token, created_at, updated_at"
)

func (s *SQLiteStore) GetAccount(id string) (*models.Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s failed: %w", id, err)
	}
	return a, nil
}

func (s *SQLiteStore) SaveAccount(a *models.Account) error {
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
		`INSERT OR REPLACE INTO accounts (id, email, company_name, niche, plan, trial_ends_at, monthly_email_limit, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, nilIfEmpty(a.CompanyName), nilIfEmpty(a.Niche), a.Plan,
		trialEndsAt, a.MonthlyEmailLimit, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save account %s failed: %w", a.ID, err)
	}
	slog.Debug("SQLiteStore.SaveAccount succeeded", "id", a.ID, "plan", a.Plan)
	return nil
}

func (s *SQLiteStore) GetCampaign(id string) (*models.Campaign, error) {
	row := s.db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign %s failed: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteStore) SaveCampaign(c *models.Campaign) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO campaigns (id, account_id, name, status, daily_send_limit, value_prop, offer_text, sending_account, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AccountID, c.Name, c.Status, c.DailySendLimit,
		nilIfEmpty(c.ValueProp), nilIfEmpty(c.OfferText), nilIfEmpty(c.SendingAccount),
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save campaign %s failed: %w", c.ID, err)
	}
	slog.Debug("SQLiteStore.SaveCampaign succeeded", "id", c.ID, "status", c.Status)
	return nil
}

func (s *SQLiteStore) GetLead(id string) (*models.Lead, error) {
	row := s.db.QueryRow(`SELECT `+leadColumns+` FROM leads WHERE id = ?`, id)
	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lead %s failed: %w", id, err)
	}
	return l, nil
}

func (s *SQLiteStore) SaveLead(l *models.Lead) error {
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.Status == "" {
		l.Status = models.LeadStatusNew
	}
	l.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO leads (id, account_id, email, company_name, contact_name, website, industry, location, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.AccountID, l.Email, l.CompanyName, nilIfEmpty(l.ContactName),
		nilIfEmpty(l.Website), nilIfEmpty(l.Industry), nilIfEmpty(l.Location),
		l.Status, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save lead %s failed: %w", l.ID, err)
	}
	slog.Debug("SQLiteStore.SaveLead succeeded", "id", l.ID, "status", l.Status)
	return nil
}

// AdvanceLeadStatus moves a lead's funnel status forward only. The guard is
// expressed in SQL so concurrent dispatcher and reconciler runs cannot
// regress a replied lead back to emailed.
func (s *SQLiteStore) AdvanceLeadStatus(id string, proposed models.LeadStatus) error {
	_, err := s.db.Exec(
		`UPDATE leads SET status = ?, updated_at = ?
		 WHERE id = ?
		   AND CASE status WHEN 'replied' THEN 2 WHEN 'emailed' THEN 1 ELSE 0 END <
		       CASE ? WHEN 'replied' THEN 2 WHEN 'emailed' THEN 1 ELSE 0 END`,
		proposed, time.Now().UTC(), id, proposed,
	)
	if err != nil {
		return fmt.Errorf("advance lead %s status failed: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ListIntegrations(accountID string) ([]models.Integration, error) {
	rows, err := s.db.Query(
		`SELECT `+integrationColumns+` FROM integrations WHERE account_id = ? ORDER BY provider ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list integrations for %s failed: %w", accountID, err)
	}
	defer rows.Close()
	return collectIntegrations(rows)
}

func (s *SQLiteStore) ListAllIntegrations() ([]models.Integration, error) {
	rows, err := s.db.Query(`SELECT ` + integrationColumns + ` FROM integrations ORDER BY account_id ASC, provider ASC`)
	if err != nil {
		return nil, fmt.Errorf("list all integrations failed: %w", err)
	}
	defer rows.Close()
	return collectIntegrations(rows)
}

func (s *SQLiteStore) SaveIntegration(i *models.Integration) error {
	now := time.Now().UTC()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	i.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO integrations (id, account_id, provider, email, refresh_token, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.AccountID, i.Provider, i.Email, i.RefreshToken, i.CreatedAt, i.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save integration %s failed: %w", i.ID, err)
	}
	slog.Debug("SQLiteStore.SaveIntegration succeeded", "id", i.ID, "provider", i.Provider)
	return nil
}

func collectIntegrations(rows *sql.Rows) ([]models.Integration, error) {
	var out []models.Integration
	for rows.Next() {
		i, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate integrations failed: %w", err)
	}
	return out, nil
}
