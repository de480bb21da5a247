package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mailrunhq/mailrun/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(r rowScanner) (*models.Account, error) {
	var a models.Account
	var companyName, niche sql.NullString
	var trialEndsAt sql.NullTime
	err := r.Scan(&a.ID, &a.Email, &companyName, &niche, &a.Plan, &trialEndsAt,
		&a.MonthlyEmailLimit, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.CompanyName = companyName.String
	a.Niche = niche.String
	if trialEndsAt.Valid {
		t := trialEndsAt.Time
		a.TrialEndsAt = &t
	}
	return &a, nil
}

func scanCampaign(r rowScanner) (*models.Campaign, error) {
	var c models.Campaign
	var valueProp, offerText, sendingAccount sql.NullString
	err := r.Scan(&c.ID, &c.AccountID, &c.Name, &c.Status, &c.DailySendLimit,
		&valueProp, &offerText, &sendingAccount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.ValueProp = valueProp.String
	c.OfferText = offerText.String
	c.SendingAccount = sendingAccount.String
	return &c, nil
}

func scanLead(r rowScanner) (*models.Lead, error) {
	var l models.Lead
	var contactName, website, industry, location sql.NullString
	err := r.Scan(&l.ID, &l.AccountID, &l.Email, &l.CompanyName, &contactName,
		&website, &industry, &location, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.ContactName = contactName.String
	l.Website = website.String
	l.Industry = industry.String
	l.Location = location.String
	return &l, nil
}

func scanEnrollment(r rowScanner) (*models.Enrollment, error) {
	var e models.Enrollment
	var lastError sql.NullString
	var lastSentAt, claimedAt sql.NullTime
	err := r.Scan(&e.ID, &e.CampaignID, &e.LeadID, &e.State, &e.SequenceStep,
		&e.NextSendAt, &lastSentAt, &e.Attempts, &lastError, &claimedAt,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan enrollment failed: %w", err)
	}
	e.LastError = lastError.String
	if lastSentAt.Valid {
		t := lastSentAt.Time
		e.LastSentAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		e.ClaimedAt = &t
	}
	return &e, nil
}

func scanMessage(r rowScanner) (*models.Message, error) {
	var m models.Message
	var campaignID, provider, providerMessageID, threadID, errMsg sql.NullString
	err := r.Scan(&m.ID, &m.AccountID, &campaignID, &m.LeadID, &m.Direction,
		&m.Status, &provider, &providerMessageID, &threadID, &m.Subject,
		&m.Body, &m.SequenceStep, &errMsg, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan message failed: %w", err)
	}
	m.CampaignID = campaignID.String
	m.Provider = models.ProviderKind(provider.String)
	m.ProviderMessageID = providerMessageID.String
	m.ThreadID = threadID.String
	m.Error = errMsg.String
	return &m, nil
}

func scanIntegration(r rowScanner) (*models.Integration, error) {
	var i models.Integration
	err := r.Scan(&i.ID, &i.AccountID, &i.Provider, &i.Email, &i.RefreshToken,
		&i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan integration failed: %w", err)
	}
	return &i, nil
}

// StartOfMonth returns midnight UTC on the first day of now's calendar month.
// Monthly quota counting starts here.
func StartOfMonth(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// StartOfDay returns midnight UTC on now's calendar day. Daily campaign caps
// count from here.
func StartOfDay(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
