package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailrunhq/mailrun/internal/models"
	"github.com/mailrunhq/mailrun/internal/util"
)

const messageColumns = "id, account_id, campaign_id, lead_id, direction, status, provider, provider_message_id, thread_id, subject, body, sequence_step, error, created_at, updated_at"

func (s *SQLiteStore) CreateMessage(m *models.Message) error {
	if m.ID == "" {
		m.ID = util.GenerateMessageID()
	}
	if m.Direction == "" {
		m.Direction = models.DirectionOutbound
	}
	if m.Status == "" {
		m.Status = models.MessageStatusQueued
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO messages (id, account_id, campaign_id, lead_id, direction, status, provider, provider_message_id, thread_id, subject, body, sequence_step, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AccountID, nilIfEmpty(m.CampaignID), m.LeadID, m.Direction, m.Status,
		nilIfEmpty(string(m.Provider)), nilIfEmpty(m.ProviderMessageID), nilIfEmpty(m.ThreadID),
		m.Subject, m.Body, m.SequenceStep, nilIfEmpty(m.Error), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create message %s failed: %w", m.ID, err)
	}
	slog.Debug("SQLiteStore.CreateMessage succeeded", "id", m.ID, "leadID", m.LeadID, "status", m.Status)
	return nil
}

func (s *SQLiteStore) GetMessage(id string) (*models.Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) MarkMessageSent(id string, provider models.ProviderKind, providerMessageID, threadID string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET status = 'sent', provider = ?, provider_message_id = ?, thread_id = ?, error = NULL, updated_at = ?
		 WHERE id = ?`,
		provider, providerMessageID, threadID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark message %s sent failed: %w", id, err)
	}
	slog.Debug("SQLiteStore.MarkMessageSent", "id", id, "provider", provider, "threadID", threadID)
	return nil
}

func (s *SQLiteStore) MarkMessageFailed(id string, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET status = 'failed', error = ?, updated_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark message %s failed failed: %w", id, err)
	}
	slog.Debug("SQLiteStore.MarkMessageFailed", "id", id)
	return nil
}

func (s *SQLiteStore) LatestOutboundForLead(leadID string) (*models.Message, error) {
	row := s.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages
		 WHERE lead_id = ? AND direction = 'outbound'
		 ORDER BY created_at DESC LIMIT 1`,
		leadID,
	)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) ListOutboundSentForProvider(accountID string, provider models.ProviderKind) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages
		 WHERE account_id = ? AND provider = ? AND direction = 'outbound'
		   AND status IN ('sent', 'delivered') AND thread_id IS NOT NULL
		 ORDER BY created_at ASC`,
		accountID, provider,
	)
	if err != nil {
		return nil, fmt.Errorf("list outbound sent for %s/%s failed: %w", accountID, provider, err)
	}
	return collectMessages(rows)
}

func (s *SQLiteStore) CountOutboundSentSince(accountID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages
		 WHERE account_id = ? AND direction = 'outbound' AND status IN ('sent', 'delivered') AND created_at >= ?`,
		accountID, since.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count outbound sent for %s failed: %w", accountID, err)
	}
	return count, nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages failed: %w", err)
	}
	return out, nil
}
