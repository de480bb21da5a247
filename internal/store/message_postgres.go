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

func (s *PostgresStore) CreateMessage(m *models.Message) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		m.ID, m.AccountID, nilIfEmpty(m.CampaignID), m.LeadID, m.Direction, m.Status,
		nilIfEmpty(string(m.Provider)), nilIfEmpty(m.ProviderMessageID), nilIfEmpty(m.ThreadID),
		m.Subject, m.Body, m.SequenceStep, nilIfEmpty(m.Error), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create message %s failed: %w", m.ID, err)
	}
	slog.Debug("PostgresStore.CreateMessage succeeded", "id", m.ID, "leadID", m.LeadID, "status", m.Status)
	return nil
}

func (s *PostgresStore) GetMessage(id string) (*models.Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) MarkMessageSent(id string, provider models.ProviderKind, providerMessageID, threadID string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET status = 'sent', provider = $1, provider_message_id = $2, thread_id = $3, error = NULL, updated_at = $4
		 WHERE id = $5`,
		provider, providerMessageID, threadID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark message %s sent failed: %w", id, err)
	}
	slog.Debug("PostgresStore.MarkMessageSent", "id", id, "provider", provider, "threadID", threadID)
	return nil
}

func (s *PostgresStore) MarkMessageFailed(id string, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET status = 'failed', error = $1, updated_at = $2 WHERE id = $3`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark message %s failed failed: %w", id, err)
	}
	slog.Debug("PostgresStore.MarkMessageFailed", "id", id)
	return nil
}

func (s *PostgresStore) LatestOutboundForLead(leadID string) (*models.Message, error) {
	row := s.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages
		 WHERE lead_id = $1 AND direction = 'outbound'
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

func (s *PostgresStore) ListOutboundSentForProvider(accountID string, provider models.ProviderKind) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages
		 WHERE account_id = $1 AND provider = $2 AND direction = 'outbound'
		   AND status IN ('sent', 'delivered') AND thread_id IS NOT NULL
		 ORDER BY created_at ASC`,
		accountID, provider,
	)
	if err != nil {
		return nil, fmt.Errorf("list outbound sent for %s/%s failed: %w", accountID, provider, err)
	}
	return collectMessages(rows)
}

func (s *PostgresStore) CountOutboundSentSince(accountID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages
		 WHERE account_id = $1 AND direction = 'outbound' AND status IN ('sent', 'delivered') AND created_at >= $2`,
		accountID, since.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count outbound sent for %s failed: %w", accountID, err)
	}
	return count, nil
}

// RecordReplyEvent inserts the idempotency record for a detected reply.
func (s *PostgresStore) RecordReplyEvent(accountID, messageID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO reply_events (id, account_id, message_id, type, created_at)
		 VALUES ($1, $2, $3, 'reply_detected', $4)
		 ON CONFLICT (message_id, type) DO NOTHING`,
		util.GenerateEventID(), accountID, messageID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record reply event for %s failed: %w", messageID, err)
	}
	n, _ := res.RowsAffected()
	inserted := n == 1
	slog.Debug("PostgresStore.RecordReplyEvent", "messageID", messageID, "inserted", inserted)
	return inserted, nil
}
