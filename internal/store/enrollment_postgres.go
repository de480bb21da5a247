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

func (s *PostgresStore) Enroll(campaignID, leadID string, nextSendAt time.Time) (*models.Enrollment, error) {
	id := util.GenerateEnrollmentID()
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO enrollments (id, campaign_id, lead_id, state, sequence_step, next_send_at, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, 'pending', 1, $4, 0, $5, $6)
		 ON CONFLICT (campaign_id, lead_id) DO NOTHING`,
		id, campaignID, leadID, nextSendAt.UTC(), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("enroll %s/%s failed: %w", campaignID, leadID, err)
	}
	return s.GetEnrollment(campaignID, leadID)
}

func (s *PostgresStore) GetEnrollment(campaignID, leadID string) (*models.Enrollment, error) {
	row := s.db.QueryRow(
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE campaign_id = $1 AND lead_id = $2`,
		campaignID, leadID,
	)
	e, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// ClaimDueEnrollments claims due rows in one statement. FOR UPDATE SKIP
// LOCKED lets overlapping dispatcher runs partition the due set instead of
// blocking or double-claiming.
func (s *PostgresStore) ClaimDueEnrollments(now time.Time, limit int) ([]models.Enrollment, error) {
	now = now.UTC()
	rows, err := s.db.Query(
		`WITH due AS (
		   SELECT id FROM enrollments
		   WHERE claimed_at IS NULL AND state IN ('pending', 'sent') AND next_send_at <= $1
		   ORDER BY next_send_at ASC
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE enrollments e
		 SET claimed_at = $1, updated_at = $1
		 FROM due
		 WHERE e.id = due.id
		 RETURNING e.id, e.campaign_id, e.lead_id, e.state, e.sequence_step, e.next_send_at,
		           e.last_sent_at, e.attempts, e.last_error, e.claimed_at, e.created_at, e.updated_at`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due enrollments failed: %w", err)
	}
	claimed, err := collectEnrollments(rows)
	if err != nil {
		return nil, err
	}
	slog.Debug("PostgresStore.ClaimDueEnrollments", "claimed", len(claimed))
	return claimed, nil
}

func (s *PostgresStore) ReleaseClaim(id string) error {
	_, err := s.db.Exec(
		`UPDATE enrollments SET claimed_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("release claim %s failed: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) CommitSendSuccess(id string, state models.EnrollmentState, step int, nextSendAt, sentAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE enrollments
		 SET state = $1, sequence_step = GREATEST(sequence_step, $2), next_send_at = GREATEST(next_send_at, $3),
		     last_sent_at = $4, attempts = 0, last_error = NULL, claimed_at = NULL, updated_at = $5
		 WHERE id = $6`,
		state, step, nextSendAt.UTC(), sentAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("commit send success %s failed: %w", id, err)
	}
	slog.Debug("PostgresStore.CommitSendSuccess", "id", id, "state", state, "step", step)
	return nil
}

func (s *PostgresStore) ReleaseFailedSend(id string, state models.EnrollmentState, nextSendAt time.Time, attempts int, lastErr string) error {
	_, err := s.db.Exec(
		`UPDATE enrollments
		 SET state = $1, next_send_at = GREATEST(next_send_at, $2), attempts = $3, last_error = $4,
		     claimed_at = NULL, updated_at = $5
		 WHERE id = $6`,
		state, nextSendAt.UTC(), attempts, nilIfEmpty(lastErr), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("release failed send %s failed: %w", id, err)
	}
	slog.Debug("PostgresStore.ReleaseFailedSend", "id", id, "state", state, "attempts", attempts)
	return nil
}

func (s *PostgresStore) MarkEnrollmentReplied(campaignID, leadID string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE enrollments SET state = 'replied', claimed_at = NULL, updated_at = $1
		 WHERE campaign_id = $2 AND lead_id = $3 AND state IN ('pending', 'sent')`,
		now.UTC(), campaignID, leadID,
	)
	if err != nil {
		return fmt.Errorf("mark enrollment replied %s/%s failed: %w", campaignID, leadID, err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleClaims(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE enrollments SET claimed_at = NULL, updated_at = $1
		 WHERE claimed_at IS NOT NULL AND claimed_at < $2`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale claims failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleClaims", "requeued", n)
	}
	return int(n), nil
}
