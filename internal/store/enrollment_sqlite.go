package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailrunhq/mailrun/internal/models"
	"github.com/mailrunhq/mailrun/internal/sequence"
	"github.com/mailrunhq/mailrun/internal/util"
)

const enrollmentColumns = "id, campaign_id, lead_id, state, sequence_step, next_send_at, last_sent_at, attempts, last_error, claimed_at, created_at, updated_at"

func (s *SQLiteStore) Enroll(campaignID, leadID string, nextSendAt time.Time) (*models.Enrollment, error) {
	existing, err := s.GetEnrollment(campaignID, leadID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		slog.Debug("SQLiteStore.Enroll: pair already enrolled", "campaignID", campaignID, "leadID", leadID)
		return existing, nil
	}

	id := util.GenerateEnrollmentID()
	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO enrollments (id, campaign_id, lead_id, state, sequence_step, next_send_at, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', 1, ?, 0, ?, ?)`,
		id, campaignID, leadID, nextSendAt.UTC(), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("enroll %s/%s failed: %w", campaignID, leadID, err)
	}
	slog.Debug("SQLiteStore.Enroll succeeded", "id", id, "campaignID", campaignID, "leadID", leadID)
	return s.GetEnrollment(campaignID, leadID)
}

func (s *SQLiteStore) GetEnrollment(campaignID, leadID string) (*models.Enrollment, error) {
	row := s.db.QueryRow(
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE campaign_id = ? AND lead_id = ?`,
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

// ClaimDueEnrollments selects due candidates and claims each with a
// conditional update. A row counts as claimed only when the update still saw
// it unclaimed and due, so overlapping dispatcher runs cannot claim the same
// enrollment twice.
func (s *SQLiteStore) ClaimDueEnrollments(now time.Time, limit int) ([]models.Enrollment, error) {
	now = now.UTC()
	rows, err := s.db.Query(
		`SELECT `+enrollmentColumns+` FROM enrollments
		 WHERE claimed_at IS NULL AND state IN ('pending', 'sent') AND next_send_at <= ?
		 ORDER BY next_send_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due enrollments failed: %w", err)
	}
	candidates, err := collectEnrollments(rows)
	if err != nil {
		return nil, err
	}

	var claimed []models.Enrollment
	for _, e := range candidates {
		// The SQL predicate and sequence.IsDue encode the same rule; the
		// recheck keeps the scanned row honest against the claim clock.
		if !sequence.IsDue(e, now) {
			continue
		}
		res, err := s.db.Exec(
			`UPDATE enrollments SET claimed_at = ?, updated_at = ?
			 WHERE id = ? AND claimed_at IS NULL AND state IN ('pending', 'sent') AND next_send_at <= ?`,
			now, now, e.ID, now,
		)
		if err != nil {
			return nil, fmt.Errorf("claim enrollment %s failed: %w", e.ID, err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			// Another run got there first.
			slog.Debug("SQLiteStore.ClaimDueEnrollments: lost claim race", "id", e.ID)
			continue
		}
		t := now
		e.ClaimedAt = &t
		claimed = append(claimed, e)
	}
	slog.Debug("SQLiteStore.ClaimDueEnrollments", "candidates", len(candidates), "claimed", len(claimed))
	return claimed, nil
}

func (s *SQLiteStore) ReleaseClaim(id string) error {
	_, err := s.db.Exec(
		`UPDATE enrollments SET claimed_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("release claim %s failed: %w", id, err)
	}
	return nil
}

// CommitSendSuccess applies a successful-send transition. next_send_at only
// moves forward; MAX guards against a stale transition computed from an old
// row snapshot.
func (s *SQLiteStore) CommitSendSuccess(id string, state models.EnrollmentState, step int, nextSendAt, sentAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE enrollments
		 SET state = ?, sequence_step = MAX(sequence_step, ?), next_send_at = MAX(next_send_at, ?),
		     last_sent_at = ?, attempts = 0, last_error = NULL, claimed_at = NULL, updated_at = ?
		 WHERE id = ?`,
		state, step, nextSendAt.UTC(), sentAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("commit send success %s failed: %w", id, err)
	}
	slog.Debug("SQLiteStore.CommitSendSuccess", "id", id, "state", state, "step", step)
	return nil
}

func (s *SQLiteStore) ReleaseFailedSend(id string, state models.EnrollmentState, nextSendAt time.Time, attempts int, lastErr string) error {
	_, err := s.db.Exec(
		`UPDATE enrollments
		 SET state = ?, next_send_at = MAX(next_send_at, ?), attempts = ?, last_error = ?,
		     claimed_at = NULL, updated_at = ?
		 WHERE id = ?`,
		state, nextSendAt.UTC(), attempts, nilIfEmpty(lastErr), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("release failed send %s failed: %w", id, err)
	}
	slog.Debug("SQLiteStore.ReleaseFailedSend", "id", id, "state", state, "attempts", attempts)
	return nil
}

// MarkEnrollmentReplied terminally closes an enrollment. Already-terminal
// states are left untouched so an exhausted enrollment does not flip.
func (s *SQLiteStore) MarkEnrollmentReplied(campaignID, leadID string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE enrollments SET state = 'replied', claimed_at = NULL, updated_at = ?
		 WHERE campaign_id = ? AND lead_id = ? AND state IN ('pending', 'sent')`,
		now.UTC(), campaignID, leadID,
	)
	if err != nil {
		return fmt.Errorf("mark enrollment replied %s/%s failed: %w", campaignID, leadID, err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleClaims(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE enrollments SET claimed_at = NULL, updated_at = ?
		 WHERE claimed_at IS NOT NULL AND claimed_at < ?`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale claims failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleClaims", "requeued", n)
	}
	return int(n), nil
}

func collectEnrollments(rows *sql.Rows) ([]models.Enrollment, error) {
	defer rows.Close()
	var out []models.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrollments failed: %w", err)
	}
	return out, nil
}
