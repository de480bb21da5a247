package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mailrunhq/mailrun/internal/util"
)

// RecordReplyEvent inserts the idempotency record for a detected reply.
// The UNIQUE (message_id, type) index makes the insert a no-op when an event
// already exists; RowsAffected distinguishes the two outcomes.
func (s *SQLiteStore) RecordReplyEvent(accountID, messageID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO reply_events (id, account_id, message_id, type, created_at)
		 VALUES (?, ?, ?, 'reply_detected', ?)`,
		util.GenerateEventID(), accountID, messageID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record reply event for %s failed: %w", messageID, err)
	}
	n, _ := res.RowsAffected()
	inserted := n == 1
	slog.Debug("SQLiteStore.RecordReplyEvent", "messageID", messageID, "inserted", inserted)
	return inserted, nil
}
