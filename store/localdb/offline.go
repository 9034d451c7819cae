package localdb

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/yorutsuke/yorutsuke/ids"
)

// SyncAction is one queued mutation awaiting network connectivity.
// Its Id doubles as the idempotency key: re-queueing the same action
// is a no-op.
type SyncAction struct {
	Id            string
	Type          string
	TransactionId ids.TransactionId
	Timestamp     time.Time
	Payload       json.RawMessage
}

// EnqueueAction appends |action| to the offline queue, deduplicating by Id.
func (d *DB) EnqueueAction(action SyncAction) error {
	var _, err = d.db.Exec(`
		INSERT OR IGNORE INTO offline_queue (id, type, transaction_id, timestamp, payload)
		VALUES (?, ?, ?, ?, ?);`,
		action.Id, action.Type, action.TransactionId,
		action.Timestamp.UnixMilli(), []byte(action.Payload),
	)
	if err != nil {
		return fmt.Errorf("enqueueing sync action %s: %w", action.Id, err)
	}
	return nil
}

// ListActions returns all queued actions, oldest first.
func (d *DB) ListActions() ([]SyncAction, error) {
	rows, err := d.db.Query(`
		SELECT id, type, transaction_id, timestamp, payload
		FROM offline_queue ORDER BY timestamp ASC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("listing sync actions: %w", err)
	}
	defer rows.Close()

	var out []SyncAction
	for rows.Next() {
		var action SyncAction
		var ts int64
		var payload []byte
		if err := rows.Scan(&action.Id, &action.Type, &action.TransactionId, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scanning sync action: %w", err)
		}
		action.Timestamp = time.UnixMilli(ts)
		action.Payload = payload
		out = append(out, action)
	}
	return out, rows.Err()
}

// DeleteAction removes a drained action from the queue.
func (d *DB) DeleteAction(id string) error {
	var _, err = d.db.Exec(`DELETE FROM offline_queue WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("deleting sync action %s: %w", id, err)
	}
	return nil
}

// CountActions returns the queue depth.
func (d *DB) CountActions() (int, error) {
	var n int
	var err = d.db.QueryRow(`SELECT COUNT(*) FROM offline_queue;`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting sync actions: %w", err)
	}
	return n, nil
}
