// Package docstore holds the cloud plane's document tables: transactions,
// OCR batch jobs, legacy quota counters, and the control record.
// Concurrent writers serialize through conditional writes, never locks.
package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ledger"
)

// ErrNotFound is returned for rows which don't exist.
var ErrNotFound = errors.New("document not found")

// BatchStatus of an OCR batch job.
type BatchStatus string

const (
	BatchProcessing BatchStatus = "PROCESSING"
	BatchSubmitted  BatchStatus = "SUBMITTED"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchFailed     BatchStatus = "FAILED"
)

// Terminal is true of statuses a batch job never leaves.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// BatchJob records one orchestrated OCR submission. IntentId is the true
// primary key: it makes submission exactly-once under retry. JobId is a
// secondary lookup for result handling.
type BatchJob struct {
	IntentId    ids.IntentId `json:"intentId"`
	JobId       ids.JobId    `json:"jobId,omitempty"`
	UserId      ids.UserId   `json:"userId"`
	Status      BatchStatus  `json:"status"`
	SubmitTime  time.Time    `json:"submitTime"`
	ImageCount  int          `json:"imageCount"`
	ModelId     string       `json:"modelId"`
	ManifestUri string       `json:"manifestUri,omitempty"`
	TTL         int64        `json:"ttl,omitempty"` // Epoch seconds.
}

// ControlRecord is the single mutable control row (emergency stop).
type ControlRecord struct {
	EmergencyStop bool      `json:"emergencyStop"`
	Reason        string    `json:"reason,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
	UpdatedBy     string    `json:"updatedBy,omitempty"`
}

// Transactions is the cloud transaction table.
type Transactions interface {
	// PutIfAbsent writes |txn| only if no row with its id exists.
	// A duplicate returns a fault of kind IdempotentDuplicate.
	PutIfAbsent(ctx context.Context, txn *ledger.Transaction) error
	Get(ctx context.Context, user ids.UserId, id ids.TransactionId) (*ledger.Transaction, error)
	// UpdateVersioned writes |txn| only while the stored version equals
	// txn.Version-1. A stale write returns the server's current row and
	// a fault of kind Conflict.
	UpdateVersioned(ctx context.Context, txn *ledger.Transaction) (*ledger.Transaction, error)
	// ListSince returns rows of |user| updated strictly after |cursor|,
	// in updatedAt order, together with the next cursor.
	ListSince(ctx context.Context, user ids.UserId, cursor time.Time, limit int) ([]*ledger.Transaction, time.Time, error)
	// DeleteAll removes every row of |user| and reports how many.
	DeleteAll(ctx context.Context, user ids.UserId) (int, error)
}

// BatchJobs is the OCR job table.
type BatchJobs interface {
	// PutIfAbsent inserts |job| only if its intentId is unseen. The loser
	// of a concurrent race receives a fault of kind IdempotentDuplicate.
	PutIfAbsent(ctx context.Context, job *BatchJob) error
	Get(ctx context.Context, intent ids.IntentId) (*BatchJob, error)
	GetByJobId(ctx context.Context, job ids.JobId) (*BatchJob, error)
	Update(ctx context.Context, job *BatchJob) error
}

// QuotaCounters is the legacy permitless fallback: a server-tracked
// counter per (user, JST date).
type QuotaCounters interface {
	// Increment atomically bumps and returns the counter.
	Increment(ctx context.Context, user ids.UserId, dateJst string) (int64, error)
	Get(ctx context.Context, user ids.UserId, dateJst string) (int64, error)
}

// Control reads and writes the emergency-stop record.
type Control interface {
	Get(ctx context.Context) (ControlRecord, error)
	Set(ctx context.Context, record ControlRecord) error
}
