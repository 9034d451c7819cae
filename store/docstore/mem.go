package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ledger"
)

// MemTransactions is the in-memory Transactions test seam.
type MemTransactions struct {
	mu   sync.Mutex
	rows map[ids.TransactionId]*ledger.Transaction
	// ConditionalRejects counts idempotent-duplicate put attempts.
	ConditionalRejects int
}

var _ Transactions = &MemTransactions{}

func NewMemTransactions() *MemTransactions {
	return &MemTransactions{rows: make(map[ids.TransactionId]*ledger.Transaction)}
}

func (m *MemTransactions) PutIfAbsent(_ context.Context, txn *ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[txn.Id]; ok {
		m.ConditionalRejects++
		return fault.New(fault.IdempotentDuplicate, "transaction %s already exists", txn.Id)
	}
	var clone = *txn
	m.rows[txn.Id] = &clone
	return nil
}

func (m *MemTransactions) Get(_ context.Context, user ids.UserId, id ids.TransactionId) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var row, ok = m.rows[id]
	if !ok || row.UserId != user {
		return nil, ErrNotFound
	}
	var clone = *row
	return &clone, nil
}

func (m *MemTransactions) UpdateVersioned(_ context.Context, txn *ledger.Transaction) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stored, ok = m.rows[txn.Id]
	if !ok {
		// First write of a client-created row.
		if txn.Version != 1 {
			return nil, fault.New(fault.Conflict, "transaction %s does not exist at version %d", txn.Id, txn.Version)
		}
		var clone = *txn
		m.rows[txn.Id] = &clone
		return &clone, nil
	}
	if stored.Version != txn.Version-1 {
		var current = *stored
		return &current, fault.New(fault.Conflict,
			"transaction %s is at version %d, not %d", txn.Id, stored.Version, txn.Version-1)
	}
	var clone = *txn
	m.rows[txn.Id] = &clone
	return &clone, nil
}

func (m *MemTransactions) ListSince(_ context.Context, user ids.UserId, cursor time.Time, limit int) ([]*ledger.Transaction, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*ledger.Transaction
	for _, row := range m.rows {
		if row.UserId == user && row.UpdatedAt.After(cursor) {
			var clone = *row
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].Id < out[j].Id
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	var next = cursor
	for _, row := range out {
		if row.UpdatedAt.After(next) {
			next = row.UpdatedAt
		}
	}
	return out, next, nil
}

func (m *MemTransactions) DeleteAll(_ context.Context, user ids.UserId) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for id, row := range m.rows {
		if row.UserId == user {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

// MemBatchJobs is the in-memory BatchJobs test seam.
type MemBatchJobs struct {
	mu   sync.Mutex
	rows map[ids.IntentId]*BatchJob
}

var _ BatchJobs = &MemBatchJobs{}

func NewMemBatchJobs() *MemBatchJobs {
	return &MemBatchJobs{rows: make(map[ids.IntentId]*BatchJob)}
}

func (m *MemBatchJobs) PutIfAbsent(_ context.Context, job *BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[job.IntentId]; ok {
		return fault.New(fault.IdempotentDuplicate, "batch job %s already exists", job.IntentId)
	}
	var clone = *job
	m.rows[job.IntentId] = &clone
	return nil
}

func (m *MemBatchJobs) Get(_ context.Context, intent ids.IntentId) (*BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var row, ok = m.rows[intent]
	if !ok {
		return nil, ErrNotFound
	}
	var clone = *row
	return &clone, nil
}

func (m *MemBatchJobs) GetByJobId(_ context.Context, job ids.JobId) (*BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.JobId == job {
			var clone = *row
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemBatchJobs) Update(_ context.Context, job *BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[job.IntentId]; !ok {
		return ErrNotFound
	}
	var clone = *job
	m.rows[job.IntentId] = &clone
	return nil
}

// MemQuotaCounters is the in-memory QuotaCounters test seam.
type MemQuotaCounters struct {
	mu     sync.Mutex
	counts map[string]int64
}

var _ QuotaCounters = &MemQuotaCounters{}

func NewMemQuotaCounters() *MemQuotaCounters {
	return &MemQuotaCounters{counts: make(map[string]int64)}
}

func (m *MemQuotaCounters) Increment(_ context.Context, user ids.UserId, dateJst string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var key = string(user) + "#" + dateJst
	m.counts[key]++
	return m.counts[key], nil
}

func (m *MemQuotaCounters) Get(_ context.Context, user ids.UserId, dateJst string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[string(user)+"#"+dateJst], nil
}

// MemControl is the in-memory Control test seam.
type MemControl struct {
	mu     sync.Mutex
	record ControlRecord
}

var _ Control = &MemControl{}

func NewMemControl() *MemControl { return &MemControl{} }

func (m *MemControl) Get(_ context.Context) (ControlRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record, nil
}

func (m *MemControl) Set(_ context.Context, record ControlRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = record
	return nil
}
