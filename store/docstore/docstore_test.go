package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ledger"
)

func testTxn(id string, version int64, updatedAt time.Time) *ledger.Transaction {
	return &ledger.Transaction{
		Id:        ids.TransactionId(id),
		UserId:    "device-abc",
		Amount:    1200,
		Type:      ledger.TypeExpense,
		Date:      "2026-01-10",
		Merchant:  "セブンイレブン",
		Category:  "食費",
		Status:    ledger.StatusUnconfirmed,
		Version:   version,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
}

func TestTransactionsPutIfAbsent(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemTransactions()
	var at = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutIfAbsent(ctx, testTxn("tx-100-a", 1, at)))

	// A second put of the same id is rejected without clobbering.
	var dup = testTxn("tx-100-a", 1, at.Add(time.Hour))
	dup.Amount = 9999
	var err = store.PutIfAbsent(ctx, dup)
	require.Equal(t, fault.IdempotentDuplicate, fault.KindOf(err))
	require.Equal(t, 1, store.ConditionalRejects)

	stored, err := store.Get(ctx, "device-abc", "tx-100-a")
	require.NoError(t, err)
	require.Equal(t, ids.Money(1200), stored.Amount)
}

func TestTransactionsUpdateVersioned(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemTransactions()
	var at = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	// An absent row accepts only version 1.
	var _, err = store.UpdateVersioned(ctx, testTxn("tx-100-a", 3, at))
	require.Equal(t, fault.Conflict, fault.KindOf(err))
	_, err = store.UpdateVersioned(ctx, testTxn("tx-100-a", 1, at))
	require.NoError(t, err)

	// A sequential update advances.
	var next = testTxn("tx-100-a", 2, at.Add(time.Minute))
	next.Amount = 1500
	_, err = store.UpdateVersioned(ctx, next)
	require.NoError(t, err)

	// A stale write loses and surfaces the current row for rebase.
	var stale = testTxn("tx-100-a", 2, at.Add(2*time.Minute))
	current, err := store.UpdateVersioned(ctx, stale)
	require.Equal(t, fault.Conflict, fault.KindOf(err))
	require.NotNil(t, current)
	require.Equal(t, int64(2), current.Version)
	require.Equal(t, ids.Money(1500), current.Amount)
}

func TestTransactionsListSince(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemTransactions()
	var base = time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"tx-1-a", "tx-2-b", "tx-3-c", "tx-4-d"} {
		require.NoError(t, store.PutIfAbsent(ctx, testTxn(id, 1, base.Add(time.Duration(i)*time.Hour))))
	}
	var other = testTxn("tx-9-z", 1, base.Add(10*time.Hour))
	other.UserId = "device-other"
	require.NoError(t, store.PutIfAbsent(ctx, other))

	// Strictly-after semantics: the row at the cursor itself is excluded.
	txns, next, err := store.ListSince(ctx, "device-abc", base.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	require.Equal(t, ids.TransactionId("tx-3-c"), txns[0].Id)
	require.Equal(t, base.Add(3*time.Hour), next)

	// Resuming from the returned cursor yields nothing new.
	txns, _, err = store.ListSince(ctx, "device-abc", next, 0)
	require.NoError(t, err)
	require.Empty(t, txns)

	// A limit truncates but still advances the cursor to the last row seen.
	txns, next, err = store.ListSince(ctx, "device-abc", time.Time{}, 3)
	require.NoError(t, err)
	require.Len(t, txns, 3)
	require.Equal(t, base.Add(2*time.Hour), next)
}

func TestTransactionsDeleteAll(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemTransactions()
	var at = time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutIfAbsent(ctx, testTxn("tx-1-a", 1, at)))
	require.NoError(t, store.PutIfAbsent(ctx, testTxn("tx-2-b", 1, at)))
	var other = testTxn("tx-9-z", 1, at)
	other.UserId = "device-other"
	require.NoError(t, store.PutIfAbsent(ctx, other))

	n, err := store.DeleteAll(ctx, "device-abc")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = store.Get(ctx, "device-abc", "tx-1-a")
	require.Equal(t, ErrNotFound, err)
	_, err = store.Get(ctx, "device-other", "tx-9-z")
	require.NoError(t, err)
}

func TestBatchJobsLifecycle(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemBatchJobs()
	var job = &BatchJob{
		IntentId:   "5e0ab5a0-1111-4222-8333-444455556666",
		UserId:     "user-1",
		Status:     BatchProcessing,
		SubmitTime: time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC),
		ImageCount: 12,
		ModelId:    "anthropic.claude-3-haiku-20240307-v1:0",
	}
	require.NoError(t, store.PutIfAbsent(ctx, job))

	// Resubmitting the same intent is exactly-once.
	var err = store.PutIfAbsent(ctx, job)
	require.Equal(t, fault.IdempotentDuplicate, fault.KindOf(err))

	job.JobId = "job-abc123"
	job.Status = BatchSubmitted
	require.NoError(t, store.Update(ctx, job))

	byJob, err := store.GetByJobId(ctx, "job-abc123")
	require.NoError(t, err)
	require.Equal(t, job.IntentId, byJob.IntentId)
	require.False(t, byJob.Status.Terminal())

	byJob.Status = BatchCompleted
	require.NoError(t, store.Update(ctx, byJob))
	final, err := store.Get(ctx, job.IntentId)
	require.NoError(t, err)
	require.True(t, final.Status.Terminal())

	_, err = store.GetByJobId(ctx, "job-unknown")
	require.Equal(t, ErrNotFound, err)
}

func TestQuotaCounters(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemQuotaCounters()

	n, err := store.Increment(ctx, "device-abc", "2026-01-10")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	n, err = store.Increment(ctx, "device-abc", "2026-01-10")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	// Counters are scoped per user and per JST date.
	n, err = store.Get(ctx, "device-abc", "2026-01-11")
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = store.Get(ctx, "device-other", "2026-01-10")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestControlRecord(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemControl()

	record, err := store.Get(ctx)
	require.NoError(t, err)
	require.False(t, record.EmergencyStop)

	require.NoError(t, store.Set(ctx, ControlRecord{
		EmergencyStop: true,
		Reason:        "cost anomaly",
		UpdatedAt:     time.Date(2026, 1, 10, 4, 0, 0, 0, time.UTC),
		UpdatedBy:     "ops",
	}))
	record, err = store.Get(ctx)
	require.NoError(t, err)
	require.True(t, record.EmergencyStop)
	require.Equal(t, "cost anomaly", record.Reason)
}
