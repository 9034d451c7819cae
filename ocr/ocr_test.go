package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ledger"
	"github.com/yorutsuke/yorutsuke/ops"
	"github.com/yorutsuke/yorutsuke/store/docstore"
	"github.com/yorutsuke/yorutsuke/store/object"
)

type nopPublisher struct{}

func (nopPublisher) PublishLog(ops.Log) {}
func (nopPublisher) Level() ops.Level   { return ops.LevelDebug }

type fakeVision struct {
	text      string
	merchants []string
}

func (f *fakeVision) ExtractReceipt(_ context.Context, _ []byte, _ string, merchants []string) (string, error) {
	f.merchants = merchants
	return f.text, nil
}

type fakeSubmitter struct {
	calls    int
	manifest string
}

func (f *fakeSubmitter) SubmitBatch(_ context.Context, _ ids.IntentId, _, manifestUri, _ string) (ids.JobId, error) {
	f.calls++
	f.manifest = manifestUri
	return "job-fake-1", nil
}

const validExtraction = `{"amount": 1200, "type": "expense", "date": "2026-01-10",
	"merchant": "Lawson", "category": "groceries", "description": "snacks"}`

var testNow = func() time.Time {
	return time.Date(2026, 1, 10, 23, 30, 0, 0, time.UTC) // 2026-01-11 in JST.
}

func TestInstantHappyPath(t *testing.T) {
	var ctx = context.Background()
	var objects = object.NewMemStore()
	var txns = docstore.NewMemTransactions()

	var key = "uploads/device-abc/1700000000000-receipt.jpg"
	require.NoError(t, objects.Put(ctx, key, []byte("jpeg bytes"),
		object.UploadMetadata("trace-1", "device-abc")))

	var p = &InstantProcessor{
		Objects:   objects,
		Txns:      txns,
		Vision:    &fakeVision{text: validExtraction},
		Publisher: nopPublisher{},
		Now:       testNow,
	}
	require.NoError(t, p.HandleObjectCreated(ctx, key))

	txn, err := txns.Get(ctx, "device-abc", "tx-1700000000000-receipt")
	require.NoError(t, err)
	require.Equal(t, ids.ImageId("1700000000000-receipt"), txn.ImageId)
	require.Equal(t, ledger.StatusUnconfirmed, txn.Status)
	require.Equal(t, ids.Money(1200), txn.Amount)
	require.Equal(t, int64(1), txn.Version)
	// Guest rows carry a TTL.
	require.Equal(t, testNow().Add(ledger.GuestTTL).Unix(), txn.TTL)

	// The object migrated to the JST-dated processed/ partition.
	_, err = objects.Get(ctx, key)
	require.ErrorIs(t, err, object.ErrNotFound)
	moved, err := objects.Get(ctx, "processed/2026-01-11/device-abc/1700000000000-receipt.jpg")
	require.NoError(t, err)
	require.Equal(t, []byte("jpeg bytes"), moved.Body)
}

func TestInstantAirlockFallback(t *testing.T) {
	var ctx = context.Background()
	var objects = object.NewMemStore()
	var txns = docstore.NewMemTransactions()

	var key = "uploads/device-abc/1700000000000-receipt.jpg"
	require.NoError(t, objects.Put(ctx, key, []byte("jpeg"), nil))

	var p = &InstantProcessor{
		Objects:   objects,
		Txns:      txns,
		Vision:    &fakeVision{text: "I could not read this receipt."},
		Publisher: nopPublisher{},
		Now:       testNow,
	}
	require.NoError(t, p.HandleObjectCreated(ctx, key))

	txn, err := txns.Get(ctx, "device-abc", "tx-1700000000000-receipt")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusNeedsReview, txn.Status)
	require.Contains(t, txn.ReviewNotes, "not valid JSON")
}

func TestInstantReprocessingIsIdempotent(t *testing.T) {
	var ctx = context.Background()
	var objects = object.NewMemStore()
	var txns = docstore.NewMemTransactions()

	var key = "uploads/device-abc/1700000000000-receipt.jpg"
	var p = &InstantProcessor{
		Objects:   objects,
		Txns:      txns,
		Vision:    &fakeVision{text: validExtraction},
		Publisher: nopPublisher{},
		Now:       testNow,
	}

	require.NoError(t, objects.Put(ctx, key, []byte("jpeg"), nil))
	require.NoError(t, p.HandleObjectCreated(ctx, key))

	// A redelivered event re-runs against the same key: the insert is
	// conditional and does not clobber the existing row.
	require.NoError(t, objects.Put(ctx, key, []byte("jpeg"), nil))
	require.NoError(t, p.HandleObjectCreated(ctx, key))
	require.Equal(t, 1, txns.ConditionalRejects)
}

func batchFixture(t *testing.T, count int) (*object.MemStore, *docstore.MemBatchJobs, *fakeSubmitter, *Orchestrator, SubmitInput) {
	t.Helper()
	var ctx = context.Background()
	var objects = object.NewMemStore()
	var jobs = docstore.NewMemBatchJobs()
	var submitter = &fakeSubmitter{}

	var input = SubmitInput{
		IntentId: "11111111-2222-4333-8444-555566667777",
		UserId:   "user-1",
		ModelId:  "anthropic.claude-3-haiku-20240307-v1:0",
	}
	for i := 0; i != count; i++ {
		var id = ids.ImageId(fmt.Sprintf("%d-img%03d", 1700000000000+i, i))
		input.PendingImageIds = append(input.PendingImageIds, id)
		require.NoError(t, objects.Put(ctx, "uploads/user-1/"+string(id)+".webp",
			[]byte("webp "+string(id)), nil))
	}

	var orch = &Orchestrator{
		Jobs:       jobs,
		Objects:    objects,
		Submitter:  submitter,
		Publisher:  nopPublisher{},
		StorageUri: "s3://yorutsuke-receipts",
		Now:        testNow,
	}
	return objects, jobs, submitter, orch, input
}

func TestBatchSubmitExactlyOnce(t *testing.T) {
	var ctx = context.Background()
	var objects, jobs, submitter, orch, input = batchFixture(t, MinBatchImages)

	receipt, err := orch.Submit(ctx, input)
	require.NoError(t, err)
	require.Equal(t, ids.JobId("job-fake-1"), receipt.JobId)
	require.Equal(t, "/batch/jobs/job-fake-1", receipt.StatusUrl)
	require.False(t, receipt.Duplicate)
	require.Equal(t, 1, submitter.calls)

	job, err := jobs.Get(ctx, input.IntentId)
	require.NoError(t, err)
	require.Equal(t, docstore.BatchSubmitted, job.Status)
	require.Equal(t, MinBatchImages, job.ImageCount)
	require.True(t, strings.HasPrefix(job.ManifestUri, "s3://yorutsuke-receipts/batch-input/"))

	// The stored manifest carries one JSONL record per image.
	manifests, err := objects.List(ctx, "batch-input/")
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	manifest, err := objects.Get(ctx, manifests[0])
	require.NoError(t, err)
	require.Equal(t, MinBatchImages, strings.Count(string(manifest.Body), "\n"))
	require.Contains(t, string(manifest.Body), `"customData":"1700000000000-img000"`)

	// Replaying the same intent returns the cached job without resubmitting.
	replay, err := orch.Submit(ctx, input)
	require.NoError(t, err)
	require.True(t, replay.Duplicate)
	require.Equal(t, receipt.JobId, replay.JobId)
	require.Equal(t, 1, submitter.calls)
}

func TestBatchSubmitBounds(t *testing.T) {
	var ctx = context.Background()
	var _, _, submitter, orch, input = batchFixture(t, MinBatchImages)

	input.PendingImageIds = input.PendingImageIds[:MinBatchImages-1]
	var _, err = orch.Submit(ctx, input)
	require.Equal(t, fault.Validation, fault.KindOf(err))
	require.Zero(t, submitter.calls)
}

// racingJobs misses its first Get, exposing the conditional-insert barrier
// that guards the window between pre-check and insert.
type racingJobs struct {
	docstore.BatchJobs
	misses int
}

func (r *racingJobs) Get(ctx context.Context, intent ids.IntentId) (*docstore.BatchJob, error) {
	if r.misses > 0 {
		r.misses--
		return nil, docstore.ErrNotFound
	}
	return r.BatchJobs.Get(ctx, intent)
}

func TestBatchSubmitRaceLoserConflicts(t *testing.T) {
	var ctx = context.Background()
	var _, jobs, _, orch, input = batchFixture(t, MinBatchImages)

	var _, err = orch.Submit(ctx, input)
	require.NoError(t, err)

	orch.Jobs = &racingJobs{BatchJobs: jobs, misses: 1}
	_, err = orch.Submit(ctx, input)
	require.Equal(t, fault.Conflict, fault.KindOf(err))
}

// stalledSubmitter blocks until the submission deadline fires.
type stalledSubmitter struct{}

func (stalledSubmitter) SubmitBatch(ctx context.Context, _ ids.IntentId, _, _, _ string) (ids.JobId, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestBatchSubmitDeadline(t *testing.T) {
	var ctx = context.Background()
	var _, jobs, _, orch, input = batchFixture(t, MinBatchImages)
	orch.Submitter = stalledSubmitter{}
	orch.VendorTimeout = 20 * time.Millisecond

	var _, err = orch.Submit(ctx, input)
	require.Error(t, err)
	require.Equal(t, fault.Network, fault.KindOf(err))

	// The barrier row records the failure rather than wedging the intent.
	job, err := jobs.Get(ctx, input.IntentId)
	require.NoError(t, err)
	require.Equal(t, docstore.BatchFailed, job.Status)
}

func TestResultHandler(t *testing.T) {
	var ctx = context.Background()
	var objects = object.NewMemStore()
	var txns = docstore.NewMemTransactions()
	var jobs = docstore.NewMemBatchJobs()

	var submitTime = time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC)
	require.NoError(t, jobs.PutIfAbsent(ctx, &docstore.BatchJob{
		IntentId:   "intent-1",
		JobId:      "job-1",
		UserId:     "device-abc",
		Status:     docstore.BatchSubmitted,
		SubmitTime: submitTime,
		ImageCount: 2,
	}))

	require.NoError(t, objects.Put(ctx, "uploads/device-abc/100-a.webp", []byte("a"), nil))
	require.NoError(t, objects.Put(ctx, "uploads/device-abc/200-b.webp", []byte("b"), nil))

	validLine, err := json.Marshal(resultLine{CustomData: "100-a", Output: struct {
		Text string `json:"text"`
	}{Text: validExtraction}})
	require.NoError(t, err)

	var output = strings.Join([]string{
		string(validLine),
		`{"customData": "200-b", "output": {"text": "unreadable"}}`,
		`{"output": {"text": "no customData"}}`,
		`{"customData": "300-c"}`,
	}, "\n")
	require.NoError(t, objects.Put(ctx, object.BatchOutputKey("job-1"), []byte(output), nil))

	var h = &ResultHandler{
		Objects:   objects,
		Txns:      txns,
		Jobs:      jobs,
		Publisher: nopPublisher{},
		Now:       testNow,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}
	summary, err := h.HandleJobCompleted(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, Ingested{Accepted: 2, NeedsReview: 1, Rejected: 2}, summary)

	// The accepted row carries the 24-hex derived id.
	var wantId = BatchTransactionId("job-1", "100-a", submitTime)
	require.Len(t, string(wantId), 24)
	txn, err := txns.Get(ctx, "device-abc", wantId)
	require.NoError(t, err)
	require.Equal(t, ids.Money(1200), txn.Amount)
	require.NotZero(t, txn.TTL)

	// The unreadable row landed in needs_review rather than vanishing.
	review, err := txns.Get(ctx, "device-abc", BatchTransactionId("job-1", "200-b", submitTime))
	require.NoError(t, err)
	require.Equal(t, ledger.StatusNeedsReview, review.Status)

	// Both images migrated out of uploads/.
	remaining, err := objects.List(ctx, "uploads/device-abc/")
	require.NoError(t, err)
	require.Empty(t, remaining)

	job, err := jobs.Get(ctx, "intent-1")
	require.NoError(t, err)
	require.Equal(t, docstore.BatchCompleted, job.Status)

	// Reprocessing the same output file is idempotent.
	summary, err = h.HandleJobCompleted(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, Ingested{Duplicates: 2, NeedsReview: 1, Rejected: 2}, summary)
}

// flakyTxns fails the first |failures| inserts with a transient error.
type flakyTxns struct {
	*docstore.MemTransactions
	failures int
}

func (f *flakyTxns) PutIfAbsent(ctx context.Context, txn *ledger.Transaction) error {
	if f.failures > 0 {
		f.failures--
		return fault.New(fault.Server, "injected transient failure")
	}
	return f.MemTransactions.PutIfAbsent(ctx, txn)
}

func TestResultHandlerBacksOffTransientFailures(t *testing.T) {
	var ctx = context.Background()
	var objects = object.NewMemStore()
	var jobs = docstore.NewMemBatchJobs()

	var submitTime = time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC)
	require.NoError(t, jobs.PutIfAbsent(ctx, &docstore.BatchJob{
		IntentId:   "intent-1",
		JobId:      "job-1",
		UserId:     "user-1",
		Status:     docstore.BatchSubmitted,
		SubmitTime: submitTime,
	}))
	require.NoError(t, objects.Put(ctx, "uploads/user-1/100-a.webp", []byte("a"), nil))
	require.NoError(t, objects.Put(ctx, object.BatchOutputKey("job-1"),
		[]byte(`{"customData": "100-a", "output": {"text": "unreadable"}}`), nil))

	var sleeps []time.Duration
	var h = &ResultHandler{
		Objects:   objects,
		Txns:      &flakyTxns{MemTransactions: docstore.NewMemTransactions(), failures: 2},
		Jobs:      jobs,
		Publisher: nopPublisher{},
		Now:       testNow,
		Sleep: func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		},
	}
	summary, err := h.HandleJobCompleted(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 1, summary.NeedsReview)
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeps)
}

func TestMerchantsCache(t *testing.T) {
	var ctx = context.Background()
	var objects = object.NewMemStore()
	require.NoError(t, objects.Put(ctx, object.MerchantsKey,
		[]byte(`["Lawson", "7-Eleven", "FamilyMart"]`), nil))

	var merchants = NewMerchants(objects)
	require.Equal(t, []string{"Lawson", "7-Eleven", "FamilyMart"}, merchants.List(ctx))

	// Subsequent reads hit the cache, not the store.
	var before = objects.Puts
	require.NoError(t, objects.Delete(ctx, object.MerchantsKey))
	require.Equal(t, []string{"Lawson", "7-Eleven", "FamilyMart"}, merchants.List(ctx))
	require.Equal(t, before, objects.Puts)

	// An absent list degrades to nil.
	require.Nil(t, NewMerchants(object.NewMemStore()).List(ctx))
}
