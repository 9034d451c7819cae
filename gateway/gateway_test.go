package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"
	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ledger"
	"github.com/yorutsuke/yorutsuke/ocr"
	"github.com/yorutsuke/yorutsuke/ops"
	"github.com/yorutsuke/yorutsuke/permit"
	"github.com/yorutsuke/yorutsuke/store/docstore"
	"github.com/yorutsuke/yorutsuke/store/object"
	"github.com/yorutsuke/yorutsuke/txsync"
)

type nopPublisher struct{}

func (nopPublisher) PublishLog(ops.Log) {}
func (nopPublisher) Level() ops.Level   { return ops.LevelDebug }

// stubBatches answers Submit with a canned receipt or error.
type stubBatches struct {
	receipt ocr.SubmitReceipt
	err     error
}

func (s *stubBatches) Submit(context.Context, ocr.SubmitInput) (ocr.SubmitReceipt, error) {
	return s.receipt, s.err
}

type fixture struct {
	server  *Server
	ts      *httptest.Server
	objects *object.MemStore
	txns    *docstore.MemTransactions
	jobs    *docstore.MemBatchJobs
	quotas  *docstore.MemQuotaCounters
	control *docstore.MemControl
	keyring *permit.Keyring
	batches *stubBatches
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keyring, err := permit.NewKeyring(map[int][]byte{1: []byte("test-signing-secret")})
	require.NoError(t, err)

	var f = &fixture{
		objects: object.NewMemStore(),
		txns:    docstore.NewMemTransactions(),
		jobs:    docstore.NewMemBatchJobs(),
		quotas:  docstore.NewMemQuotaCounters(),
		control: docstore.NewMemControl(),
		keyring: keyring,
		batches: &stubBatches{},
		now:     time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
	}
	f.server = &Server{
		Keyring:   keyring,
		Issuer:    &permit.Issuer{Keyring: keyring, Now: func() time.Time { return f.now }},
		Objects:   f.objects,
		Presigner: f.objects,
		Txns:      f.txns,
		Jobs:      f.jobs,
		Quotas:    f.quotas,
		Control:   f.control,
		Batches:   f.batches,
		Publisher: nopPublisher{},
		Now:       func() time.Time { return f.now },
	}
	f.ts = httptest.NewServer(f.server.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

// post sends a JSON body and decodes the JSON reply into |out|.
func (f *fixture) post(t *testing.T, path string, body, out interface{}) *http.Response {
	t.Helper()
	var buf, err = json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (f *fixture) issuePermit(t *testing.T, user ids.UserId) permit.Permit {
	t.Helper()
	var issued, err = f.server.Issuer.Issue(user, permit.DefaultValidDays)
	require.NoError(t, err)
	return issued
}

func TestPresignWithValidPermit(t *testing.T) {
	var f = newFixture(t)
	var issued = f.issuePermit(t, "device-abc")

	var grant presignResponse
	var resp = f.post(t, "/presign", presignRequest{
		UserId:      "device-abc",
		FileName:    "receipt.jpg",
		ContentType: "image/jpeg",
		ImageId:     "1700000000000-receipt",
		Permit:      &issued,
	}, &grant)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "uploads/device-abc/1700000000000-receipt.jpg", grant.Key)
	require.NotEmpty(t, grant.Url)
	require.NotEmpty(t, grant.TraceId)
	require.Equal(t, string(grant.TraceId), resp.Header.Get(ops.TraceHeader))

	// Permit mode never touches the legacy counter.
	used, err := f.quotas.Get(context.Background(), "device-abc", object.JSTDate(f.now))
	require.NoError(t, err)
	require.Zero(t, used)
}

func TestPresignRejectsTamperedPermit(t *testing.T) {
	var f = newFixture(t)
	var issued = f.issuePermit(t, "device-abc")
	issued.TotalLimit = 500 // Signature no longer covers the fields.

	var envelope errorBody
	var resp = f.post(t, "/presign", presignRequest{
		UserId:      "device-abc",
		FileName:    "receipt.jpg",
		ContentType: "image/jpeg",
		Permit:      &issued,
	}, &envelope)

	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "INVALID_SIGNATURE", envelope.Error.Code)

	used, err := f.quotas.Get(context.Background(), "device-abc", object.JSTDate(f.now))
	require.NoError(t, err)
	require.Zero(t, used)
}

func TestPresignRejectsExpiredPermit(t *testing.T) {
	var f = newFixture(t)
	var issued = f.issuePermit(t, "device-abc")
	f.now = f.now.AddDate(0, 0, permit.DefaultValidDays+1)

	var envelope errorBody
	var resp = f.post(t, "/presign", presignRequest{
		UserId:      "device-abc",
		FileName:    "receipt.jpg",
		ContentType: "image/jpeg",
		Permit:      &issued,
	}, &envelope)

	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "PERMIT_EXPIRED", envelope.Error.Code)
}

func TestPresignLegacyQuota(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	var date = object.JSTDate(f.now)

	// First permitless issuance counts against the guest tier.
	var resp = f.post(t, "/presign", presignRequest{
		UserId:      "device-abc",
		FileName:    "receipt.jpg",
		ContentType: "image/jpeg",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	used, err := f.quotas.Get(ctx, "device-abc", date)
	require.NoError(t, err)
	require.Equal(t, int64(1), used)

	// Exhaust the guest daily limit.
	for used < permit.LegacyDailyLimits[ids.TierGuest] {
		used, err = f.quotas.Increment(ctx, "device-abc", date)
		require.NoError(t, err)
	}

	var envelope errorBody
	resp = f.post(t, "/presign", presignRequest{
		UserId:      "device-abc",
		FileName:    "receipt.jpg",
		ContentType: "image/jpeg",
	}, &envelope)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "QUOTA_EXCEEDED", envelope.Error.Code)
}

func TestPresignEmergencyStop(t *testing.T) {
	var f = newFixture(t)

	var record docstore.ControlRecord
	var resp = f.post(t, "/admin/control", controlRequest{
		Action: "activate", Reason: "incident", UpdatedBy: "oncall",
	}, &record)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, record.EmergencyStop)

	var envelope errorBody
	resp = f.post(t, "/presign", presignRequest{
		UserId:      "device-abc",
		FileName:    "receipt.jpg",
		ContentType: "image/jpeg",
	}, &envelope)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "SERVICE_UNAVAILABLE", envelope.Error.Code)

	// Deactivation invalidates the cached read immediately.
	resp = f.post(t, "/admin/control", controlRequest{Action: "deactivate"}, &record)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.post(t, "/presign", presignRequest{
		UserId:      "device-abc",
		FileName:    "receipt.jpg",
		ContentType: "image/jpeg",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPermitEndpoint(t *testing.T) {
	var f = newFixture(t)

	var reply permitResponse
	var resp = f.post(t, "/permit", permitRequest{UserId: "device-abc"}, &reply)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, f.keyring.Verify(reply.Permit.CanonicalMessage(), reply.Permit.Signature))
	require.Equal(t, ids.TierGuest, reply.Permit.Tier)

	var envelope errorBody
	resp = f.post(t, "/permit", permitRequest{UserId: ""}, &envelope)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "INVALID_PARAM", envelope.Error.Code)

	// An explicit zero or negative lifetime is rejected, not defaulted.
	for _, days := range []int{0, -7} {
		var days = days
		envelope = errorBody{}
		resp = f.post(t, "/permit", permitRequest{UserId: "device-abc", ValidDays: &days}, &envelope)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "INVALID_PARAM", envelope.Error.Code)
	}
}

func TestQuotaEndpoint(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	for i := 0; i != 2; i++ {
		_, err := f.quotas.Increment(ctx, "device-abc", object.JSTDate(f.now))
		require.NoError(t, err)
	}

	var reply quotaResponse
	var resp = f.post(t, "/quota", quotaRequest{UserId: "device-abc"}, &reply)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(2), reply.Used)
	require.Equal(t, int64(30), reply.Limit)
	require.Equal(t, int64(28), reply.Remaining)
	require.Equal(t, ids.TierGuest, reply.Tier)
	require.NotNil(t, reply.Guest)
	require.Equal(t, 30, reply.Guest.DaysUntilExpiration)

	// Registered users carry no guest expiry.
	var registered quotaResponse
	resp = f.post(t, "/quota", quotaRequest{UserId: "user-123"}, &registered)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(50), registered.Limit)
	require.Nil(t, registered.Guest)
}

func TestQuotaResponseDocument(t *testing.T) {
	var f = newFixture(t)

	var buf = bytes.NewReader([]byte(`{"userId":"device-abc"}`))
	resp, err := http.Post(f.ts.URL+"/quota", "application/json", buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)

	var expected = `{
		"used": 0,
		"limit": 30,
		"remaining": 30,
		"resetsAt": "2026-01-11T00:00:00+09:00",
		"tier": "guest"
	}`
	var options = jsondiff.DefaultConsoleOptions()
	var mode, diffs = jsondiff.Compare(body.Bytes(), []byte(expected), &options)
	switch mode {
	case jsondiff.FullMatch, jsondiff.SupersetMatch:
	default:
		t.Fatalf("quota response diverges: %s", diffs)
	}
}

func TestBatchSubmitAccepted(t *testing.T) {
	var f = newFixture(t)
	f.batches.receipt = ocr.SubmitReceipt{
		JobId:      "job-7",
		Status:     docstore.BatchSubmitted,
		StatusUrl:  "/batch/jobs/job-7",
		ImageCount: 120,
	}

	var reply ocr.SubmitReceipt
	var resp = f.post(t, "/batch/submit", ocr.SubmitInput{
		IntentId: "intent-1",
		UserId:   "device-abc",
		ModelId:  "vision-model",
	}, &reply)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, ids.JobId("job-7"), reply.JobId)
	require.Equal(t, "/batch/jobs/job-7", reply.StatusUrl)
}

func TestBatchSubmitRaceIsRetryable(t *testing.T) {
	var f = newFixture(t)
	f.batches.err = fault.New(fault.Conflict, "submission of intent-1 is in progress")

	var envelope errorBody
	var resp = f.post(t, "/batch/submit", ocr.SubmitInput{IntentId: "intent-1"}, &envelope)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.True(t, envelope.Error.Retryable)
}

func TestBatchJobLookup(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	require.NoError(t, f.jobs.PutIfAbsent(ctx, &docstore.BatchJob{
		IntentId:   "intent-1",
		JobId:      "job-7",
		UserId:     "device-abc",
		Status:     docstore.BatchSubmitted,
		SubmitTime: f.now,
		ImageCount: 120,
	}))

	resp, err := http.Get(f.ts.URL + "/batch/jobs/job-7")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job docstore.BatchJob
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	require.Equal(t, docstore.BatchSubmitted, job.Status)
	require.Equal(t, 120, job.ImageCount)

	missing, err := http.Get(f.ts.URL + "/batch/jobs/job-unknown")
	require.NoError(t, err)
	missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestDeleteData(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)

	require.NoError(t, f.txns.PutIfAbsent(ctx, &ledger.Transaction{
		Id: "tx-1", UserId: "device-abc", Amount: 100, Type: ledger.TypeExpense,
		Date: "2026-01-10", Merchant: "m", Category: "groceries",
		Status: ledger.StatusUnconfirmed, Version: 1,
		CreatedAt: f.now, UpdatedAt: f.now,
	}))
	require.NoError(t, f.objects.Put(ctx, "uploads/device-abc/100-a.jpg", []byte("x"), nil))
	require.NoError(t, f.objects.Put(ctx, "uploads/device-other/200-b.jpg", []byte("y"), nil))

	var reply deleteDataResponse
	var resp = f.post(t, "/admin/delete-data", deleteDataRequest{
		UserId: "device-abc",
		Types:  []string{"transactions", "images"},
	}, &reply)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, map[string]int{"transactions": 1, "images": 1}, reply.Deleted)

	_, err := f.objects.Get(ctx, "uploads/device-abc/100-a.jpg")
	require.Error(t, err)
	_, err = f.objects.Get(ctx, "uploads/device-other/200-b.jpg")
	require.NoError(t, err) // Other users are untouched.
}

func TestSyncEndpoints(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	var remote = &txsync.HTTPRemote{BaseURL: f.ts.URL}

	var txn = &ledger.Transaction{
		Id: "tx-100-a", UserId: "device-abc", Amount: 1200,
		Type: ledger.TypeExpense, Date: "2026-01-10", Merchant: "Lawson",
		Category: "groceries", Status: ledger.StatusUnconfirmed,
		Version: 1, Dirty: true, CreatedAt: f.now, UpdatedAt: f.now,
	}
	current, err := remote.Push(ctx, txn)
	require.NoError(t, err)
	require.Nil(t, current)

	// A stale re-push returns the server row for rebasing.
	var stale = *txn
	stale.Version = 1
	current, err = remote.Push(ctx, &stale)
	require.Equal(t, fault.Conflict, fault.KindOf(err))
	require.NotNil(t, current)
	require.Equal(t, int64(1), current.Version)
	require.False(t, current.Dirty)

	rows, next, err := remote.Pull(ctx, "device-abc", time.Time{}, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, ids.TransactionId("tx-100-a"), rows[0].Id)
	require.Equal(t, f.now.UnixMilli(), next.UnixMilli())
}

func TestCORSAndTraceEcho(t *testing.T) {
	var f = newFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.ts.URL+"/presign", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodPost, f.ts.URL+"/quota",
		bytes.NewReader([]byte(`{"userId":"device-abc"}`)))
	require.NoError(t, err)
	req.Header.Set(ops.TraceHeader, "trace-outer")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "trace-outer", resp.Header.Get(ops.TraceHeader))
}
