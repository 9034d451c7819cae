package uploader

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ops"
	"github.com/yorutsuke/yorutsuke/permit"
	"github.com/yorutsuke/yorutsuke/receipt"
	"github.com/yorutsuke/yorutsuke/store/kvstore"
	"github.com/yorutsuke/yorutsuke/store/localdb"
)

type nopPublisher struct{}

func (nopPublisher) PublishLog(ops.Log) {}
func (nopPublisher) Level() ops.Level   { return ops.LevelDebug }

// stubCompressor deterministically rewrites a blob, standing in for the
// WebP codec.
type stubCompressor struct{ calls int }

func (c *stubCompressor) Compress(_ context.Context, blob []byte, _, _ int) ([]byte, error) {
	c.calls++
	return append([]byte("webp:"), blob[:64]...), nil
}

type fakeAPI struct {
	mu       sync.Mutex
	presigns int
	puts     int
	failWith []fault.Kind // Consumed one per presign attempt.
	lastReq  PresignRequest
	objects  map[string][]byte
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: make(map[string][]byte)}
}

func (f *fakeAPI) PresignUpload(_ context.Context, _ ids.TraceId, req PresignRequest) (PresignGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presigns++
	f.lastReq = req
	if len(f.failWith) != 0 {
		var kind = f.failWith[0]
		f.failWith = f.failWith[1:]
		return PresignGrant{}, fault.New(kind, "injected %s failure", kind)
	}
	var key = "uploads/" + string(req.UserId) + "/" + string(req.ImageId) + path.Ext(req.FileName)
	return PresignGrant{UploadUrl: "mem://" + key, ObjectKey: key, ExpiresIn: 1800}, nil
}

func (f *fakeAPI) PutBlob(_ context.Context, url, _ string, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.objects[url] = append([]byte(nil), blob...)
	return nil
}

type fixture struct {
	queue  *Queue
	db     *localdb.DB
	api    *fakeAPI
	store  *permit.ClientStore
	sleeps []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var dir = t.TempDir()

	db, err := localdb.Open(filepath.Join(dir, "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	kvdb, err := sql.Open("sqlite3", filepath.Join(dir, "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kvdb.Close() })
	cells, err := kvstore.NewStore(kvdb)
	require.NoError(t, err)

	// A strictly advancing clock keeps ImageIds distinct.
	var base = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	var tick int64
	var now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	var f = &fixture{
		db:    db,
		api:   newFakeAPI(),
		store: permit.NewClientStore(cells, now),
	}
	f.queue = NewQueue(db, cells, f.store, f.api, &stubCompressor{}, nopPublisher{},
		"device-abc", dir)
	f.queue.now = now
	f.queue.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return f
}

func (f *fixture) storePermit(t *testing.T, total, daily int64) {
	t.Helper()
	require.NoError(t, f.store.StorePermit(permit.Permit{
		UserId:     "device-abc",
		TotalLimit: total,
		DailyRate:  daily,
		IssuedAt:   "2026-01-01T00:00:00Z",
		ExpiresAt:  "2026-02-01T00:00:00Z",
		Tier:       "guest",
		KeyVersion: 1,
		Signature:  "unchecked-locally",
	}))
}

func TestEnqueueQuotaGate(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)

	// No permit stored.
	var _, err = f.queue.Enqueue(ctx, []byte("blob"), "receipt.jpg")
	require.Equal(t, fault.Quota, fault.KindOf(err))

	// Expired permit.
	require.NoError(t, f.store.StorePermit(permit.Permit{
		UserId:     "device-abc",
		TotalLimit: 50,
		DailyRate:  5,
		IssuedAt:   "2025-01-01T00:00:00Z",
		ExpiresAt:  "2025-02-01T00:00:00Z",
		Tier:       "guest",
		KeyVersion: 1,
		Signature:  "unchecked-locally",
	}))
	_, err = f.queue.Enqueue(ctx, []byte("blob"), "receipt.jpg")
	require.Equal(t, fault.PermitExpired, fault.KindOf(err))

	// Nothing was persisted.
	rows, err := f.db.ListImagesByStatus(receipt.StatusPending)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestHappyPathUpload(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	f.storePermit(t, 50, 5)

	var blob = []byte("small receipt bytes")
	id, err := f.queue.Enqueue(ctx, blob, "receipt.jpg")
	require.NoError(t, err)

	_, err = f.queue.Sweep(ctx)
	require.NoError(t, err)

	img, err := f.db.GetImage(id)
	require.NoError(t, err)
	require.Equal(t, receipt.StatusUploaded, img.Status)
	require.NotEmpty(t, img.ObjectKey)
	require.False(t, img.UploadedAt.IsZero())

	// The object key round-trips the client's ImageId.
	require.Equal(t, "uploads/device-abc/"+string(id)+".jpg", img.ObjectKey)

	// Small blobs skip compression and upload their capture bytes.
	require.True(t, bytes.Equal(blob, f.api.objects["mem://"+img.ObjectKey]))
	require.Equal(t, "image/jpeg", f.api.lastReq.ContentType)
	require.Equal(t, ids.IntentId("upload-"+string(id)), f.api.lastReq.IntentId)
	require.NotNil(t, f.api.lastReq.Permit)

	// Usage counters moved once, on success.
	usage, err := f.store.CurrentUsage()
	require.NoError(t, err)
	require.Equal(t, int64(1), usage.TotalUsed)
}

func TestCompressionAboveThreshold(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	f.storePermit(t, 50, 5)

	var blob = bytes.Repeat([]byte("x"), receipt.CompressThreshold+1)
	id, err := f.queue.Enqueue(ctx, blob, "large.jpg")
	require.NoError(t, err)

	_, err = f.queue.Sweep(ctx)
	require.NoError(t, err)

	img, err := f.db.GetImage(id)
	require.NoError(t, err)
	require.Equal(t, receipt.StatusUploaded, img.Status)
	require.Less(t, img.CompressedSize, img.OriginalSize)
	require.Equal(t, "image/webp", f.api.lastReq.ContentType)

	// The uploaded bytes are the re-encoded blob, not the capture.
	var uploaded = f.api.objects["mem://"+img.ObjectKey]
	require.True(t, bytes.HasPrefix(uploaded, []byte("webp:")))
}

func TestDuplicateTerminatesSkipped(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	f.storePermit(t, 50, 5)

	var blob = []byte("identical receipt bytes")
	first, err := f.queue.Enqueue(ctx, blob, "one.jpg")
	require.NoError(t, err)
	second, err := f.queue.Enqueue(ctx, blob, "two.jpg")
	require.NoError(t, err)

	_, err = f.queue.Sweep(ctx)
	require.NoError(t, err)

	img, err := f.db.GetImage(first)
	require.NoError(t, err)
	require.Equal(t, receipt.StatusUploaded, img.Status)

	img, err = f.db.GetImage(second)
	require.NoError(t, err)
	require.Equal(t, receipt.StatusSkipped, img.Status)

	// Exactly one object was PUT.
	require.Equal(t, 1, f.api.puts)
}

func TestRetrySchedule(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	f.storePermit(t, 50, 5)
	f.api.failWith = []fault.Kind{fault.Network, fault.Server, fault.Network}

	id, err := f.queue.Enqueue(ctx, []byte("flaky"), "receipt.jpg")
	require.NoError(t, err)
	_, err = f.queue.Sweep(ctx)
	require.NoError(t, err)

	// Exactly the documented backoff, then success on the fourth attempt.
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, f.sleeps)
	img, err := f.db.GetImage(id)
	require.NoError(t, err)
	require.Equal(t, receipt.StatusUploaded, img.Status)
	require.Equal(t, receipt.MaxRetryCount, img.RetryCount)
}

func TestRetriesExhausted(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	f.storePermit(t, 50, 5)
	f.api.failWith = []fault.Kind{fault.Network, fault.Network, fault.Network, fault.Network}

	id, err := f.queue.Enqueue(ctx, []byte("doomed"), "receipt.jpg")
	require.NoError(t, err)
	_, err = f.queue.Sweep(ctx)
	require.NoError(t, err)

	require.Len(t, f.sleeps, receipt.MaxRetryCount)
	img, err := f.db.GetImage(id)
	require.NoError(t, err)
	require.Equal(t, receipt.StatusFailed, img.Status)
	require.NotEmpty(t, img.Error)

	// A manual retry resets the budget and succeeds.
	require.NoError(t, f.queue.RetryImage(id))
	_, err = f.queue.Sweep(ctx)
	require.NoError(t, err)
	img, err = f.db.GetImage(id)
	require.NoError(t, err)
	require.Equal(t, receipt.StatusUploaded, img.Status)
}

func TestNonRetriableFailsImmediately(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	f.storePermit(t, 50, 5)
	f.api.failWith = []fault.Kind{fault.Unknown}

	id, err := f.queue.Enqueue(ctx, []byte("rejected"), "receipt.jpg")
	require.NoError(t, err)
	_, err = f.queue.Sweep(ctx)
	require.NoError(t, err)

	require.Empty(t, f.sleeps)
	img, err := f.db.GetImage(id)
	require.NoError(t, err)
	require.Equal(t, receipt.StatusFailed, img.Status)
}

func TestQuotaRejectionPausesQueue(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	f.storePermit(t, 50, 5)
	f.api.failWith = []fault.Kind{fault.Quota}

	first, err := f.queue.Enqueue(ctx, []byte("over quota"), "one.jpg")
	require.NoError(t, err)
	second, err := f.queue.Enqueue(ctx, []byte("behind it"), "two.jpg")
	require.NoError(t, err)

	_, err = f.queue.Sweep(ctx)
	require.NoError(t, err)

	img, err := f.db.GetImage(first)
	require.NoError(t, err)
	require.Equal(t, receipt.StatusFailed, img.Status)

	status, err := f.queue.Status()
	require.NoError(t, err)
	require.True(t, status.Paused)
	require.Equal(t, PauseQuota, status.Reason)

	// No dequeue while paused: the second row sits untouched.
	progressed, err := f.queue.Sweep(ctx)
	require.NoError(t, err)
	require.False(t, progressed)
	img, err = f.db.GetImage(second)
	require.NoError(t, err)
	require.Equal(t, receipt.StatusPending, img.Status)

	// Resuming drains it.
	require.NoError(t, f.queue.Resume())
	_, err = f.queue.Sweep(ctx)
	require.NoError(t, err)
	img, err = f.db.GetImage(second)
	require.NoError(t, err)
	require.Equal(t, receipt.StatusUploaded, img.Status)
}

func TestPauseBlocksDispatch(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	f.storePermit(t, 50, 5)

	id, err := f.queue.Enqueue(ctx, []byte("parked"), "receipt.jpg")
	require.NoError(t, err)
	require.NoError(t, f.queue.Pause(PauseOffline))

	progressed, err := f.queue.Sweep(ctx)
	require.NoError(t, err)
	require.False(t, progressed)

	img, err := f.db.GetImage(id)
	require.NoError(t, err)
	require.Equal(t, receipt.StatusPending, img.Status)
}

func TestRemoveImage(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	f.storePermit(t, 50, 5)

	id, err := f.queue.Enqueue(ctx, []byte("removable"), "receipt.jpg")
	require.NoError(t, err)
	img, err := f.db.GetImage(id)
	require.NoError(t, err)

	require.NoError(t, f.queue.RemoveImage(id))
	_, err = f.db.GetImage(id)
	require.Equal(t, localdb.ErrNotFound, err)
	_, err = os.Stat(img.LocalPath)
	require.True(t, os.IsNotExist(err))

	// Terminal rows cannot be removed.
	id2, err := f.queue.Enqueue(ctx, []byte("kept"), "other.jpg")
	require.NoError(t, err)
	_, err = f.queue.Sweep(ctx)
	require.NoError(t, err)
	_, err = f.db.TransitionImage(id2, receipt.StatusProcessing, nil)
	require.NoError(t, err)
	_, err = f.db.TransitionImage(id2, receipt.StatusProcessed, nil)
	require.NoError(t, err)
	_, err = f.db.TransitionImage(id2, receipt.StatusConfirmed, nil)
	require.NoError(t, err)
	require.Equal(t, fault.Validation, fault.KindOf(f.queue.RemoveImage(id2)))
}

func TestRecoverAfterCrash(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	f.storePermit(t, 50, 5)

	// A row stranded mid-upload by a crash.
	stranded, err := f.queue.Enqueue(ctx, []byte("stranded mid-upload"), "one.jpg")
	require.NoError(t, err)
	_, err = f.db.TransitionImage(stranded, receipt.StatusCompressed, nil)
	require.NoError(t, err)
	_, err = f.db.TransitionImage(stranded, receipt.StatusUploading, nil)
	require.NoError(t, err)

	// A row whose blob vanished externally.
	orphan, err := f.queue.Enqueue(ctx, []byte("orphaned"), "two.jpg")
	require.NoError(t, err)
	img, err := f.db.GetImage(orphan)
	require.NoError(t, err)
	require.NoError(t, os.Remove(img.LocalPath))

	require.NoError(t, f.queue.Recover(ctx))

	img, err = f.db.GetImage(stranded)
	require.NoError(t, err)
	require.Equal(t, receipt.StatusCompressed, img.Status)

	img, err = f.db.GetImage(orphan)
	require.NoError(t, err)
	require.Equal(t, receipt.StatusFailed, img.Status)
	require.Equal(t, "missing_local_blob", img.Error)
}

func TestRetryAllFailed(t *testing.T) {
	var ctx = context.Background()
	var f = newFixture(t)
	f.storePermit(t, 50, 5)
	f.api.failWith = []fault.Kind{fault.Unknown, fault.Unknown}

	var _, err = f.queue.Enqueue(ctx, []byte("first failure"), "one.jpg")
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, []byte("second failure"), "two.jpg")
	require.NoError(t, err)
	_, err = f.queue.Sweep(ctx)
	require.NoError(t, err)

	n, err := f.queue.RetryAllFailed()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = f.queue.Sweep(ctx)
	require.NoError(t, err)
	rows, err := f.db.ListImagesByStatus(receipt.StatusUploaded)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}
