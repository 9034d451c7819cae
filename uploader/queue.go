// Package uploader owns the client upload queue: enqueued captures move
// through compression, dedup, presign, and PUT under a single cooperative
// worker, with bounded retries and a pausable global status.
package uploader

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ops"
	"github.com/yorutsuke/yorutsuke/permit"
	"github.com/yorutsuke/yorutsuke/receipt"
	"github.com/yorutsuke/yorutsuke/store/kvstore"
	"github.com/yorutsuke/yorutsuke/store/localdb"
)

// PauseReason explains why the queue is paused.
type PauseReason string

const (
	PauseOffline PauseReason = "offline"
	PauseQuota   PauseReason = "quota"
)

// Status is the single global queue status. It is persisted so a restart
// resumes in the same mode, and it is only ever written by Pause and
// Resume: per-image completion cannot clobber it.
type Status struct {
	Paused bool        `json:"paused"`
	Reason PauseReason `json:"reason,omitempty"`
}

// Queue is the upload pipeline of one device user.
type Queue struct {
	db         *localdb.DB
	cells      *kvstore.Store
	permits    *permit.ClientStore
	api        API
	compressor receipt.Compressor
	publisher  ops.Publisher
	user       ids.UserId
	blobDir    string

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	wake  chan struct{}
}

// NewQueue builds a Queue storing capture blobs under |blobDir|.
func NewQueue(
	db *localdb.DB,
	cells *kvstore.Store,
	permits *permit.ClientStore,
	api API,
	compressor receipt.Compressor,
	publisher ops.Publisher,
	user ids.UserId,
	blobDir string,
) *Queue {
	return &Queue{
		db:         db,
		cells:      cells,
		permits:    permits,
		api:        api,
		compressor: compressor,
		publisher:  publisher,
		user:       user,
		blobDir:    blobDir,
		now:        time.Now,
		sleep:      sleepFor,
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue admits a capture into the queue. The quota gate applies here,
// before any row or blob is persisted; the upload itself happens later
// under the worker.
func (q *Queue) Enqueue(ctx context.Context, blob []byte, originalName string) (ids.ImageId, error) {
	var check, err = q.permits.CheckCanUpload()
	if err != nil {
		return "", err
	}
	if !check.Allowed {
		ops.QuotaRejectionsTotal.WithLabelValues(string(check.Reason)).Inc()
		ops.PublishLog(q.publisher, ops.LevelWarn, ops.QuotaExceeded, ops.TraceOf(ctx), q.user,
			"reason", check.Reason)
		if check.Reason == permit.ReasonPermitExpired {
			return "", fault.New(fault.PermitExpired, "permit expired")
		}
		return "", fault.New(fault.Quota, "upload rejected: %s", check.Reason)
	}

	var id = ids.NewImageId(q.now(), originalName)
	var localPath = filepath.Join(q.blobDir, string(id)+path.Ext(originalName))
	if err = os.WriteFile(localPath, blob, 0o600); err != nil {
		return "", fmt.Errorf("persisting capture blob: %w", err)
	}

	var img = &receipt.Image{
		Id:           id,
		UserId:       q.user,
		TraceId:      ops.TraceOf(ctx),
		Status:       receipt.StatusPending,
		LocalPath:    localPath,
		OriginalSize: int64(len(blob)),
		CreatedAt:    q.now(),
	}
	if err = q.db.InsertImage(img); err != nil {
		return "", err
	}
	q.notify()
	return id, nil
}

// Pause stops the worker from dispatching further uploads. An upload
// already in flight is not interrupted.
func (q *Queue) Pause(reason PauseReason) error {
	if err := q.cells.PutJSON(kvstore.CellQueueStatus, Status{Paused: true, Reason: reason}); err != nil {
		return err
	}
	ops.PublishLog(q.publisher, ops.LevelInfo, ops.StateTransition, "", q.user,
		"queue", "paused", "reason", reason)
	return nil
}

// Resume reopens the queue and wakes the worker.
func (q *Queue) Resume() error {
	if err := q.cells.PutJSON(kvstore.CellQueueStatus, Status{}); err != nil {
		return err
	}
	ops.PublishLog(q.publisher, ops.LevelInfo, ops.StateTransition, "", q.user,
		"queue", "processing")
	q.notify()
	return nil
}

// Status reads the persisted queue status.
func (q *Queue) Status() (Status, error) {
	var status Status
	var _, err = q.cells.GetJSON(kvstore.CellQueueStatus, &status)
	return status, err
}

// RetryImage requeues a failed image with a fresh retry budget.
func (q *Queue) RetryImage(id ids.ImageId) error {
	var _, err = q.db.TransitionImage(id, receipt.StatusPending, func(img *receipt.Image) {
		img.RetryCount = 0
		img.Error = ""
	})
	if err != nil {
		return err
	}
	q.notify()
	return nil
}

// RetryAllFailed requeues every failed image, and reports how many.
func (q *Queue) RetryAllFailed() (int, error) {
	var rows, err = q.db.ListImagesByStatus(receipt.StatusFailed)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if err = q.RetryImage(row.Id); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

// RemoveImage drops a non-terminal image and purges its local blob.
func (q *Queue) RemoveImage(id ids.ImageId) error {
	var img, err = q.db.GetImage(id)
	if err != nil {
		return err
	}
	if img.Status.Terminal() {
		return fault.New(fault.Validation, "image %s is %s and cannot be removed", id, img.Status)
	}
	if img.LocalPath != "" {
		if err = os.Remove(img.LocalPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("purging blob of %s: %w", id, err)
		}
	}
	return q.db.DeleteImage(id)
}

// Recover re-establishes queue invariants after a restart: rows stranded
// in uploading or retrying demote to compressed, and rows whose local
// blob vanished fail with cause missing_local_blob.
func (q *Queue) Recover(ctx context.Context) error {
	var demoted, err = q.db.RecoverUploading()
	if err != nil {
		return err
	}
	if demoted != 0 {
		ops.PublishLog(q.publisher, ops.LevelInfo, ops.StateTransition, "", q.user,
			"recovered", demoted)
	}

	rows, err := q.db.ListImagesByStatus(receipt.StatusPending, receipt.StatusCompressed)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err = os.Stat(row.LocalPath); os.IsNotExist(err) {
			if err = q.failImage(row, "missing_local_blob", fault.Unknown); err != nil {
				return err
			}
		} else if err != nil {
			return fmt.Errorf("checking blob of %s: %w", row.Id, err)
		}
	}
	return ctx.Err()
}

// Serve runs the worker until |ctx| is cancelled. It is a single logical
// task: one in-flight upload at a time bounds memory.
func (q *Queue) Serve(ctx context.Context) error {
	if err := q.Recover(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	for {
		var progressed, err = q.Sweep(ctx)
		if err != nil {
			return err
		}
		if progressed {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-time.After(time.Second):
		}
	}
}

// Sweep drives all currently-ready work to quiescence: it compresses and
// uploads rows in FIFO capture order until the queue is empty, paused, or
// cancelled. It reports whether any row progressed.
func (q *Queue) Sweep(ctx context.Context) (bool, error) {
	var progressed bool
	for {
		if ctx.Err() != nil {
			return progressed, nil
		}
		status, err := q.Status()
		if err != nil {
			return progressed, err
		}
		if status.Paused {
			return progressed, nil
		}

		rows, err := q.db.ListImagesByStatus(receipt.StatusPending, receipt.StatusCompressed)
		if err != nil {
			return progressed, err
		}
		if len(rows) == 0 {
			return progressed, nil
		}

		var next = rows[0]
		switch next.Status {
		case receipt.StatusPending:
			err = q.compressUnit(ctx, next)
		case receipt.StatusCompressed:
			err = q.uploadUnit(ctx, next)
		}
		if err != nil {
			return progressed, err
		}
		progressed = true
	}
}

// compressUnit applies the compression rule to one pending row.
// A compression error fails the row; it never aborts the queue.
func (q *Queue) compressUnit(ctx context.Context, img *receipt.Image) error {
	var blob, err = os.ReadFile(img.LocalPath)
	if os.IsNotExist(err) {
		return q.failImage(img, "missing_local_blob", fault.Unknown)
	} else if err != nil {
		return fmt.Errorf("reading blob of %s: %w", img.Id, err)
	}

	out, err := receipt.Prepare(ctx, q.compressor, blob)
	if err != nil {
		return q.failImage(img, err.Error(), fault.Unknown)
	}
	if !out.Skipped {
		if err = os.WriteFile(img.LocalPath, out.Blob, 0o600); err != nil {
			return fmt.Errorf("persisting compressed blob of %s: %w", img.Id, err)
		}
	}

	_, err = q.db.TransitionImage(img.Id, receipt.StatusCompressed, func(row *receipt.Image) {
		row.MD5 = out.MD5
		row.CompressedSize = int64(len(out.Blob))
	})
	return err
}

// uploadUnit carries one compressed row through dedup, presign, and PUT,
// with bounded retries of transient failures.
func (q *Queue) uploadUnit(ctx context.Context, img *receipt.Image) error {
	// Dedup: identical bytes already in the object store make this row
	// redundant. Exactly one object per (user, md5) survives.
	var dup, err = q.db.FindDuplicate(img.UserId, img.MD5, img.Id)
	if err != nil {
		return err
	}
	if dup != nil {
		if _, err = q.db.TransitionImage(img.Id, receipt.StatusSkipped, nil); err != nil {
			return err
		}
		_ = os.Remove(img.LocalPath)
		ops.PublishLog(q.publisher, ops.LevelInfo, ops.UploadSkipped, img.TraceId, img.UserId,
			"imageId", img.Id, "duplicateOf", dup.Id)
		return nil
	}

	stored, err := q.permits.Stored()
	if err != nil {
		return err
	}

	for {
		if img, err = q.db.TransitionImage(img.Id, receipt.StatusUploading, nil); err != nil {
			return err
		}
		ops.UploadsStartedTotal.Inc()
		ops.PublishLog(q.publisher, ops.LevelInfo, ops.UploadStarted, img.TraceId, img.UserId,
			"imageId", img.Id, "attempt", img.RetryCount)

		var attemptErr = q.attemptUpload(ctx, img, stored)
		if attemptErr == nil {
			if err = q.permits.IncrementUsage(); err != nil {
				return err
			}
			ops.PublishLog(q.publisher, ops.LevelInfo, ops.UploadSucceeded, img.TraceId, img.UserId,
				"imageId", img.Id)
			return nil
		}

		var kind = fault.KindOf(attemptErr)
		ops.UploadsFailedTotal.WithLabelValues(string(kind)).Inc()

		if kind == fault.Quota {
			// The gate said no: stop dispatching entirely, not just this row.
			if err = q.Pause(PauseQuota); err != nil {
				return err
			}
			return q.failImage(img, attemptErr.Error(), kind)
		}
		if !kind.Retriable() || img.RetryCount >= receipt.MaxRetryCount {
			return q.failImage(img, attemptErr.Error(), kind)
		}

		var delay = receipt.RetryDelays[img.RetryCount]
		if img, err = q.db.TransitionImage(img.Id, receipt.StatusRetrying, func(row *receipt.Image) {
			row.RetryCount++
		}); err != nil {
			return err
		}
		ops.PublishLog(q.publisher, ops.LevelWarn, ops.UploadRetried, img.TraceId, img.UserId,
			"imageId", img.Id, "attempt", img.RetryCount, "delayMs", delay.Milliseconds(), "error", attemptErr)

		if err = q.sleep(ctx, delay); err != nil {
			// Shutdown mid-retry: Recover demotes the row next start.
			return nil
		}
		status, err := q.Status()
		if err != nil {
			return err
		}
		if status.Paused {
			// Hand the row back to the queue; it redispatches on Resume
			// with its retry budget intact.
			_, err = q.db.TransitionImage(img.Id, receipt.StatusCompressed, nil)
			return err
		}
	}
}

// attemptUpload is one presign + PUT round trip.
func (q *Queue) attemptUpload(ctx context.Context, img *receipt.Image, stored *permit.Permit) error {
	var grant, err = q.api.PresignUpload(ctx, img.TraceId, PresignRequest{
		UserId:      img.UserId,
		FileName:    path.Base(img.LocalPath),
		ContentType: contentTypeOf(img),
		ImageId:     img.Id,
		IntentId:    uploadIntent(img.Id),
		Permit:      stored,
	})
	if err != nil {
		return err
	}

	blob, err := os.ReadFile(img.LocalPath)
	if err != nil {
		return fault.Wrap(fault.Unknown, fmt.Errorf("reading blob of %s: %w", img.Id, err))
	}
	if err = q.api.PutBlob(ctx, grant.UploadUrl, contentTypeOf(img), blob); err != nil {
		return err
	}

	_, err = q.db.TransitionImage(img.Id, receipt.StatusUploaded, func(row *receipt.Image) {
		row.ObjectKey = grant.ObjectKey
		row.UploadedAt = q.now()
	})
	return err
}

func (q *Queue) failImage(img *receipt.Image, cause string, kind fault.Kind) error {
	var _, err = q.db.TransitionImage(img.Id, receipt.StatusFailed, func(row *receipt.Image) {
		row.Error = cause
	})
	if err != nil {
		return err
	}
	ops.PublishLog(q.publisher, ops.LevelError, ops.UploadFailed, img.TraceId, img.UserId,
		"imageId", img.Id, "kind", kind, "cause", cause)
	return nil
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// uploadIntent is the idempotency key of one image's upload: retries of
// the same image converge on one grant.
func uploadIntent(id ids.ImageId) ids.IntentId {
	return ids.IntentId("upload-" + string(id))
}

// contentTypeOf reflects the compression rule: rows above the threshold
// were re-encoded as WebP, rows at or below it kept their capture bytes.
func contentTypeOf(img *receipt.Image) string {
	if img.OriginalSize > receipt.CompressThreshold {
		return "image/webp"
	}
	switch strings.ToLower(path.Ext(img.LocalPath)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func sleepFor(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
