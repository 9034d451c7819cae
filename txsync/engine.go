// Package txsync keeps the local transaction ledger and the cloud store
// convergent: dirty rows push up, remote updates pull down, and offline
// periods spool mutations into a durable queue drained on reconnect.
package txsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ledger"
	"github.com/yorutsuke/yorutsuke/ops"
	"github.com/yorutsuke/yorutsuke/store/kvstore"
	"github.com/yorutsuke/yorutsuke/store/localdb"
)

// SyncStatus is the engine's four-state FSM. Only syncing is
// non-re-entrant: attempts made while syncing coalesce into one pass.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncSuccess SyncStatus = "success"
	SyncError   SyncStatus = "error"
)

// AutoSyncAfter is how stale lastSyncedAt may grow before the serving
// loop syncs again.
const AutoSyncAfter = 5 * time.Minute

// pullLimit bounds one pull page.
const pullLimit = 500

// Result summarizes one sync pass.
type Result struct {
	Synced    int
	Queued    int
	Rejected  int
	Pulled    int
	Coalesced bool
}

// Retrier is the uploader surface poked when connectivity returns.
type Retrier interface {
	RetryAllFailed() (int, error)
}

// Engine is the transaction sync engine of one device user.
type Engine struct {
	db        *localdb.DB
	cells     *kvstore.Store
	remote    Remote
	monitor   *Monitor
	retrier   Retrier
	publisher ops.Publisher
	user      ids.UserId
	now       func() time.Time

	mu        sync.Mutex
	status    SyncStatus
	lastError string
	pending   bool

	wake chan struct{}
}

func NewEngine(
	db *localdb.DB,
	cells *kvstore.Store,
	remote Remote,
	monitor *Monitor,
	retrier Retrier,
	publisher ops.Publisher,
	user ids.UserId,
) *Engine {
	return &Engine{
		db:        db,
		cells:     cells,
		remote:    remote,
		monitor:   monitor,
		retrier:   retrier,
		publisher: publisher,
		user:      user,
		now:       time.Now,
		status:    SyncIdle,
		wake:      make(chan struct{}, 1),
	}
}

// Status returns the engine's FSM state, with the message of the last
// error while in SyncError.
func (e *Engine) Status() (SyncStatus, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.lastError
}

// SyncDirty pushes every dirty row. Offline, rows spool into the durable
// queue instead and the pass reports {Synced: 0, Queued: N}.
func (e *Engine) SyncDirty(ctx context.Context) (Result, error) {
	var trace = ops.TraceOf(ctx)
	var dirty, err = e.db.ListDirty(e.user)
	if err != nil {
		return Result{}, err
	}

	if !e.monitor.Online() {
		var result Result
		for _, txn := range dirty {
			if err = e.queueFor(txn); err != nil {
				return result, err
			}
			result.Queued++
		}
		ops.PublishLog(e.publisher, ops.LevelInfo, ops.SyncQueued, trace, e.user,
			"queued", result.Queued)
		return result, nil
	}

	var result Result
	for i, txn := range dirty {
		var pushErr = e.pushOne(ctx, trace, txn, &result)
		if pushErr == nil {
			continue
		}
		if fault.KindOf(pushErr) == fault.Network {
			// En-bloc failure: spool this row and everything behind it.
			for _, rest := range dirty[i:] {
				if err = e.queueFor(rest); err != nil {
					return result, err
				}
				result.Queued++
			}
			return result, pushErr
		}
		return result, pushErr
	}
	return result, nil
}

// maxRebaseAttempts bounds conflict rebases of one row within a pass.
// A live concurrent writer advances the server version between rebases,
// so an unbounded resubmit loop would never terminate.
const maxRebaseAttempts = 3

// pushOne pushes a single row, applying the conflict policy on rejection.
func (e *Engine) pushOne(ctx context.Context, trace ids.TraceId, txn *ledger.Transaction, result *Result) error {
	for attempt := 1; ; attempt++ {
		var current, err = e.remote.Push(ctx, txn)
		if err == nil {
			if err = e.db.ClearDirty(txn.Id, txn.Version); err != nil {
				return err
			}
			result.Synced++
			ops.SyncPushesTotal.WithLabelValues("accepted").Inc()
			return nil
		}
		if fault.KindOf(err) != fault.Conflict || current == nil {
			if !fault.KindOf(err).Retriable() {
				// Spool the row so a later pass retries it, and move on.
				if queueErr := e.queueFor(txn); queueErr != nil {
					return queueErr
				}
				result.Rejected++
				result.Queued++
				ops.SyncPushesTotal.WithLabelValues("rejected").Inc()
				return nil
			}
			return err
		}

		// The server arbitrates: its row wins unless ours is a dirty local
		// edit with a newer updatedAt, which rebases over the server version
		// and resubmits.
		ops.SyncPushesTotal.WithLabelValues("conflict").Inc()
		ops.PublishLog(e.publisher, ops.LevelWarn, ops.SyncConflict, trace, e.user,
			"transactionId", txn.Id, "localVersion", txn.Version, "serverVersion", current.Version)

		if txn.Dirty && txn.UpdatedAt.After(current.UpdatedAt) {
			var rebased = *txn
			rebased.Version = current.Version + 1
			rebased.Dirty = true
			if err = e.db.UpsertTransaction(&rebased); err != nil {
				return err
			}
			if attempt == maxRebaseAttempts {
				// Still conflicting: the row stays dirty at its rebased
				// version, and a later pass retries it.
				if err = e.queueFor(&rebased); err != nil {
					return err
				}
				result.Queued++
				return nil
			}
			txn = &rebased
			continue
		}

		var theirs = *current
		theirs.Dirty = false
		if err = e.db.UpsertTransaction(&theirs); err != nil {
			return err
		}
		result.Rejected++
		return nil
	}
}

// Pull fetches remote updates past the persisted cursor (or |since| when
// non-nil) and version-merges them into the local store.
func (e *Engine) Pull(ctx context.Context, since *time.Time) (int, error) {
	var cursor time.Time
	if since != nil {
		cursor = *since
	} else {
		var ms int64
		if ok, err := e.cells.GetJSON(kvstore.CellPullCursor, &ms); err != nil {
			return 0, err
		} else if ok {
			cursor = time.UnixMilli(ms)
		}
	}

	var rows, next, err = e.remote.Pull(ctx, e.user, cursor, pullLimit)
	if err != nil {
		return 0, err
	}

	var pulled int
	for _, remote := range rows {
		var merged bool
		if merged, err = e.mergeOne(remote); err != nil {
			return pulled, err
		}
		if merged {
			pulled++
			ops.SyncPullsTotal.Inc()
		}
	}

	if err = e.cells.PutJSON(kvstore.CellPullCursor, next.UnixMilli()); err != nil {
		return pulled, err
	}
	ops.PublishLog(e.publisher, ops.LevelInfo, ops.SyncPulled, ops.TraceOf(ctx), e.user,
		"rows", len(rows), "merged", pulled)
	return pulled, nil
}

// mergeOne applies the version-merge rule to one remote row.
func (e *Engine) mergeOne(remote *ledger.Transaction) (bool, error) {
	var local, err = e.db.GetTransaction(remote.Id)
	if err == localdb.ErrNotFound {
		var theirs = *remote
		theirs.Dirty = false
		return true, e.db.UpsertTransaction(&theirs)
	} else if err != nil {
		return false, err
	}

	switch {
	case remote.Version > local.Version:
		var theirs = *remote
		theirs.Dirty = false
		return true, e.db.UpsertTransaction(&theirs)
	case remote.Version == local.Version:
		// A server echo of our own push.
		return false, nil
	default:
		// The server is behind us: our push was lost. Re-flag the row.
		return false, e.db.MarkDirty(local.Id)
	}
}

// FullSync is push-then-pull. A pull failure is reported but never
// reverts pushed state. Calls made while a sync is running coalesce.
func (e *Engine) FullSync(ctx context.Context) (Result, error) {
	e.mu.Lock()
	if e.status == SyncSyncing {
		e.pending = true
		e.mu.Unlock()
		return Result{Coalesced: true}, nil
	}
	e.status = SyncSyncing
	e.mu.Unlock()

	ops.PublishLog(e.publisher, ops.LevelInfo, ops.SyncStarted, ops.TraceOf(ctx), e.user)

	var result, err = e.syncOnce(ctx)
	for err == nil {
		e.mu.Lock()
		var rerun = e.pending
		e.pending = false
		e.mu.Unlock()
		if !rerun {
			break
		}
		var more Result
		if more, err = e.syncOnce(ctx); err == nil {
			result.Synced += more.Synced
			result.Queued += more.Queued
			result.Rejected += more.Rejected
			result.Pulled += more.Pulled
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.status = SyncError
		e.lastError = err.Error()
		ops.PublishLog(e.publisher, ops.LevelError, ops.SyncFailed, ops.TraceOf(ctx), e.user,
			"error", err)
		return result, err
	}
	e.status = SyncSuccess
	e.lastError = ""
	return result, nil
}

func (e *Engine) syncOnce(ctx context.Context) (Result, error) {
	if e.monitor.Online() {
		if err := e.DrainOffline(ctx); err != nil {
			return Result{}, err
		}
	}

	var result, err = e.SyncDirty(ctx)
	if err != nil {
		return result, err
	}

	pulled, err := e.Pull(ctx, nil)
	result.Pulled = pulled
	if err != nil {
		return result, fmt.Errorf("pull after push: %w", err)
	}

	return result, e.cells.PutJSON(kvstore.CellLastSyncedAt, e.now().UnixMilli())
}

// DrainOffline replays the offline queue, oldest action first. A network
// failure stops the drain; remaining actions stay queued.
func (e *Engine) DrainOffline(ctx context.Context) error {
	var actions, err = e.db.ListActions()
	if err != nil {
		return err
	}
	var trace = ops.TraceOf(ctx)

	for _, action := range actions {
		var txn ledger.Transaction
		if err = json.Unmarshal(action.Payload, &txn); err != nil {
			// A corrupt action can never replay; drop it.
			if err = e.db.DeleteAction(action.Id); err != nil {
				return err
			}
			continue
		}

		var result Result
		if err = e.pushOne(ctx, trace, &txn, &result); err != nil {
			if fault.KindOf(err) == fault.Network {
				return nil
			}
			return err
		}
		if err = e.db.DeleteAction(action.Id); err != nil {
			return err
		}
	}
	return nil
}

// Serve runs auto-sync: once at startup, on every offline→online edge
// (which also retries failed uploads), and whenever lastSyncedAt grows
// stale. It runs until |ctx| is cancelled.
func (e *Engine) Serve(ctx context.Context) error {
	defer e.monitor.Subscribe(func(online bool) {
		ops.PublishLog(e.publisher, ops.LevelInfo, ops.NetworkChanged, "", e.user,
			"online", online)
		if !online {
			return
		}
		if e.retrier != nil {
			if _, err := e.retrier.RetryAllFailed(); err != nil {
				ops.PublishLog(e.publisher, ops.LevelError, ops.UploadFailed, "", e.user,
					"error", err)
			}
		}
		select {
		case e.wake <- struct{}{}:
		default:
		}
	})()

	var _, _ = e.FullSync(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
			_, _ = e.FullSync(ctx)
		case <-time.After(time.Minute):
			if stale, err := e.staleSync(); err == nil && stale {
				_, _ = e.FullSync(ctx)
			}
		}
	}
}

func (e *Engine) staleSync() (bool, error) {
	var ms int64
	var ok, err = e.cells.GetJSON(kvstore.CellLastSyncedAt, &ms)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return e.now().Sub(time.UnixMilli(ms)) > AutoSyncAfter, nil
}

// queueFor spools one row into the offline queue. The action id is a pure
// function of the row and its version, so requeueing deduplicates.
func (e *Engine) queueFor(txn *ledger.Transaction) error {
	var payload, err = json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("encoding queued row %s: %w", txn.Id, err)
	}
	return e.db.EnqueueAction(localdb.SyncAction{
		Id:            fmt.Sprintf("push-%s-v%d", txn.Id, txn.Version),
		Type:          "push",
		TransactionId: txn.Id,
		Timestamp:     e.now(),
		Payload:       payload,
	})
}
