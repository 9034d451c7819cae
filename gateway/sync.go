package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ledger"
	"github.com/yorutsuke/yorutsuke/ops"
)

type syncPushRequest struct {
	Transaction *ledger.Transaction `json:"transaction"`
}

type syncPushResponse struct {
	Accepted bool                `json:"accepted"`
	Current  *ledger.Transaction `json:"current,omitempty"` // The server row, on conflict.
}

// serveSyncPush applies one optimistically-versioned write. A stale
// version answers 409 carrying the server's current row, which the
// client rebases onto.
func (s *Server) serveSyncPush(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req syncPushRequest
	if err := decodeInto(r, &req); err != nil {
		return err
	}
	if req.Transaction == nil {
		return fault.New(fault.Validation, "transaction is required")
	}
	if err := req.Transaction.Validate(); err != nil {
		return fault.Wrap(fault.Validation, err)
	}

	var clean = *req.Transaction
	clean.Dirty = false
	var current, err = s.Txns.UpdateVersioned(ctx, &clean)
	if err != nil {
		if fault.KindOf(err) == fault.Conflict && current != nil {
			ops.SyncPushesTotal.WithLabelValues("conflict").Inc()
			writeEnvelope(w, http.StatusConflict, syncPushResponse{Current: current})
			return nil
		}
		return err
	}

	ops.SyncPushesTotal.WithLabelValues("accepted").Inc()
	writeEnvelope(w, http.StatusOK, syncPushResponse{Accepted: true})
	return nil
}

type syncPullRequest struct {
	UserId ids.UserId `json:"userId"`
	Since  int64      `json:"since"` // Epoch millis, exclusive.
	Limit  int        `json:"limit,omitempty"`
}

type syncPullResponse struct {
	Transactions []*ledger.Transaction `json:"transactions"`
	Next         int64                 `json:"next"` // Epoch millis cursor.
}

// serveSyncPull pages rows updated strictly after the cursor.
func (s *Server) serveSyncPull(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req syncPullRequest
	if err := decodeInto(r, &req); err != nil {
		return err
	}
	if err := req.UserId.Validate(); err != nil {
		return fault.Wrap(fault.Validation, err)
	}
	if req.Limit <= 0 || req.Limit > 1000 {
		req.Limit = 1000
	}

	var rows, next, err = s.Txns.ListSince(ctx, req.UserId, time.UnixMilli(req.Since), req.Limit)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []*ledger.Transaction{}
	}
	writeEnvelope(w, http.StatusOK, syncPullResponse{Transactions: rows, Next: next.UnixMilli()})
	return nil
}
