package txsync

import (
	"context"
	"time"

	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ledger"
	"github.com/yorutsuke/yorutsuke/store/docstore"
)

// Remote is the cloud transaction surface the sync engine talks to.
type Remote interface {
	// Push submits one row. A stale version is rejected with a fault of
	// kind Conflict and the server's current row, which the caller uses
	// to rebase.
	Push(ctx context.Context, txn *ledger.Transaction) (*ledger.Transaction, error)
	// Pull returns rows updated strictly after |since|, with the next cursor.
	Pull(ctx context.Context, user ids.UserId, since time.Time, limit int) ([]*ledger.Transaction, time.Time, error)
}

// DocstoreRemote serves Remote directly from the transaction table. The
// cloud gateway's sync handlers and in-process tests both run through it.
type DocstoreRemote struct {
	Txns docstore.Transactions
}

var _ Remote = &DocstoreRemote{}

func (r *DocstoreRemote) Push(ctx context.Context, txn *ledger.Transaction) (*ledger.Transaction, error) {
	// The store never sees client-only state.
	var clean = *txn
	clean.Dirty = false
	var current, err = r.Txns.UpdateVersioned(ctx, &clean)
	if err != nil {
		return current, err
	}
	return nil, nil
}

func (r *DocstoreRemote) Pull(ctx context.Context, user ids.UserId, since time.Time, limit int) ([]*ledger.Transaction, time.Time, error) {
	return r.Txns.ListSince(ctx, user, since, limit)
}
