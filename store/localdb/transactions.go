package localdb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ledger"
)

// UpsertTransaction writes |txn| wholesale, replacing any prior row.
func (d *DB) UpsertTransaction(txn *ledger.Transaction) error {
	var confirmedAt interface{}
	if !txn.ConfirmedAt.IsZero() {
		confirmedAt = txn.ConfirmedAt.UnixMilli()
	}
	var _, err = d.db.Exec(`
		INSERT INTO transactions (id, user_id, image_id, amount, type, date,
			merchant, category, description, status, version, dirty,
			created_at, updated_at, confirmed_at, review_notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			amount = excluded.amount, type = excluded.type,
			date = excluded.date, merchant = excluded.merchant,
			category = excluded.category, description = excluded.description,
			status = excluded.status, version = excluded.version,
			dirty = excluded.dirty, updated_at = excluded.updated_at,
			confirmed_at = excluded.confirmed_at,
			review_notes = excluded.review_notes;`,
		txn.Id, txn.UserId, txn.ImageId, txn.Amount, txn.Type, txn.Date,
		txn.Merchant, txn.Category, txn.Description, txn.Status, txn.Version,
		txn.Dirty, txn.CreatedAt.UnixMilli(), txn.UpdatedAt.UnixMilli(),
		confirmedAt, txn.ReviewNotes,
	)
	if err != nil {
		return fmt.Errorf("upserting transaction %s: %w", txn.Id, err)
	}
	return nil
}

// GetTransaction reads one transaction row.
func (d *DB) GetTransaction(id ids.TransactionId) (*ledger.Transaction, error) {
	var row = d.db.QueryRow(txnSelect+`WHERE id = ?;`, id)
	return scanTransaction(row)
}

// ListDirty returns every row awaiting push, oldest update first.
func (d *DB) ListDirty(user ids.UserId) ([]*ledger.Transaction, error) {
	return d.listTransactions(txnSelect+`
		WHERE user_id = ? AND dirty = 1 ORDER BY updated_at ASC, id ASC;`, user)
}

// ListTransactions returns every row of |user|.
func (d *DB) ListTransactions(user ids.UserId) ([]*ledger.Transaction, error) {
	return d.listTransactions(txnSelect+`
		WHERE user_id = ? ORDER BY date DESC, id ASC;`, user)
}

// ClearDirty resets the dirty flag of |id|, but only while the stored
// version still equals |version|: a concurrent local edit keeps its flag.
func (d *DB) ClearDirty(id ids.TransactionId, version int64) error {
	var _, err = d.db.Exec(`
		UPDATE transactions SET dirty = 0 WHERE id = ? AND version = ?;`,
		id, version)
	if err != nil {
		return fmt.Errorf("clearing dirty flag of %s: %w", id, err)
	}
	return nil
}

// MarkDirty raises the dirty flag of |id|.
func (d *DB) MarkDirty(id ids.TransactionId) error {
	var res, err = d.db.Exec(`UPDATE transactions SET dirty = 1 WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("marking %s dirty: %w", id, err)
	} else if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) listTransactions(query string, args ...interface{}) ([]*ledger.Transaction, error) {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

const txnSelect = `
	SELECT id, user_id, image_id, amount, type, date, merchant, category,
		description, status, version, dirty, created_at, updated_at,
		confirmed_at, review_notes
	FROM transactions `

func scanTransaction(row scannable) (*ledger.Transaction, error) {
	var txn ledger.Transaction
	var createdAt, updatedAt int64
	var confirmedAt sql.NullInt64

	var err = row.Scan(&txn.Id, &txn.UserId, &txn.ImageId, &txn.Amount,
		&txn.Type, &txn.Date, &txn.Merchant, &txn.Category, &txn.Description,
		&txn.Status, &txn.Version, &txn.Dirty, &createdAt, &updatedAt,
		&confirmedAt, &txn.ReviewNotes)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("scanning transaction row: %w", err)
	}

	txn.CreatedAt = time.UnixMilli(createdAt)
	txn.UpdatedAt = time.UnixMilli(updatedAt)
	if confirmedAt.Valid {
		txn.ConfirmedAt = time.UnixMilli(confirmedAt.Int64)
	}
	return &txn, nil
}
