package ocr

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ledger"
	"github.com/yorutsuke/yorutsuke/ops"
	"github.com/yorutsuke/yorutsuke/store/docstore"
	"github.com/yorutsuke/yorutsuke/store/object"
)

// InstantProcessor handles one object-created event under uploads/: it
// extracts a transaction, conditionally inserts it, and migrates the
// object to its processed/ location.
type InstantProcessor struct {
	Objects   object.Store
	Txns      docstore.Transactions
	Vision    Vision
	Merchants *Merchants
	Publisher ops.Publisher
	Now       func() time.Time
}

// HandleObjectCreated processes the upload at |key|. Reprocessing the same
// key converges on the same transaction row: the id is a pure function of
// the key, and the insert is conditional.
func (p *InstantProcessor) HandleObjectCreated(ctx context.Context, key string) error {
	var user, imageId, err = object.ParseUploadKey(key)
	if err != nil {
		return fmt.Errorf("rejecting object event: %w", err)
	}

	obj, err := p.Objects.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("fetching upload %s: %w", key, err)
	}
	// The upload carries its trace across the asynchronous boundary.
	var trace = ids.TraceId(obj.Metadata[object.MetaTraceId])

	var txnId = ids.TransactionIdForImage(imageId)
	var merchants []string
	if p.Merchants != nil {
		merchants = p.Merchants.List(ctx)
	}

	text, err := p.Vision.ExtractReceipt(ctx, obj.Body, mediaTypeOf(key), merchants)
	if err != nil {
		return fmt.Errorf("extracting %s: %w", key, err)
	}

	var txn = p.buildTransaction(txnId, user, imageId, text)
	if err = p.Txns.PutIfAbsent(ctx, txn); err != nil {
		if fault.KindOf(err) == fault.IdempotentDuplicate {
			ops.PublishLog(p.Publisher, ops.LevelInfo, ops.ResultIngested, trace, user,
				"transactionId", txnId, "disposition", "duplicate")
		} else {
			return err
		}
	} else {
		ops.ResultsIngestedTotal.WithLabelValues(string(txn.Status)).Inc()
		ops.PublishLog(p.Publisher, ops.LevelInfo, ops.ResultIngested, trace, user,
			"transactionId", txnId, "disposition", string(txn.Status))
	}

	// Migrate uploads/ → processed/, partitioned by the JST processing date.
	var dst = object.ProcessedKey(user, p.Now(), path.Base(key))
	if err = p.Objects.Copy(ctx, key, dst); err != nil {
		return fmt.Errorf("migrating %s: %w", key, err)
	}
	if err = p.Objects.Delete(ctx, key); err != nil {
		return fmt.Errorf("removing migrated %s: %w", key, err)
	}
	return nil
}

// buildTransaction airlocks |text| into a transaction row. Output that
// fails the airlock still yields a row, in needs_review with the full
// problem list, so the capture is never silently dropped.
func (p *InstantProcessor) buildTransaction(id ids.TransactionId, user ids.UserId, image ids.ImageId, text string) *ledger.Transaction {
	var now = p.Now()
	var txn = &ledger.Transaction{
		Id:        id,
		UserId:    user,
		ImageId:   image,
		Status:    ledger.StatusUnconfirmed,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if user.IsGuest() {
		txn.TTL = now.Add(ledger.GuestTTL).Unix()
	}

	var extraction, ok, problems = Airlock(text)
	if !ok {
		txn.Status = ledger.StatusNeedsReview
		txn.ReviewNotes = strings.Join(problems, "; ")
		return txn
	}

	txn.Amount = ids.Money(extraction.Amount)
	txn.Type = ledger.Type(extraction.Type)
	txn.Date = extraction.Date
	txn.Merchant = extraction.Merchant
	txn.Category = extraction.Category
	txn.Description = extraction.Description
	return txn
}

// mediaTypeOf reflects the upload key's extension.
func mediaTypeOf(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "image/webp"
	}
}
