package ocr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
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

// Result-ingestion chunking: conditional puts go out in chunks of this
// size, and a chunk's transient failures back off as 100·2^n ms.
const (
	resultChunkSize   = 25
	resultPutAttempts = 5
	resultBackoffBase = 100 * time.Millisecond
)

// resultLine is one JSONL line of a vendor batch output file.
type resultLine struct {
	CustomData ids.ImageId `json:"customData"`
	Output     struct {
		Text string `json:"text"`
	} `json:"output"`
}

// Ingested summarizes one processed batch output.
type Ingested struct {
	Accepted    int
	NeedsReview int
	Duplicates  int
	Rejected    int
	DeadLetters int
}

// ResultHandler ingests a completed batch job's output file.
type ResultHandler struct {
	Objects   object.Store
	Txns      docstore.Transactions
	Jobs      docstore.BatchJobs
	Publisher ops.Publisher
	Now       func() time.Time
	Sleep     func(context.Context, time.Duration) error
}

// HandleJobCompleted parses batch-output/{jobId}/output.jsonl, inserts the
// extracted transactions idempotently, migrates each source object to
// processed/, and marks the job completed. Per-image failures are isolated:
// they dead-letter and the batch continues.
func (h *ResultHandler) HandleJobCompleted(ctx context.Context, jobId ids.JobId) (Ingested, error) {
	var job, err = h.Jobs.GetByJobId(ctx, jobId)
	if err != nil {
		return Ingested{}, fmt.Errorf("resolving job %s: %w", jobId, err)
	}

	output, err := h.Objects.Get(ctx, object.BatchOutputKey(jobId))
	if err != nil {
		return Ingested{}, fmt.Errorf("fetching output of %s: %w", jobId, err)
	}

	var summary Ingested
	var txns []*ledger.Transaction
	var imageOf = make(map[ids.TransactionId]ids.ImageId)

	for _, raw := range strings.Split(string(output.Body), "\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		var line resultLine
		if err = json.Unmarshal([]byte(raw), &line); err != nil ||
			line.CustomData == "" || line.Output.Text == "" {
			summary.Rejected++
			ops.ResultsIngestedTotal.WithLabelValues("rejected").Inc()
			continue
		}

		var txn = h.buildTransaction(job, line)
		if txn.Status == ledger.StatusNeedsReview {
			summary.NeedsReview++
		}
		txns = append(txns, txn)
		imageOf[txn.Id] = line.CustomData
	}

	if err = h.putChunked(ctx, job, txns, &summary); err != nil {
		return summary, err
	}

	// Migrate each ingested image out of uploads/. A failed migration
	// dead-letters and never aborts the batch.
	for _, txn := range txns {
		if err = h.migrate(ctx, job, imageOf[txn.Id]); err != nil {
			summary.DeadLetters++
			h.deadLetter(ctx, job, imageOf[txn.Id], err)
		}
	}

	job.Status = docstore.BatchCompleted
	if err = h.Jobs.Update(ctx, job); err != nil {
		return summary, err
	}
	ops.PublishLog(h.Publisher, ops.LevelInfo, ops.BatchCompleted, "", job.UserId,
		"jobId", jobId,
		"accepted", summary.Accepted,
		"needsReview", summary.NeedsReview,
		"duplicates", summary.Duplicates,
		"rejected", summary.Rejected,
		"deadLetters", summary.DeadLetters)
	return summary, nil
}

// buildTransaction airlocks one result line into a transaction row. The id
// is a stable function of (jobId, imageId, submitTime): reprocessing the
// output file converges on the same rows.
func (h *ResultHandler) buildTransaction(job *docstore.BatchJob, line resultLine) *ledger.Transaction {
	var now = h.Now()
	var txn = &ledger.Transaction{
		Id:        BatchTransactionId(job.JobId, line.CustomData, job.SubmitTime),
		UserId:    job.UserId,
		ImageId:   line.CustomData,
		Status:    ledger.StatusUnconfirmed,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if job.UserId.IsGuest() {
		txn.TTL = now.Add(ledger.GuestTTL).Unix()
	}

	var extraction, ok, problems = Airlock(line.Output.Text)
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

// putChunked performs the conditional inserts in bounded chunks, backing
// off transient failures exponentially.
func (h *ResultHandler) putChunked(ctx context.Context, job *docstore.BatchJob, txns []*ledger.Transaction, summary *Ingested) error {
	for start := 0; start < len(txns); start += resultChunkSize {
		var end = start + resultChunkSize
		if end > len(txns) {
			end = len(txns)
		}
		var remaining = txns[start:end]

		for attempt := 0; len(remaining) != 0; attempt++ {
			var retriable []*ledger.Transaction
			for _, txn := range remaining {
				var err = h.Txns.PutIfAbsent(ctx, txn)
				switch {
				case err == nil:
					summary.Accepted++
					ops.ResultsIngestedTotal.WithLabelValues(string(txn.Status)).Inc()
				case fault.KindOf(err) == fault.IdempotentDuplicate:
					summary.Duplicates++
					ops.ResultsIngestedTotal.WithLabelValues("duplicate").Inc()
				case fault.KindOf(err).Retriable():
					retriable = append(retriable, txn)
				default:
					return fmt.Errorf("inserting transaction %s: %w", txn.Id, err)
				}
			}
			remaining = retriable
			if len(remaining) == 0 {
				break
			}
			if attempt+1 == resultPutAttempts {
				return fault.New(fault.Server,
					"job %s: %d inserts still failing after %d attempts", job.JobId, len(remaining), resultPutAttempts)
			}
			if err := h.sleep(ctx, resultBackoffBase*(1<<attempt)); err != nil {
				return err
			}
		}
	}
	return nil
}

// migrate moves one image from uploads/ to its processed/ location.
func (h *ResultHandler) migrate(ctx context.Context, job *docstore.BatchJob, imageId ids.ImageId) error {
	var keys, err = uploadKeysOf(ctx, h.Objects, job.UserId)
	if err != nil {
		return err
	}
	var key, ok = keys[imageId]
	if !ok {
		// Already migrated by a prior run of this handler.
		return nil
	}

	var dst = object.ProcessedKey(job.UserId, h.Now(), path.Base(key))
	if err = h.Objects.Copy(ctx, key, dst); err != nil {
		return fmt.Errorf("copying %s: %w", key, err)
	}
	if err = h.Objects.Delete(ctx, key); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

// deadLetter records a failed migration without failing the batch.
func (h *ResultHandler) deadLetter(ctx context.Context, job *docstore.BatchJob, imageId ids.ImageId, cause error) {
	var envelope, _ = json.Marshal(map[string]interface{}{
		"jobId":   job.JobId,
		"imageId": imageId,
		"error":   cause.Error(),
		"at":      h.Now().UTC().Format(time.RFC3339),
	})
	var key = object.DeadLetterKey(job.JobId, h.Now())
	if err := h.Objects.Put(ctx, key, envelope, nil); err != nil {
		ops.PublishLog(h.Publisher, ops.LevelError, ops.ResultDeadLetter, "", job.UserId,
			"jobId", job.JobId, "imageId", imageId, "error", err)
		return
	}
	ops.PublishLog(h.Publisher, ops.LevelWarn, ops.ResultDeadLetter, "", job.UserId,
		"jobId", job.JobId, "imageId", imageId, "key", key, "cause", cause)
}

func (h *ResultHandler) sleep(ctx context.Context, d time.Duration) error {
	if h.Sleep != nil {
		return h.Sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// BatchTransactionId derives the stable row id of one batch result.
func BatchTransactionId(job ids.JobId, image ids.ImageId, submitTime time.Time) ids.TransactionId {
	var sum = sha256.Sum256([]byte(fmt.Sprintf("%s#%s#%d", job, image, submitTime.UnixMilli())))
	return ids.TransactionId(hex.EncodeToString(sum[:])[:24])
}
