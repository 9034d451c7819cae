package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ops"
	"github.com/yorutsuke/yorutsuke/store/docstore"
	"github.com/yorutsuke/yorutsuke/store/object"
)

// Batch sizing. Below the minimum the instant path is cheaper; above the
// maximum the vendor rejects the job.
const (
	MinBatchImages = 100
	MaxBatchImages = 1000
)

// BatchJobTTL is how long job records are retained.
const BatchJobTTL = 7 * 24 * time.Hour

// SubmitTimeout bounds the vendor submission call.
const SubmitTimeout = 10 * time.Second

// Batch cost model, used only for the estimate echoed to the caller.
const (
	batchCostPerImageUSD  = 0.0008
	batchBaseDurationMin  = 30
	batchPerImageDuration = 2 // Minutes per hundred images.
)

// SubmitInput is one batch submission request.
type SubmitInput struct {
	IntentId        ids.IntentId  `json:"intentId"`
	UserId          ids.UserId    `json:"userId"`
	PendingImageIds []ids.ImageId `json:"pendingImageIds"`
	ModelId         string        `json:"modelId"`
}

// SubmitReceipt acknowledges an accepted (or replayed) batch submission.
type SubmitReceipt struct {
	JobId                ids.JobId            `json:"jobId"`
	Status               docstore.BatchStatus `json:"status"`
	StatusUrl            string               `json:"statusUrl"`
	ImageCount           int                  `json:"imageCount"`
	EstimatedCostUSD     float64              `json:"estimatedCost"`
	EstimatedDurationMin int                  `json:"estimatedDurationMinutes"`
	Duplicate            bool                 `json:"duplicate,omitempty"`
}

// manifestRecord is one JSONL line of a batch-input manifest.
type manifestRecord struct {
	ModelId string `json:"modelId"`
	Input   struct {
		Text  string `json:"text"`
		Image string `json:"image"` // Base64.
	} `json:"input"`
	CustomData ids.ImageId `json:"customData"`
}

// Orchestrator turns accumulated uploads into one vendor batch job,
// exactly once per intent.
type Orchestrator struct {
	Jobs      docstore.BatchJobs
	Objects   object.Store
	Submitter BatchSubmitter
	Merchants *Merchants
	Publisher ops.Publisher
	// StorageUri prefixes object keys into vendor-addressable URIs,
	// e.g. "s3://yorutsuke-receipts".
	StorageUri string
	// VendorTimeout overrides SubmitTimeout when set.
	VendorTimeout time.Duration
	Now           func() time.Time
}

// Submit runs the submission protocol: idempotency pre-check, conditional
// insert barrier, manifest build, vendor submission, job record update.
func (o *Orchestrator) Submit(ctx context.Context, input SubmitInput) (SubmitReceipt, error) {
	if err := input.IntentId.Validate(); err != nil {
		return SubmitReceipt{}, fault.Wrap(fault.Validation, err)
	} else if err := input.UserId.Validate(); err != nil {
		return SubmitReceipt{}, fault.Wrap(fault.Validation, err)
	}
	if n := len(input.PendingImageIds); n < MinBatchImages || n > MaxBatchImages {
		return SubmitReceipt{}, fault.New(fault.Validation,
			"batch must carry between %d and %d images, got %d", MinBatchImages, MaxBatchImages, n)
	}

	var trace = ops.TraceOf(ctx)

	// Pre-check: a replayed intent returns the already-assigned job.
	var existing, err = o.Jobs.Get(ctx, input.IntentId)
	if err == nil {
		ops.PublishLog(o.Publisher, ops.LevelInfo, ops.BatchDuplicate, trace, input.UserId,
			"intentId", input.IntentId, "jobId", existing.JobId)
		return o.receiptOf(existing, true), nil
	} else if err != docstore.ErrNotFound {
		return SubmitReceipt{}, err
	}

	// Barrier: exactly one concurrent submitter of this intent proceeds.
	var job = &docstore.BatchJob{
		IntentId:   input.IntentId,
		UserId:     input.UserId,
		Status:     docstore.BatchProcessing,
		SubmitTime: o.Now(),
		ImageCount: len(input.PendingImageIds),
		ModelId:    input.ModelId,
		TTL:        o.Now().Add(BatchJobTTL).Unix(),
	}
	if err = o.Jobs.PutIfAbsent(ctx, job); err != nil {
		if fault.KindOf(err) == fault.IdempotentDuplicate {
			return SubmitReceipt{}, fault.New(fault.Conflict,
				"submission of intent %s is in progress", input.IntentId)
		}
		return SubmitReceipt{}, err
	}
	ops.PublishLog(o.Publisher, ops.LevelInfo, ops.BatchStarted, trace, input.UserId,
		"intentId", input.IntentId, "imageCount", job.ImageCount)

	jobId, manifestUri, err := o.submitOnce(ctx, input)
	if err != nil {
		job.Status = docstore.BatchFailed
		if updateErr := o.Jobs.Update(ctx, job); updateErr != nil {
			return SubmitReceipt{}, fmt.Errorf("recording failure of %s: %w", input.IntentId, updateErr)
		}
		return SubmitReceipt{}, err
	}

	job.JobId = jobId
	job.Status = docstore.BatchSubmitted
	job.ManifestUri = manifestUri
	if err = o.Jobs.Update(ctx, job); err != nil {
		return SubmitReceipt{}, err
	}

	ops.BatchJobsSubmittedTotal.Inc()
	ops.PublishLog(o.Publisher, ops.LevelInfo, ops.BatchSubmitted, trace, input.UserId,
		"intentId", input.IntentId, "jobId", jobId, "imageCount", job.ImageCount)
	return o.receiptOf(job, false), nil
}

// submitOnce builds and stores the manifest and starts the vendor job.
func (o *Orchestrator) submitOnce(ctx context.Context, input SubmitInput) (ids.JobId, string, error) {
	var keys, err = uploadKeysOf(ctx, o.Objects, input.UserId)
	if err != nil {
		return "", "", err
	}

	var merchants []string
	if o.Merchants != nil {
		merchants = o.Merchants.List(ctx)
	}
	var prompt = ExtractionPrompt(merchants)

	var manifest bytes.Buffer
	for _, imageId := range input.PendingImageIds {
		var key, ok = keys[imageId]
		if !ok {
			return "", "", fault.New(fault.Validation, "image %s has no upload object", imageId)
		}
		obj, err := o.Objects.Get(ctx, key)
		if err != nil {
			return "", "", fmt.Errorf("fetching %s: %w", key, err)
		}

		var record = manifestRecord{ModelId: input.ModelId, CustomData: imageId}
		record.Input.Text = prompt
		record.Input.Image = base64.StdEncoding.EncodeToString(obj.Body)

		line, err := json.Marshal(record)
		if err != nil {
			return "", "", fmt.Errorf("encoding manifest record of %s: %w", imageId, err)
		}
		manifest.Write(line)
		manifest.WriteByte('\n')
	}

	var manifestKey = object.ManifestKey(o.Now())
	if err = o.Objects.Put(ctx, manifestKey, manifest.Bytes(), nil); err != nil {
		return "", "", fmt.Errorf("storing manifest: %w", err)
	}
	var manifestUri = o.uriOf(manifestKey)

	var timeout = o.VendorTimeout
	if timeout == 0 {
		timeout = SubmitTimeout
	}
	submitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jobId, err := o.Submitter.SubmitBatch(submitCtx, input.IntentId, input.ModelId,
		manifestUri, o.uriOf("batch-output/"))
	if err != nil {
		return "", "", err
	}
	return jobId, manifestUri, nil
}

func (o *Orchestrator) receiptOf(job *docstore.BatchJob, duplicate bool) SubmitReceipt {
	return SubmitReceipt{
		JobId:                job.JobId,
		Status:               job.Status,
		StatusUrl:            "/batch/jobs/" + string(job.JobId),
		ImageCount:           job.ImageCount,
		EstimatedCostUSD:     float64(job.ImageCount) * batchCostPerImageUSD,
		EstimatedDurationMin: batchBaseDurationMin + job.ImageCount/100*batchPerImageDuration,
		Duplicate:            duplicate,
	}
}

func (o *Orchestrator) uriOf(key string) string {
	if o.StorageUri == "" {
		return key
	}
	return strings.TrimSuffix(o.StorageUri, "/") + "/" + key
}

// uploadKeysOf indexes the user's uploads/ prefix by ImageId.
func uploadKeysOf(ctx context.Context, objects object.Store, user ids.UserId) (map[ids.ImageId]string, error) {
	var keys, err = objects.List(ctx, "uploads/"+string(user)+"/")
	if err != nil {
		return nil, fmt.Errorf("listing uploads of %s: %w", user, err)
	}
	var out = make(map[ids.ImageId]string, len(keys))
	for _, key := range keys {
		var base = path.Base(key)
		var stem = strings.TrimSuffix(base, path.Ext(base))
		out[ids.ImageId(stem)] = key
	}
	return out, nil
}
