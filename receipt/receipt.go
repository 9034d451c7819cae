// Package receipt models captured receipt images and the monotone state
// machine that carries them from capture through OCR confirmation.
package receipt

import (
	"fmt"
	"time"

	"github.com/yorutsuke/yorutsuke/ids"
)

// Status of a receipt image within the upload pipeline.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCompressed Status = "compressed"
	StatusUploading  Status = "uploading"
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusConfirmed  Status = "confirmed"
	StatusRetrying   Status = "retrying"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Terminal is true of statuses an image never leaves.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusSkipped
}

// legalTransitions is the full transition relation. Transitions not listed
// are forbidden, including self-transitions.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusCompressed, StatusFailed, StatusSkipped},
	StatusCompressed: {StatusUploading, StatusFailed, StatusSkipped},
	StatusUploading:  {StatusUploaded, StatusRetrying, StatusFailed, StatusCompressed},
	StatusRetrying:   {StatusUploading, StatusFailed, StatusCompressed},
	StatusUploaded:   {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusProcessed, StatusFailed},
	StatusProcessed:  {StatusConfirmed},
	StatusFailed:     {StatusPending},
	StatusConfirmed:  nil,
	StatusSkipped:    nil,
}

// Transition validates that |from| may move to |to|.
// The uploading → compressed edge exists only for crash recovery, and
// failed → pending only for retry.
func Transition(from, to Status) error {
	for _, legal := range legalTransitions[from] {
		if legal == to {
			return nil
		}
	}
	return fmt.Errorf("illegal image transition %s → %s", from, to)
}

// MaxRetryCount bounds failed → pending retries of a single image.
const MaxRetryCount = 3

// RetryDelays schedules bounded retries of transient upload failures.
var RetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Image is a captured receipt and its pipeline bookkeeping.
type Image struct {
	Id             ids.ImageId
	UserId         ids.UserId
	TraceId        ids.TraceId
	Status         Status
	LocalPath      string
	ObjectKey      string
	MD5            []byte // 16 bytes once compressed; the dedup key.
	OriginalSize   int64
	CompressedSize int64
	RetryCount     int
	CreatedAt      time.Time
	UploadedAt     time.Time
	ProcessedAt    time.Time
	Error          string
}

// Validate checks the cross-field invariants of an Image row.
func (img *Image) Validate() error {
	if err := img.Id.Validate(); err != nil {
		return err
	} else if err := img.UserId.Validate(); err != nil {
		return err
	}
	if img.Status == StatusUploaded && (img.ObjectKey == "" || img.UploadedAt.IsZero()) {
		return fmt.Errorf("image %s is uploaded but lacks objectKey or uploadedAt", img.Id)
	}
	if img.Error != "" && img.Status != StatusFailed {
		return fmt.Errorf("image %s carries an error outside of failed", img.Id)
	}
	return nil
}
