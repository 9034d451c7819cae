package object

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yorutsuke/yorutsuke/ids"
)

// JST is the zone used for all dated partitioning on the cloud side.
var JST = time.FixedZone("JST", 9*60*60)

// JSTDate formats |at| as the ISO calendar date in JST.
func JSTDate(at time.Time) string {
	return at.In(JST).Format("2006-01-02")
}

// UploadKey is the pre-OCR location of a receipt:
// uploads/{userId}/{unixMillis}-{fileName}.
func UploadKey(user ids.UserId, at time.Time, fileName string) string {
	return fmt.Sprintf("uploads/%s/%d-%s", user, at.UnixMilli(), fileName)
}

// ProcessedKey is the post-OCR location of a receipt, partitioned by the
// JST date of processing. Objects under processed/ carry a 30-day lifecycle.
func ProcessedKey(user ids.UserId, at time.Time, baseName string) string {
	return fmt.Sprintf("processed/%s/%s/%s", JSTDate(at), user, baseName)
}

// ManifestKey locates an orchestrator batch-input manifest.
func ManifestKey(at time.Time) string {
	return fmt.Sprintf("batch-input/manifest-%d.jsonl", at.UnixMilli())
}

// BatchOutputKey locates the vendor's result file for a batch job.
func BatchOutputKey(job ids.JobId) string {
	return fmt.Sprintf("batch-output/%s/output.jsonl", job)
}

// DeadLetterKey locates the envelope of a failed result migration.
func DeadLetterKey(job ids.JobId, at time.Time) string {
	return fmt.Sprintf("dead-letters/%s/%d.json", job, at.UnixMilli())
}

// MerchantsKey locates the cached common-merchant list.
const MerchantsKey = "merchants/common-merchants.json"

// ParseUploadKey splits an uploads/ key into its owner and ImageId.
// The ImageId is the `{unixMillis}-{stem}` remainder of the key.
func ParseUploadKey(key string) (ids.UserId, ids.ImageId, error) {
	var parts = strings.SplitN(key, "/", 3)
	if len(parts) != 3 || parts[0] != "uploads" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("key %q is not an upload key", key)
	}
	var base = parts[2]
	var stem = base
	if dot := strings.LastIndexByte(base, '.'); dot > 0 {
		stem = base[:dot]
	}
	var dash = strings.IndexByte(stem, '-')
	if dash <= 0 {
		return "", "", fmt.Errorf("key %q lacks a timestamp prefix", key)
	}
	if _, err := strconv.ParseInt(stem[:dash], 10, 64); err != nil {
		return "", "", fmt.Errorf("key %q has a malformed timestamp: %w", key, err)
	}
	return ids.UserId(parts[1]), ids.ImageId(stem), nil
}
