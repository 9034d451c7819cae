// Package ids defines the nominal identifier types of the receipt pipeline.
// Every identifier is a distinct opaque type: string widening across a core
// boundary is a compile error, and conversions validate shape invariants.
package ids

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserId identifies the owner of receipts and transactions.
// Identifiers prefixed `device-` or `ephemeral-` denote guest users.
type UserId string

// ImageId identifies a captured receipt image as `{unixMillis}-{stem}`.
type ImageId string

// TransactionId identifies a ledger transaction. Rows created by the OCR
// pipeline use an id that is a stable function of the source ImageId;
// manually entered rows use a UUID.
type TransactionId string

// IntentId is an idempotency key attached to side-effectful calls.
type IntentId string

// TraceId is carried across every log line and request of one lifecycle.
type TraceId string

// JobId is assigned by the OCR vendor for a batch job.
type JobId string

// Tier is a quota tier attached to a user.
type Tier string

const (
	TierGuest Tier = "guest"
	TierFree  Tier = "free"
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
)

// Money is an amount in minor currency units. It is never fractional,
// and never negative; the currency is stored alongside it.
type Money int64

func (u UserId) Validate() error {
	if u == "" {
		return fmt.Errorf("userId cannot be empty")
	}
	return nil
}

// IsGuest is true for device-local and ephemeral identities.
func (u UserId) IsGuest() bool {
	return strings.HasPrefix(string(u), "device-") || strings.HasPrefix(string(u), "ephemeral-")
}

// TierFor derives the tier of a user when no explicit tier is known.
func (u UserId) TierFor() Tier {
	if u.IsGuest() {
		return TierGuest
	}
	return TierFree
}

func (i ImageId) Validate() error {
	if i == "" {
		return fmt.Errorf("imageId cannot be empty")
	} else if ind := strings.IndexByte(string(i), '-'); ind <= 0 {
		return fmt.Errorf("imageId %q lacks a timestamp prefix", i)
	}
	return nil
}

func (t TransactionId) Validate() error {
	if t == "" {
		return fmt.Errorf("transactionId cannot be empty")
	}
	return nil
}

func (i IntentId) Validate() error {
	if i == "" {
		return fmt.Errorf("intentId cannot be empty")
	}
	return nil
}

func (t TraceId) Validate() error {
	if t == "" {
		return fmt.Errorf("traceId cannot be empty")
	}
	return nil
}

func (j JobId) Validate() error {
	if j == "" {
		return fmt.Errorf("jobId cannot be empty")
	}
	return nil
}

func (m Money) Validate() error {
	if m < 0 {
		return fmt.Errorf("money amount %d cannot be negative", m)
	}
	return nil
}

// NewImageId builds the identifier of an image captured at |at| from
// |fileName|, as `{unixMillis}-{stem}`.
func NewImageId(at time.Time, fileName string) ImageId {
	var stem = strings.TrimSuffix(path.Base(fileName), path.Ext(fileName))
	return ImageId(fmt.Sprintf("%d-%s", at.UnixMilli(), stem))
}

// NewIntentId returns a fresh UUID v4 idempotency key.
func NewIntentId() IntentId { return IntentId(uuid.NewString()) }

// NewTraceId returns a fresh UUID v4 trace identifier.
func NewTraceId() TraceId { return TraceId(uuid.NewString()) }

// TransactionIdForImage is the stable transaction id of the instant OCR
// path: retries of the same object-created event converge on one row.
func TransactionIdForImage(image ImageId) TransactionId {
	return TransactionId("tx-" + string(image))
}

// NewManualTransactionId returns the id of a manually entered transaction.
func NewManualTransactionId() TransactionId { return TransactionId(uuid.NewString()) }
