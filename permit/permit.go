// Package permit implements the signed capability tokens that bound how
// many receipts a user may upload, and the client- and server-side
// enforcement of those bounds.
package permit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yorutsuke/yorutsuke/ids"
)

// Permit is a signed upload capability. It is immutable once issued:
// any field drift invalidates the signature.
type Permit struct {
	UserId     ids.UserId `json:"userId"`
	TotalLimit int64      `json:"totalLimit"`
	// DailyRate of zero encodes "unlimited per day".
	DailyRate  int64    `json:"dailyRate"`
	ExpiresAt  string   `json:"expiresAt"` // ISO-8601 UTC.
	IssuedAt   string   `json:"issuedAt"`  // ISO-8601 UTC.
	Signature  string   `json:"signature"` // Hex-lowercase HMAC-SHA256.
	Tier       ids.Tier `json:"tier"`
	KeyVersion int      `json:"keyVersion"`
}

// TimeFormat is the wire timestamp layout of IssuedAt and ExpiresAt.
const TimeFormat = "2006-01-02T15:04:05Z"

// CanonicalMessage is the exact byte sequence covered by the signature:
// `userId:totalLimit:dailyRate:expiresAt:issuedAt`, no JSON, no whitespace.
func (p *Permit) CanonicalMessage() string {
	return strings.Join([]string{
		string(p.UserId),
		strconv.FormatInt(p.TotalLimit, 10),
		strconv.FormatInt(p.DailyRate, 10),
		p.ExpiresAt,
		p.IssuedAt,
	}, ":")
}

// Expired is true once |now| reaches ExpiresAt. A malformed ExpiresAt is
// treated as expired: a permit we cannot evaluate grants nothing.
func (p *Permit) Expired(now time.Time) bool {
	var expires, err = time.Parse(TimeFormat, p.ExpiresAt)
	if err != nil {
		return true
	}
	return !now.Before(expires)
}

// Validate checks required fields are present and shaped.
func (p *Permit) Validate() error {
	if err := p.UserId.Validate(); err != nil {
		return err
	}
	if p.TotalLimit <= 0 {
		return fmt.Errorf("permit totalLimit %d must be positive", p.TotalLimit)
	}
	if p.DailyRate < 0 {
		return fmt.Errorf("permit dailyRate %d cannot be negative", p.DailyRate)
	}
	if _, err := time.Parse(TimeFormat, p.IssuedAt); err != nil {
		return fmt.Errorf("permit issuedAt %q is malformed: %w", p.IssuedAt, err)
	}
	if _, err := time.Parse(TimeFormat, p.ExpiresAt); err != nil {
		return fmt.Errorf("permit expiresAt %q is malformed: %w", p.ExpiresAt, err)
	}
	if p.Signature == "" {
		return fmt.Errorf("permit signature is missing")
	}
	return nil
}

// TierLimits are the caps a tier grants its permits.
type TierLimits struct {
	TotalLimit int64
	DailyRate  int64
}

// LimitsForTier returns the permit caps of |tier|.
// Pro carries no daily cap.
func LimitsForTier(tier ids.Tier) TierLimits {
	switch tier {
	case ids.TierGuest:
		return TierLimits{TotalLimit: 30, DailyRate: 3}
	case ids.TierFree:
		return TierLimits{TotalLimit: 50, DailyRate: 5}
	case ids.TierBasic:
		return TierLimits{TotalLimit: 100, DailyRate: 10}
	case ids.TierPro:
		return TierLimits{TotalLimit: 1000, DailyRate: 0}
	default:
		return TierLimits{TotalLimit: 30, DailyRate: 3}
	}
}

// LegacyDailyLimits are the per-tier daily caps of the permitless
// fallback path, enforced by a server-tracked per-(user, JST date) counter.
var LegacyDailyLimits = map[ids.Tier]int64{
	ids.TierGuest: 30,
	ids.TierFree:  50,
	ids.TierBasic: 100,
	ids.TierPro:   300,
}
