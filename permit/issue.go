package permit

import (
	"time"

	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
)

// DefaultValidDays is the issued lifetime when the caller doesn't name one.
const DefaultValidDays = 30

// Issuer mints signed permits.
type Issuer struct {
	Keyring *Keyring
	Now     func() time.Time
}

// Issue mints a permit for |user|. |validDays| must be positive; a
// caller wanting the default lifetime passes DefaultValidDays explicitly
// (non-integer wire values are rejected upstream during request decoding).
func (i *Issuer) Issue(user ids.UserId, validDays int) (Permit, error) {
	if err := user.Validate(); err != nil {
		return Permit{}, fault.Wrap(fault.Validation, err)
	}
	if validDays <= 0 {
		return Permit{}, fault.New(fault.Validation, "validDays %d must be a positive integer", validDays)
	}

	var now = i.Now().UTC()
	var tier = user.TierFor()
	var limits = LimitsForTier(tier)

	var p = Permit{
		UserId:     user,
		TotalLimit: limits.TotalLimit,
		DailyRate:  limits.DailyRate,
		IssuedAt:   now.Format(TimeFormat),
		ExpiresAt:  now.Add(time.Duration(validDays) * 24 * time.Hour).Format(TimeFormat),
		Tier:       tier,
		KeyVersion: i.Keyring.CurrentVersion(),
	}
	p.Signature = i.Keyring.Sign(p.CanonicalMessage())
	return p, nil
}
