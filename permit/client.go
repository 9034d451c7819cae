package permit

import (
	"fmt"
	"time"

	"github.com/yorutsuke/yorutsuke/store/kvstore"
)

// CheckReason explains a quota decision.
type CheckReason string

const (
	ReasonAllowed           CheckReason = "allowed"
	ReasonNoPermit          CheckReason = "no_permit"
	ReasonPermitExpired     CheckReason = "permit_expired"
	ReasonTotalLimitReached CheckReason = "total_limit_reached"
	ReasonDailyLimitReached CheckReason = "daily_limit_reached"
)

// CheckResult is the outcome of a client-side quota check.
type CheckResult struct {
	Allowed        bool
	Reason         CheckReason
	RemainingTotal int64
	RemainingDaily int64 // -1 when the permit carries no daily cap.
}

// Usage carries the counters observed beside a stored permit. They are
// not covered by the permit signature.
type Usage struct {
	TotalUsed int64            `json:"totalUsed"`
	Daily     map[string]int64 `json:"daily"` // ISO date → uploads that day.
}

// usageRetention is how long daily counters are kept before pruning.
const usageRetention = 7 * 24 * time.Hour

// ClientStore holds the device's permit and its usage counters.
// All reads are pure functions of stored state and the injected clock.
type ClientStore struct {
	cells *kvstore.Store
	now   func() time.Time
}

func NewClientStore(cells *kvstore.Store, now func() time.Time) *ClientStore {
	if now == nil {
		now = time.Now
	}
	return &ClientStore{cells: cells, now: now}
}

// StorePermit replaces the device's permit. Usage counters persist
// across permit renewals.
func (s *ClientStore) StorePermit(p Permit) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("refusing to store invalid permit: %w", err)
	}
	return s.cells.PutJSON(kvstore.CellPermit, p)
}

// Stored returns the device's permit, or nil if none is stored.
func (s *ClientStore) Stored() (*Permit, error) {
	var p Permit
	var ok, err = s.cells.GetJSON(kvstore.CellPermit, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

// CheckCanUpload applies the quota decision in strict priority order:
// no_permit, permit_expired, total_limit_reached, daily_limit_reached.
func (s *ClientStore) CheckCanUpload() (CheckResult, error) {
	var p, err = s.Stored()
	if err != nil {
		return CheckResult{}, err
	}
	if p == nil {
		return CheckResult{Reason: ReasonNoPermit}, nil
	}
	if p.Expired(s.now()) {
		return CheckResult{Reason: ReasonPermitExpired}, nil
	}

	usage, err := s.usage()
	if err != nil {
		return CheckResult{}, err
	}

	var remainingTotal = p.TotalLimit - usage.TotalUsed
	if remainingTotal <= 0 {
		return CheckResult{Reason: ReasonTotalLimitReached}, nil
	}

	var remainingDaily int64 = -1
	if p.DailyRate > 0 {
		remainingDaily = p.DailyRate - usage.Daily[s.localToday()]
		if remainingDaily <= 0 {
			return CheckResult{Reason: ReasonDailyLimitReached}, nil
		}
	}
	return CheckResult{
		Allowed:        true,
		Reason:         ReasonAllowed,
		RemainingTotal: remainingTotal,
		RemainingDaily: remainingDaily,
	}, nil
}

// IncrementUsage bumps the total and today's counter together, pruning
// daily entries older than the retention window.
func (s *ClientStore) IncrementUsage() error {
	var usage, err = s.usage()
	if err != nil {
		return err
	}
	usage.TotalUsed++
	if usage.Daily == nil {
		usage.Daily = make(map[string]int64)
	}
	usage.Daily[s.localToday()]++

	var horizon = s.now().Add(-usageRetention)
	for date := range usage.Daily {
		var day, err = time.ParseInLocation("2006-01-02", date, time.Local)
		if err != nil || day.Before(horizon) {
			delete(usage.Daily, date)
		}
	}
	return s.cells.PutJSON(kvstore.CellPermitUsage, usage)
}

// CurrentUsage returns the observed counters.
func (s *ClientStore) CurrentUsage() (Usage, error) {
	return s.usage()
}

func (s *ClientStore) usage() (Usage, error) {
	var usage Usage
	var _, err = s.cells.GetJSON(kvstore.CellPermitUsage, &usage)
	return usage, err
}

// localToday is the device-local ISO calendar date. The client's daily
// rate is deliberately evaluated in the device zone, while server-side
// counters use JST.
func (s *ClientStore) localToday() string {
	return s.now().Local().Format("2006-01-02")
}
