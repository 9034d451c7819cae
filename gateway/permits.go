package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ledger"
	"github.com/yorutsuke/yorutsuke/ops"
	"github.com/yorutsuke/yorutsuke/permit"
	"github.com/yorutsuke/yorutsuke/store/object"
)

type permitRequest struct {
	UserId ids.UserId `json:"userId"`
	// ValidDays distinguishes an absent field (default lifetime) from an
	// explicit zero, which is rejected.
	ValidDays *int `json:"validDays,omitempty"`
}

type permitResponse struct {
	Permit permit.Permit `json:"permit"`
}

func (s *Server) servePermit(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req permitRequest
	if err := decodeInto(r, &req); err != nil {
		return err
	}

	var validDays = permit.DefaultValidDays
	if req.ValidDays != nil {
		validDays = *req.ValidDays
	}
	var issued, err = s.Issuer.Issue(req.UserId, validDays)
	if err != nil {
		return err
	}
	ops.PublishLog(s.Publisher, ops.LevelInfo, ops.PermitIssued, ops.TraceOf(ctx), req.UserId,
		"tier", issued.Tier, "expiresAt", issued.ExpiresAt)
	writeEnvelope(w, http.StatusOK, permitResponse{Permit: issued})
	return nil
}

type quotaRequest struct {
	UserId ids.UserId `json:"userId"`
}

type quotaResponse struct {
	Used      int64      `json:"used"`
	Limit     int64      `json:"limit"`
	Remaining int64      `json:"remaining"`
	ResetsAt  string     `json:"resetsAt"` // ISO-8601, next JST midnight.
	Tier      ids.Tier   `json:"tier"`
	Guest     *guestInfo `json:"guest,omitempty"`
}

type guestInfo struct {
	DataExpiresAt       string `json:"dataExpiresAt"`
	DaysUntilExpiration int    `json:"daysUntilExpiration"`
}

// serveQuota reports the legacy daily counter of the user's tier. Guests
// additionally learn when their cloud rows expire.
func (s *Server) serveQuota(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req quotaRequest
	if err := decodeInto(r, &req); err != nil {
		return err
	}
	if err := req.UserId.Validate(); err != nil {
		return fault.Wrap(fault.Validation, err)
	}

	var now = s.Now()
	var tier = req.UserId.TierFor()
	var limit = permit.LegacyDailyLimits[tier]

	var used, err = s.Quotas.Get(ctx, req.UserId, object.JSTDate(now))
	if err != nil {
		return err
	}
	var remaining = limit - used
	if remaining < 0 {
		remaining = 0
	}

	var resp = quotaResponse{
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
		ResetsAt:  nextJSTMidnight(now).Format(time.RFC3339),
		Tier:      tier,
	}
	if req.UserId.IsGuest() {
		var expires = now.Add(ledger.GuestTTL)
		resp.Guest = &guestInfo{
			DataExpiresAt:       expires.UTC().Format(time.RFC3339),
			DaysUntilExpiration: int(expires.Sub(now).Hours() / 24),
		}
	}
	writeEnvelope(w, http.StatusOK, resp)
	return nil
}

func nextJSTMidnight(now time.Time) time.Time {
	var jst = now.In(object.JST)
	var midnight = time.Date(jst.Year(), jst.Month(), jst.Day(), 0, 0, 0, 0, object.JST)
	return midnight.AddDate(0, 0, 1)
}
