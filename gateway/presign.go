package gateway

import (
	"context"
	"net/http"
	"path"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ops"
	"github.com/yorutsuke/yorutsuke/permit"
	"github.com/yorutsuke/yorutsuke/store/docstore"
	"github.com/yorutsuke/yorutsuke/store/object"
)

type presignRequest struct {
	UserId      ids.UserId     `json:"userId"`
	FileName    string         `json:"fileName"`
	ContentType string         `json:"contentType"`
	ImageId     ids.ImageId    `json:"imageId,omitempty"`
	Action      string         `json:"action,omitempty"` // "upload" (default) or "download".
	S3Key       string         `json:"s3Key,omitempty"`
	Permit      *permit.Permit `json:"permit,omitempty"`
	TraceId     ids.TraceId    `json:"traceId,omitempty"`
}

type presignResponse struct {
	Url     string      `json:"url"`
	Key     string      `json:"key"`
	TraceId ids.TraceId `json:"traceId"`
}

// servePresign is the upload gate: emergency stop, then permit or legacy
// quota, then a presigned URL carrying the trace as object metadata.
func (s *Server) servePresign(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req presignRequest
	if err := decodeInto(r, &req); err != nil {
		return err
	}
	// The header wins; the body traceId is honored only in its absence.
	var trace = ids.TraceId(r.Header.Get(ops.TraceHeader))
	if trace == "" && req.TraceId != "" {
		trace = req.TraceId
		w.Header().Set(ops.TraceHeader, string(trace))
		ctx = ops.WithTrace(ctx, trace)
	} else {
		trace = ops.TraceOf(ctx)
	}

	record, err := s.emergencyStop(ctx)
	if err != nil {
		return err
	}
	if record.EmergencyStop {
		ops.PublishLog(s.Publisher, ops.LevelWarn, ops.EmergencyStop, trace, req.UserId,
			"reason", record.Reason)
		var body errorBody
		body.Error.Code = "SERVICE_UNAVAILABLE"
		body.Error.Message = "uploads are temporarily suspended"
		body.Error.Retryable = true
		writeEnvelope(w, http.StatusServiceUnavailable, body)
		return nil
	}

	if err = req.UserId.Validate(); err != nil {
		return fault.Wrap(fault.Validation, err)
	}
	if req.Action == "download" {
		if req.S3Key == "" {
			return fault.New(fault.Validation, "download requires s3Key")
		}
		url, err := s.Presigner.PresignGet(ctx, req.S3Key)
		if err != nil {
			return err
		}
		writeEnvelope(w, http.StatusOK, presignResponse{Url: url, Key: req.S3Key, TraceId: trace})
		return nil
	}

	if req.FileName == "" || req.ContentType == "" {
		return fault.New(fault.Validation, "upload requires fileName and contentType")
	}

	if req.Permit != nil {
		if err = s.checkPermit(ctx, trace, req.UserId, req.Permit); err != nil {
			return err
		}
	} else if err = s.checkLegacyQuota(ctx, trace, req.UserId); err != nil {
		return err
	}

	var key = s.uploadKeyOf(req)
	url, err := s.Presigner.PresignPut(ctx, key, req.ContentType,
		object.UploadMetadata(trace, req.UserId))
	if err != nil {
		return err
	}

	ops.PresignsIssuedTotal.Inc()
	ops.PublishLog(s.Publisher, ops.LevelInfo, ops.PresignIssued, trace, req.UserId,
		"key", key)
	writeEnvelope(w, http.StatusOK, presignResponse{Url: url, Key: key, TraceId: trace})
	return nil
}

// uploadKeyOf preserves the client's ImageId in the object key when one
// is sent, so asynchronous processing can attribute the resulting
// transaction. The ImageId is already of the {unixMillis}-{stem} shape.
func (s *Server) uploadKeyOf(req presignRequest) string {
	if req.ImageId == "" {
		return object.UploadKey(req.UserId, s.Now(), req.FileName)
	}
	return "uploads/" + string(req.UserId) + "/" + string(req.ImageId) + path.Ext(req.FileName)
}

// checkPermit accepts a signed permit: fields shaped, not expired, and a
// signature reproducing exactly under a currently-valid key.
func (s *Server) checkPermit(ctx context.Context, trace ids.TraceId, user ids.UserId, p *permit.Permit) error {
	if err := p.Validate(); err != nil {
		return fault.Wrap(fault.Validation, err)
	}
	if p.UserId != user {
		return fault.New(fault.InvalidSignature, "permit was issued to another user")
	}
	if p.Expired(s.Now()) {
		ops.PublishLog(s.Publisher, ops.LevelWarn, ops.PermitRejected, trace, user,
			"reason", "expired")
		return fault.New(fault.PermitExpired, "permit expired at %s", p.ExpiresAt)
	}
	if !s.Keyring.Verify(p.CanonicalMessage(), p.Signature) {
		ops.PublishLog(s.Publisher, ops.LevelWarn, ops.PermitRejected, trace, user,
			"reason", "invalid_signature")
		return fault.New(fault.InvalidSignature, "permit signature does not verify")
	}
	return nil
}

// checkLegacyQuota is the permitless fallback: a server-tracked counter
// per (user, JST date), bumped on every successful issuance.
func (s *Server) checkLegacyQuota(ctx context.Context, trace ids.TraceId, user ids.UserId) error {
	var date = object.JSTDate(s.Now())
	var limit = permit.LegacyDailyLimits[user.TierFor()]

	var used, err = s.Quotas.Get(ctx, user, date)
	if err != nil {
		return err
	}
	if used >= limit {
		ops.PublishLog(s.Publisher, ops.LevelWarn, ops.QuotaExceeded, trace, user,
			"used", used, "limit", limit)
		return fault.New(fault.Quota, "daily quota %d/%d exhausted", used, limit)
	}
	_, err = s.Quotas.Increment(ctx, user, date)
	return err
}

// emergencyStop reads the control record through a 60s cache.
func (s *Server) emergencyStop(ctx context.Context) (docstore.ControlRecord, error) {
	var cache = s.stopCache()
	if record, ok := cache.Get("control"); ok {
		return record, nil
	}
	var record, err = s.Control.Get(ctx)
	if err == docstore.ErrNotFound {
		record = docstore.ControlRecord{}
	} else if err != nil {
		return docstore.ControlRecord{}, fault.Wrap(fault.Server, err)
	}
	cache.Add("control", record)
	return record, nil
}

func (s *Server) stopCache() *expirable.LRU[string, docstore.ControlRecord] {
	s.controlOnce.Do(func() {
		s.controlCache = expirable.NewLRU[string, docstore.ControlRecord](1, nil, controlCacheTTL)
	})
	return s.controlCache
}
