package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ops"
	"github.com/yorutsuke/yorutsuke/store/docstore"
)

func (s *Server) serveControlGet(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var record, err = s.Control.Get(ctx)
	if err == docstore.ErrNotFound {
		record = docstore.ControlRecord{}
	} else if err != nil {
		return err
	}
	writeEnvelope(w, http.StatusOK, record)
	return nil
}

type controlRequest struct {
	Action    string `json:"action"` // "activate" or "deactivate".
	Reason    string `json:"reason,omitempty"`
	UpdatedBy string `json:"updatedBy,omitempty"`
}

// serveControlPost flips the emergency stop. The presign gate's cached
// read is invalidated so the flip takes effect immediately here, and
// within controlCacheTTL on other gateway processes.
func (s *Server) serveControlPost(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req controlRequest
	if err := decodeInto(r, &req); err != nil {
		return err
	}

	var record = docstore.ControlRecord{
		Reason:    req.Reason,
		UpdatedAt: s.Now(),
		UpdatedBy: req.UpdatedBy,
	}
	switch req.Action {
	case "activate":
		record.EmergencyStop = true
	case "deactivate":
		record.EmergencyStop = false
	default:
		return fault.New(fault.Validation, "action %q must be activate or deactivate", req.Action)
	}

	if err := s.Control.Set(ctx, record); err != nil {
		return err
	}
	s.stopCache().Remove("control")

	ops.PublishLog(s.Publisher, ops.LevelWarn, ops.EmergencyStop, ops.TraceOf(ctx), "",
		"emergencyStop", record.EmergencyStop, "reason", record.Reason)
	writeEnvelope(w, http.StatusOK, record)
	return nil
}

type deleteDataRequest struct {
	UserId ids.UserId `json:"userId"`
	Types  []string   `json:"types"` // "transactions" and/or "images".
}

type deleteDataResponse struct {
	Deleted map[string]int `json:"deleted"`
}

// serveDeleteData erases a user's cloud footprint: transaction rows,
// and/or every object still under their uploads/ prefix.
func (s *Server) serveDeleteData(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req deleteDataRequest
	if err := decodeInto(r, &req); err != nil {
		return err
	}
	if err := req.UserId.Validate(); err != nil {
		return fault.Wrap(fault.Validation, err)
	}
	if len(req.Types) == 0 {
		return fault.New(fault.Validation, "types must name transactions and/or images")
	}

	var deleted = make(map[string]int, len(req.Types))
	for _, kind := range req.Types {
		switch kind {
		case "transactions":
			var n, err = s.Txns.DeleteAll(ctx, req.UserId)
			if err != nil {
				return err
			}
			deleted["transactions"] = n
		case "images":
			var n, err = s.deleteUploads(ctx, req.UserId)
			if err != nil {
				return err
			}
			deleted["images"] = n
		default:
			return fault.New(fault.Validation, "unknown deletion type %q", kind)
		}
	}

	ops.PublishLog(s.Publisher, ops.LevelWarn, ops.DataDeleted, ops.TraceOf(ctx), req.UserId,
		"deleted", deleted)
	writeEnvelope(w, http.StatusOK, deleteDataResponse{Deleted: deleted})
	return nil
}

func (s *Server) deleteUploads(ctx context.Context, user ids.UserId) (int, error) {
	var prefix = "uploads/" + string(user) + "/"
	var keys, err = s.Objects.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	var n int
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err = s.Objects.Delete(ctx, key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
