package txsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ledger"
	"github.com/yorutsuke/yorutsuke/ops"
)

// RequestTimeout bounds one sync round-trip, measured from dispatch.
const RequestTimeout = 10 * time.Second

// HTTPRemote is the Remote implementation speaking to the cloud gateway's
// /sync endpoints.
type HTTPRemote struct {
	BaseURL string
	HTTP    *http.Client
	// Timeout overrides RequestTimeout when set.
	Timeout time.Duration
}

var _ Remote = &HTTPRemote{}

type pushEnvelope struct {
	Transaction *ledger.Transaction `json:"transaction"`
}

type pushReply struct {
	Accepted bool                `json:"accepted"`
	Current  *ledger.Transaction `json:"current,omitempty"`
}

func (r *HTTPRemote) Push(ctx context.Context, txn *ledger.Transaction) (*ledger.Transaction, error) {
	var status, body, err = r.post(ctx, "/sync/push", pushEnvelope{Transaction: txn})
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		return nil, nil
	case http.StatusConflict:
		var reply pushReply
		if err = json.Unmarshal(body, &reply); err != nil || reply.Current == nil {
			return nil, fault.New(fault.Conflict, "push of %s rejected without a server row", txn.Id)
		}
		return reply.Current, fault.New(fault.Conflict,
			"push of %s is stale: server holds version %d", txn.Id, reply.Current.Version)
	default:
		return nil, replyFault(status, body)
	}
}

type pullEnvelope struct {
	UserId ids.UserId `json:"userId"`
	Since  int64      `json:"since"`
	Limit  int        `json:"limit,omitempty"`
}

type pullReply struct {
	Transactions []*ledger.Transaction `json:"transactions"`
	Next         int64                 `json:"next"`
}

func (r *HTTPRemote) Pull(ctx context.Context, user ids.UserId, since time.Time, limit int) ([]*ledger.Transaction, time.Time, error) {
	var status, body, err = r.post(ctx, "/sync/pull", pullEnvelope{
		UserId: user,
		Since:  since.UnixMilli(),
		Limit:  limit,
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	if status != http.StatusOK {
		return nil, time.Time{}, replyFault(status, body)
	}

	var reply pullReply
	if err = json.Unmarshal(body, &reply); err != nil {
		return nil, time.Time{}, fmt.Errorf("decoding pull reply: %w", err)
	}
	return reply.Transactions, time.UnixMilli(reply.Next), nil
}

func (r *HTTPRemote) post(ctx context.Context, path string, payload interface{}) (int, []byte, error) {
	var timeout = r.Timeout
	if timeout == 0 {
		timeout = RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body, err = json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ops.TraceHeader, string(ops.TraceOf(ctx)))

	var client = r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fault.Wrap(fault.KindOf(err), err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, 1<<24))
	if err != nil {
		return 0, nil, fault.Wrap(fault.Network, err)
	}
	return resp.StatusCode, reply, nil
}

// replyFault classifies a non-2xx sync reply through its error envelope.
func replyFault(status int, body []byte) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	var kind = fault.FromStatus(status, envelope.Error.Code)
	if kind == "" {
		kind = fault.Unknown
	}
	return fault.New(kind, "sync rejected with %d %s: %s",
		status, envelope.Error.Code, envelope.Error.Message)
}
