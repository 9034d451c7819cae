// Package gateway is the cloud control plane: stateless JSON handlers
// over the document store, the object store, and the OCR orchestrator.
// Every endpoint accepts X-Trace-Id and echoes it back.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ocr"
	"github.com/yorutsuke/yorutsuke/ops"
	"github.com/yorutsuke/yorutsuke/permit"
	"github.com/yorutsuke/yorutsuke/store/docstore"
	"github.com/yorutsuke/yorutsuke/store/object"
)

// maxBodyBytes bounds any request body the gateway will decode.
const maxBodyBytes = 10 << 20

// controlCacheTTL is how long a read of the emergency-stop record is
// trusted before the gate re-reads it.
const controlCacheTTL = time.Minute

// BatchSubmitter is the orchestrator slice the gateway exposes.
type BatchSubmitter interface {
	Submit(ctx context.Context, input ocr.SubmitInput) (ocr.SubmitReceipt, error)
}

// Server routes the HTTP surface. All fields are required unless noted.
type Server struct {
	Keyring   *permit.Keyring
	Issuer    *permit.Issuer
	Objects   object.Store
	Presigner object.Presigner
	Txns      docstore.Transactions
	Jobs      docstore.BatchJobs
	Quotas    docstore.QuotaCounters
	Control   docstore.Control
	Batches   BatchSubmitter
	Publisher ops.Publisher
	Now       func() time.Time

	controlOnce  sync.Once
	controlCache *expirable.LRU[string, docstore.ControlRecord]
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	var mux = http.NewServeMux()
	mux.HandleFunc("/presign", s.wrap("POST", s.servePresign))
	mux.HandleFunc("/permit", s.wrap("POST", s.servePermit))
	mux.HandleFunc("/quota", s.wrap("POST", s.serveQuota))
	mux.HandleFunc("/batch/submit", s.wrap("POST", s.serveBatchSubmit))
	mux.HandleFunc("/batch/jobs/", s.wrap("GET", s.serveBatchJob))
	mux.HandleFunc("/sync/push", s.wrap("POST", s.serveSyncPush))
	mux.HandleFunc("/sync/pull", s.wrap("POST", s.serveSyncPull))
	mux.HandleFunc("/admin/control", s.wrapMethods(map[string]handlerFunc{
		"GET":  s.serveControlGet,
		"POST": s.serveControlPost,
	}))
	mux.HandleFunc("/admin/delete-data", s.wrap("POST", s.serveDeleteData))
	return mux
}

type handlerFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request) error

func (s *Server) wrap(method string, fn handlerFunc) http.HandlerFunc {
	return s.wrapMethods(map[string]handlerFunc{method: fn})
}

func (s *Server) wrapMethods(routes map[string]handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+ops.TraceHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		var fn, ok = routes[r.Method]
		if !ok {
			var body errorBody
			body.Error.Code = "METHOD_NOT_ALLOWED"
			body.Error.Message = r.Method + " is not supported here"
			writeEnvelope(w, http.StatusMethodNotAllowed, body)
			return
		}

		var trace = ids.TraceId(r.Header.Get(ops.TraceHeader))
		if trace == "" {
			trace = ids.NewTraceId()
		}
		w.Header().Set(ops.TraceHeader, string(trace))

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var ctx = ops.WithTrace(r.Context(), trace)
		if err := fn(ctx, w, r); err != nil {
			s.writeFault(ctx, w, r, err)
		}
	}
}

// errorBody is the wire error envelope.
type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable,omitempty"`
	} `json:"error"`
}

func (s *Server) writeFault(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	var kind = fault.KindOf(err)
	var status = fault.StatusOf(kind)
	if err == docstore.ErrNotFound {
		status = http.StatusNotFound
	}

	var body errorBody
	body.Error.Code = fault.GatewayCode(kind)
	if err == docstore.ErrNotFound {
		body.Error.Code = "NOT_FOUND"
	}
	body.Error.Message = err.Error()
	body.Error.Retryable = kind.Retriable()

	log.WithFields(log.Fields{
		"err":    err,
		"url":    r.URL.String(),
		"trace":  ops.TraceOf(ctx),
		"status": status,
	}).Warn("request failed")
	writeEnvelope(w, status, body)
}

func writeEnvelope(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeInto(r *http.Request, into interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil && err != io.EOF {
		return fault.New(fault.Validation, "malformed request body: %s", err)
	}
	return nil
}
