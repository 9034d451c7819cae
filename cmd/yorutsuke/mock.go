package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/yorutsuke/yorutsuke/gateway"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ocr"
	"github.com/yorutsuke/yorutsuke/ops"
	"github.com/yorutsuke/yorutsuke/permit"
	"github.com/yorutsuke/yorutsuke/store/docstore"
	"github.com/yorutsuke/yorutsuke/store/object"
)

// startMockGateway runs an embedded gateway over in-memory stores on a
// loopback listener, so the client can exercise its full pipeline with
// no cloud account. Returns the base URL to point the client at.
func startMockGateway() (string, error) {
	var keyring, err = permit.NewKeyring(map[int][]byte{1: []byte("mock-signing-key")})
	if err != nil {
		return "", err
	}

	var (
		objects   = object.NewMemStore()
		txns      = docstore.NewMemTransactions()
		jobs      = docstore.NewMemBatchJobs()
		publisher = ops.NewLocalPublisher()
		presigner = &loopbackPresigner{objects: objects}
	)
	var server = &gateway.Server{
		Keyring:   keyring,
		Issuer:    &permit.Issuer{Keyring: keyring, Now: time.Now},
		Objects:   objects,
		Presigner: presigner,
		Txns:      txns,
		Jobs:      jobs,
		Quotas:    docstore.NewMemQuotaCounters(),
		Control:   docstore.NewMemControl(),
		Batches: &ocr.Orchestrator{
			Jobs:      jobs,
			Objects:   objects,
			Submitter: &loopbackVendor{},
			Merchants: ocr.NewMerchants(objects),
			Publisher: publisher,
			Now:       time.Now,
		},
		Publisher: publisher,
		Now:       time.Now,
	}

	var mux = http.NewServeMux()
	mux.Handle("/", server.Handler())
	mux.HandleFunc("/mock-blob/", func(w http.ResponseWriter, r *http.Request) {
		var key = strings.TrimPrefix(r.URL.Path, "/mock-blob/")
		switch r.Method {
		case http.MethodPut:
			var body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, 32<<20))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err = objects.PutPresigned(r.Context(), key, body); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			var obj, err = objects.Get(r.Context(), key)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			_, _ = w.Write(obj.Body)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("binding mock gateway: %w", err)
	}
	var base = "http://" + listener.Addr().String()
	presigner.base = base

	go func() {
		if err := (&http.Server{Handler: mux}).Serve(listener); err != http.ErrServerClosed {
			log.WithField("err", err).Warn("mock gateway exited")
		}
	}()
	log.WithField("url", base).Info("serving mock gateway")
	return base, nil
}

// loopbackPresigner issues URLs under /mock-blob/, registering the
// object metadata with the memory store exactly as a presign would.
type loopbackPresigner struct {
	objects *object.MemStore
	base    string
}

func (p *loopbackPresigner) PresignPut(ctx context.Context, key, contentType string, metadata map[string]string) (string, error) {
	if _, err := p.objects.PresignPut(ctx, key, contentType, metadata); err != nil {
		return "", err
	}
	return p.base + "/mock-blob/" + key, nil
}

func (p *loopbackPresigner) PresignGet(_ context.Context, key string) (string, error) {
	return p.base + "/mock-blob/" + key, nil
}

// loopbackVendor acknowledges batch submissions without a vision model.
type loopbackVendor struct {
	n atomic.Int64
}

func (v *loopbackVendor) SubmitBatch(context.Context, ids.IntentId, string, string, string) (ids.JobId, error) {
	return ids.JobId(fmt.Sprintf("mock-job-%d", v.n.Add(1))), nil
}
