package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ocr"
)

// serveBatchSubmit accepts one batch intent. The orchestrator makes the
// submission exactly-once: a replay of a completed intent answers 202
// with the same jobId, a racing duplicate answers 409.
func (s *Server) serveBatchSubmit(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var input ocr.SubmitInput
	if err := decodeInto(r, &input); err != nil {
		return err
	}

	var receipt, err = s.Batches.Submit(ctx, input)
	if err != nil {
		return err
	}
	writeEnvelope(w, http.StatusAccepted, receipt)
	return nil
}

// serveBatchJob reports the stored job record of /batch/jobs/{jobId}.
func (s *Server) serveBatchJob(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var jobId = strings.TrimPrefix(r.URL.Path, "/batch/jobs/")
	if jobId == "" || strings.Contains(jobId, "/") {
		return fault.New(fault.Validation, "malformed job path %q", r.URL.Path)
	}

	var job, err = s.Jobs.GetByJobId(ctx, ids.JobId(jobId))
	if err != nil {
		return err
	}
	writeEnvelope(w, http.StatusOK, job)
	return nil
}
