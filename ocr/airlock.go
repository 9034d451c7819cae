// Package ocr extracts structured transactions from receipt images, by way
// of an instant per-object path and a batched orchestrator path. All model
// output passes through the airlock before touching any store.
package ocr

import (
	"encoding/json"
	"strings"

	"github.com/yorutsuke/yorutsuke/ledger"
)

// StripFences removes a Markdown code fence wrapping |text|, if present.
// Models regularly wrap JSON output in ```json fences despite instructions.
func StripFences(text string) string {
	var out = strings.TrimSpace(text)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	out = strings.TrimPrefix(out, "```")
	if nl := strings.IndexByte(out, '\n'); nl >= 0 && !strings.ContainsAny(out[:nl], "{[") {
		// Drop a language tag such as `json` on the fence line.
		out = out[nl+1:]
	}
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	return strings.TrimSpace(out)
}

// Airlock decodes and validates untrusted model output against the fixed
// extraction schema. It never fails: output that cannot be decoded or that
// violates the schema yields ok=false plus the full list of problems, and
// the caller records a needs_review row instead.
func Airlock(text string) (ledger.Extraction, bool, []string) {
	var extraction ledger.Extraction
	var cleaned = StripFences(text)

	if err := json.Unmarshal([]byte(cleaned), &extraction); err != nil {
		return ledger.Extraction{}, false, []string{"output is not valid JSON: " + err.Error()}
	}

	var errs = extraction.Validate()
	if len(errs) == 0 {
		return extraction, true, nil
	}
	var problems = make([]string, len(errs))
	for i, err := range errs {
		problems[i] = err.Error()
	}
	return extraction, false, problems
}
