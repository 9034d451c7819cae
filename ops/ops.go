// Package ops publishes the operational event stream of the pipeline.
// Every log line is a single-line JSON document carrying the event name,
// the TraceId of the lifecycle it belongs to, and structured fields.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yorutsuke/yorutsuke/ids"
)

// Event names form a closed set. New code paths add names here rather
// than inventing ad-hoc strings at call sites.
type Event string

const (
	UploadStarted    Event = "UPLOAD_STARTED"
	UploadSucceeded  Event = "UPLOAD_SUCCEEDED"
	UploadFailed     Event = "UPLOAD_FAILED"
	UploadRetried    Event = "UPLOAD_RETRIED"
	UploadSkipped    Event = "UPLOAD_SKIPPED"
	QuotaExceeded    Event = "QUOTA_EXCEEDED"
	PermitIssued     Event = "PERMIT_ISSUED"
	PermitRejected   Event = "PERMIT_REJECTED"
	PresignIssued    Event = "PRESIGN_ISSUED"
	BatchStarted     Event = "BATCH_STARTED"
	BatchSubmitted   Event = "BATCH_SUBMITTED"
	BatchCompleted   Event = "BATCH_COMPLETED"
	BatchDuplicate   Event = "BATCH_DUPLICATE"
	ResultIngested   Event = "RESULT_INGESTED"
	ResultDeadLetter Event = "RESULT_DEAD_LETTER"
	StateTransition  Event = "STATE_TRANSITION"
	SyncStarted      Event = "SYNC_STARTED"
	SyncPushed       Event = "SYNC_PUSHED"
	SyncPulled       Event = "SYNC_PULLED"
	SyncConflict     Event = "SYNC_CONFLICT"
	SyncFailed       Event = "SYNC_FAILED"
	SyncQueued       Event = "SYNC_QUEUED"
	NetworkChanged   Event = "NETWORK_CHANGED"
	EmergencyStop    Event = "EMERGENCY_STOP"
	ScanTransition   Event = "SCAN_TRANSITION"
	DataDeleted      Event = "DATA_DELETED"
)

// Level of a published log.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// Log is the canonical shape of one operations log document.
type Log struct {
	Timestamp time.Time                  `json:"timestamp"`
	Level     Level                      `json:"level"`
	Event     Event                      `json:"event"`
	TraceId   ids.TraceId                `json:"traceId,omitempty"`
	UserId    ids.UserId                 `json:"userId,omitempty"`
	Fields    map[string]json.RawMessage `json:"fields,omitempty"`
}

// Publisher of operations Logs.
type Publisher interface {
	// PublishLog publishes a Log instance.
	PublishLog(Log)
	// Level below which logs are suppressed.
	Level() Level
}

// PublishLog constructs and publishes a Log using the given Publisher.
// Fields must be pairs of a string key followed by a JSON-encodable value.
// PublishLog panics if `fields` are odd or a key isn't a string: incorrect
// fields are a developer implementation error, not an input error.
func PublishLog(publisher Publisher, level Level, event Event, trace ids.TraceId, user ids.UserId, fields ...interface{}) {
	if publisher.Level() < level {
		return
	}
	if len(fields)%2 != 0 {
		panic(fmt.Sprintf("fields must be of even length: %#v", fields))
	}

	var fieldsMap = make(map[string]json.RawMessage, len(fields)/2)
	for i := 0; i != len(fields); i += 2 {
		var key = fields[i].(string)
		var value = fields[i+1]

		// Errors typically have JSON struct marshalling behavior and appear
		// as '{}', so explicitly cast them to their displayed string.
		if err, ok := value.(error); ok {
			value = err.Error()
		}

		var valueRaw, err = json.Marshal(value)
		if err != nil {
			panic(err)
		}
		fieldsMap[key] = valueRaw
	}

	publisher.PublishLog(Log{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Event:     event,
		TraceId:   trace,
		UserId:    user,
		Fields:    fieldsMap,
	})
}

type traceKey struct{}

// WithTrace attaches |trace| to |ctx| for propagation through nested calls.
func WithTrace(ctx context.Context, trace ids.TraceId) context.Context {
	return context.WithValue(ctx, traceKey{}, trace)
}

// TraceOf returns the TraceId attached to |ctx|, or generates one.
// A generated id marks the start of a new lifecycle.
func TraceOf(ctx context.Context) ids.TraceId {
	if trace, ok := ctx.Value(traceKey{}).(ids.TraceId); ok {
		return trace
	}
	return ids.NewTraceId()
}

// TraceHeader is the HTTP header under which TraceIds cross the
// client / cloud boundary.
const TraceHeader = "X-Trace-Id"
