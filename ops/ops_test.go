package ops

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/yorutsuke/yorutsuke/ids"
)

type capturePublisher struct {
	logs []Log
}

func (p *capturePublisher) PublishLog(l Log) { p.logs = append(p.logs, l) }
func (p *capturePublisher) Level() Level     { return LevelDebug }

func TestPublishLogFields(t *testing.T) {
	var pub = new(capturePublisher)

	PublishLog(pub, LevelInfo, UploadStarted, "trace-1", "device-abc",
		"imageId", "123-receipt",
		"attempt", 2,
	)
	require.Len(t, pub.logs, 1)

	var l = pub.logs[0]
	require.Equal(t, UploadStarted, l.Event)
	require.Equal(t, ids.TraceId("trace-1"), l.TraceId)
	require.Equal(t, ids.UserId("device-abc"), l.UserId)
	require.Equal(t, json.RawMessage(`"123-receipt"`), l.Fields["imageId"])
	require.Equal(t, json.RawMessage(`2`), l.Fields["attempt"])
}

func TestPublishLogErrorsRenderAsStrings(t *testing.T) {
	var pub = new(capturePublisher)

	PublishLog(pub, LevelError, UploadFailed, "trace-1", "device-abc",
		"error", context.DeadlineExceeded,
	)
	require.Equal(t,
		json.RawMessage(`"context deadline exceeded"`),
		pub.logs[0].Fields["error"])
}

func TestPublishLogSuppressedBelowLevel(t *testing.T) {
	var pub = &suppressingPublisher{}
	PublishLog(pub, LevelDebug, SyncStarted, "", "")
	require.Zero(t, pub.published)
}

type suppressingPublisher struct{ published int }

func (p *suppressingPublisher) PublishLog(Log) { p.published++ }
func (p *suppressingPublisher) Level() Level   { return LevelInfo }

func TestPublishLogPanicsOnOddFields(t *testing.T) {
	require.Panics(t, func() {
		PublishLog(new(capturePublisher), LevelInfo, SyncStarted, "", "", "dangling")
	})
}

func TestTracePropagation(t *testing.T) {
	var ctx = WithTrace(context.Background(), "trace-xyz")
	require.Equal(t, ids.TraceId("trace-xyz"), TraceOf(ctx))

	// An untagged context starts a fresh trace.
	var fresh = TraceOf(context.Background())
	require.NoError(t, fresh.Validate())
	require.NotEqual(t, fresh, TraceOf(context.Background()))
}
