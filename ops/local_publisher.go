package ops

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// LocalPublisher publishes ops Logs to the local process stderr.
// Currently it uses `logrus` to do so, though this may change in the future.
type LocalPublisher struct {
	level Level
}

var _ Publisher = &LocalPublisher{}

func NewLocalPublisher() *LocalPublisher {
	return &LocalPublisher{level: logrusLevel()}
}

func (p *LocalPublisher) Level() Level { return p.level }

func (*LocalPublisher) PublishLog(l Log) {
	var level logrus.Level
	switch l.Level {
	case LevelDebug:
		level = logrus.DebugLevel
	case LevelInfo:
		level = logrus.InfoLevel
	case LevelWarn:
		level = logrus.WarnLevel
	default:
		level = logrus.ErrorLevel
	}

	var fields = make(logrus.Fields)
	var logger = logrus.StandardLogger()

	if _, ok := logger.Formatter.(*logrus.JSONFormatter); ok {
		// Logrus will JSON-encode, so pass-through our json.RawMessage fields.
		for k, v := range l.Fields {
			fields[k] = v
		}
	} else {
		// We're in text mode. Decode our raw JSON values.
		for k, v := range l.Fields {
			var vv any
			_ = json.Unmarshal(v, &vv)
			fields[k] = vv
		}
	}

	if l.TraceId != "" {
		fields["traceId"] = l.TraceId
	}
	if l.UserId != "" {
		fields["userId"] = l.UserId
	}
	logger.WithFields(fields).Log(level, string(l.Event))
}

// logrusLevel maps the current Level of the logrus logger into an ops Level.
func logrusLevel() Level {
	switch logrus.StandardLogger().Level {
	case logrus.TraceLevel, logrus.DebugLevel:
		return LevelDebug
	case logrus.InfoLevel:
		return LevelInfo
	case logrus.WarnLevel:
		return LevelWarn
	default:
		return LevelError
	}
}
