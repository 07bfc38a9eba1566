package ops

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// LocalPublisher publishes operations Logs to the process's own logrus
// logger. It is the default Publisher used outside of tests.
type LocalPublisher struct {
	scope Scope
}

var _ Publisher = &LocalPublisher{}

// NewLocalPublisher returns a LocalPublisher bound to the given scope. If
// scope.LogLevel is undefined, it inherits the standard logrus logger's
// current level.
func NewLocalPublisher(scope Scope) *LocalPublisher {
	if scope.LogLevel == LevelUndefined {
		scope.LogLevel = LevelFromLogrus(logrus.StandardLogger().Level)
	}
	return &LocalPublisher{scope: scope}
}

func (p *LocalPublisher) Scope() Scope { return p.scope }

// WithScope returns a LocalPublisher bound to scope, inheriting this
// Publisher's log level if scope doesn't set its own.
func (p *LocalPublisher) WithScope(scope Scope) Publisher {
	if scope.LogLevel == LevelUndefined {
		scope.LogLevel = p.scope.LogLevel
	}
	return &LocalPublisher{scope: scope}
}

func (p *LocalPublisher) PublishLog(log Log) {
	var fields logrus.Fields
	if len(log.Fields) != 0 {
		if err := json.Unmarshal(log.Fields, &fields); err != nil {
			logrus.WithFields(logrus.Fields{
				"error":  err,
				"fields": string(log.Fields),
			}).Error("failed to unmarshal log fields")
		}
	}
	if fields == nil {
		fields = logrus.Fields{}
	}
	if log.Run.RunID != "" {
		fields["run"] = log.Run.RunID
	}
	if log.Run.FlowClass != "" {
		fields["flowClass"] = log.Run.FlowClass
	}
	logrus.StandardLogger().WithFields(fields).Log(log.Level.ToLogrus(), log.Message)
}
