package ops

import (
	"encoding/json"
	"time"
)

// Log is the canonical shape of a node operations log entry.
type Log struct {
	Timestamp time.Time       `json:"ts"`
	Level     Level           `json:"level"`
	Message   string          `json:"message"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	Run       RunRef          `json:"run,omitempty"`
}

// RunRef identifies the flow run that produced a Log or Stat.
type RunRef struct {
	RunID     string `json:"runId"`
	FlowClass string `json:"flowClass"`
}

// NewRunRef builds a RunRef from a publisher's scope.
func NewRunRef(scope Scope) RunRef {
	return RunRef{RunID: scope.RunID, FlowClass: scope.FlowClass}
}

// Scope is the context a Publisher is bound to: the run (if any) whose
// logs it is emitting, and the minimum level that should be published.
type Scope struct {
	RunID     string
	FlowClass string
	LogLevel  Level
}
