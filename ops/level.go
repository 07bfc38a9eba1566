// Package ops provides the node's ambient structured-logging and metrics
// plumbing: every other package publishes through an ops.Publisher rather
// than calling logrus directly, so that log output can be redirected (to
// stderr during tests, to a durable sink in production) without touching
// call sites.
package ops

import "github.com/sirupsen/logrus"

// Level is the severity of a published Log, independent of any particular
// logging backend.
type Level int32

const (
	LevelUndefined Level = iota
	LevelTrace
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "undefined"
	}
}

// ToLogrus maps a Level to its logrus.Level equivalent.
func (l Level) ToLogrus() logrus.Level {
	switch l {
	case LevelTrace:
		return logrus.TraceLevel
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelWarn:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

// LevelFromLogrus maps a logrus.Level to its Level equivalent.
func LevelFromLogrus(l logrus.Level) Level {
	switch l {
	case logrus.TraceLevel:
		return LevelTrace
	case logrus.DebugLevel:
		return LevelDebug
	case logrus.InfoLevel:
		return LevelInfo
	case logrus.WarnLevel:
		return LevelWarn
	default:
		return LevelError
	}
}
