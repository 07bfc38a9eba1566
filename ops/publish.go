package ops

import (
	"encoding/json"
	"fmt"
	"time"
)

// Publisher publishes operations Logs that relate to a specific flow run
// (or, for node-wide events, no run at all).
type Publisher interface {
	// PublishLog publishes a single Log entry.
	PublishLog(Log)
	// Scope is the context this Publisher is bound to.
	Scope() Scope
}

// PublishLog constructs and publishes a Log using the given Publisher.
// Fields must be pairs of a string key followed by a JSON-encodable value.
// PublishLog panics if fields are odd in length or a key isn't a string:
// those are developer errors, not input errors.
func PublishLog(publisher Publisher, level Level, message string, fields ...interface{}) {
	if publisher.Scope().LogLevel != LevelUndefined && publisher.Scope().LogLevel > level {
		return
	}
	if len(fields)%2 != 0 {
		panic(fmt.Sprintf("fields must be of even length: %#v", fields))
	}

	var m = make(map[string]interface{}, len(fields)/2)
	for i := 0; i != len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			panic(fmt.Sprintf("field key must be a string: %#v", fields[i]))
		}
		var value = fields[i+1]
		if err, ok := value.(error); ok {
			value = err.Error()
		}
		m[key] = value
	}

	fieldsRaw, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}

	publisher.PublishLog(Log{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Fields:    json.RawMessage(fieldsRaw),
		Run:       NewRunRef(publisher.Scope()),
	})
}
