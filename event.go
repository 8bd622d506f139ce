package forward

import "time"

// Reserved event keys.
const (
	// TimestampKey is the record key carrying the ISO-8601 event time.
	TimestampKey = "@timestamp"
	// TagsKey is the event field holding the forward tag.
	TagsKey = "tags"
	// DefaultTag is used when an encoded event carries no tag.
	DefaultTag = "log"
)

// Event is a structured log event: a field map plus a distinguished
// timestamp. The timestamp never lives in Fields; encoders render it under
// TimestampKey on the wire.
type Event struct {
	Timestamp time.Time
	Fields    map[string]any
}

// NewEvent creates an event. A nil fields map is replaced by an empty one.
func NewEvent(ts time.Time, fields map[string]any) *Event {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &Event{Timestamp: ts, Fields: fields}
}

// Get returns the field stored under key.
func (e *Event) Get(key string) (any, bool) {
	v, ok := e.Fields[key]
	return v, ok
}

// Set stores v under key.
func (e *Event) Set(key string, v any) {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = v
}

// Tag returns the forward tag carried in the tags field.
// A string is used as is; for a list the first non-empty string wins.
func (e *Event) Tag() (string, bool) {
	switch v := e.Fields[TagsKey].(type) {
	case string:
		return v, v != ""
	case []string:
		for _, s := range v {
			if s != "" {
				return s, true
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}
