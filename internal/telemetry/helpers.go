package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tagAttrs turns a flat "k1", "v1", "k2", "v2", ... tag list into OTEL
// attributes, matching the tag convention used by IncCounter/RecordTimer/
// RecordGauge callers throughout the engine.
func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}

// eventOptions converts a flat "k1", v1, "k2", v2, ... keyval list into a
// trace.EventOption carrying string-formatted attributes.
func eventOptions(keyvals []any) []trace.EventOption {
	if len(keyvals) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, _ := keyvals[i].(string)
		attrs = append(attrs, attribute.String(key, fmt.Sprint(keyvals[i+1])))
	}
	return []trace.EventOption{trace.WithAttributes(attrs...)}
}
