// Package metadata names the transport headers written next to every encoded
// envelope. The Avro record stays authoritative; headers only let brokers and
// operators route and inspect events without decoding them.
package metadata

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/paybridge/internal/runtime/logging"
)

// Reserved header keys.
const (
	KeySchemaID      = "schema_id"
	KeyCorrelationID = "correlation_id"
	KeyMethod        = "method"
	KeyKind          = "envelope_kind"
)

// Headers is the typed view of the reserved keys. Credentials never appear
// here.
type Headers struct {
	SchemaID      string
	CorrelationID string
	Method        string
	Kind          string
}

func (h Headers) pairs() [4][2]string {
	return [4][2]string{
		{KeySchemaID, h.SchemaID},
		{KeyCorrelationID, h.CorrelationID},
		{KeyMethod, h.Method},
		{KeyKind, h.Kind},
	}
}

// Watermill renders h as message metadata. Empty values are omitted.
func (h Headers) Watermill() message.Metadata {
	md := make(message.Metadata, 4)
	for _, kv := range h.pairs() {
		if kv[1] != "" {
			md[kv[0]] = kv[1]
		}
	}
	return md
}

// LogFields renders the non-empty headers for a log line.
func (h Headers) LogFields() logging.LogFields {
	fields := make(logging.LogFields, 4)
	for _, kv := range h.pairs() {
		if kv[1] != "" {
			fields[kv[0]] = kv[1]
		}
	}
	return fields
}

// Read extracts the reserved keys from md. Unknown keys are ignored and a
// nil map reads as empty headers.
func Read(md message.Metadata) Headers {
	return Headers{
		SchemaID:      md[KeySchemaID],
		CorrelationID: md[KeyCorrelationID],
		Method:        md[KeyMethod],
		Kind:          md[KeyKind],
	}
}
