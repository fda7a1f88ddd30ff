package correlator

import (
	"github.com/drblury/paybridge/internal/runtime/envelope"
	"github.com/drblury/paybridge/internal/runtime/jsoncodec"
)

// terminalStatuses end a stream when found as a "status" value at any depth.
// REQUESTED is the final state of a refund stream.
var terminalStatuses = map[string]struct{}{
	"SUCCESS":   {},
	"COMPLETED": {},
	"FAILED":    {},
	"CANCELLED": {},
	"EXPIRED":   {},
	"REQUESTED": {},
}

const confirmedMarker = "PAYMENT_CONFIRMED"

// IsTerminal reports whether env ends a streaming exchange. Error responses
// and business error payloads are terminal.
func IsTerminal(env envelope.Envelope) bool {
	if env.IsError() {
		return true
	}
	var doc any
	if err := jsoncodec.UnmarshalString(env.Payload, &doc); err != nil {
		return false
	}
	return terminal(doc)
}

func terminal(v any) bool {
	switch node := v.(type) {
	case map[string]any:
		for key, val := range node {
			switch key {
			case "status":
				if s, ok := val.(string); ok {
					if _, hit := terminalStatuses[s]; hit {
						return true
					}
				}
			case "paid":
				if b, ok := val.(bool); ok && b {
					return true
				}
			case "error":
				if _, ok := val.(map[string]any); ok {
					return true
				}
			}
			if terminal(val) {
				return true
			}
		}
	case []any:
		for _, item := range node {
			if terminal(item) {
				return true
			}
		}
	case string:
		return node == confirmedMarker
	}
	return false
}
