// Package envelope defines the unit exchanged over the payment event bus and
// the method naming convention that classifies it.
package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/drblury/paybridge/internal/runtime/jsoncodec"
	"github.com/drblury/paybridge/internal/runtime/logging"
)

const (
	// RequestPrefix starts every request method, e.g. request.ecom.v1.GetPayments.
	RequestPrefix = "request."
	// ResponsePrefix starts every response method.
	ResponsePrefix = "response."
	// ErrorMethod is the method carried by error responses.
	ErrorMethod = "response.error"
)

// Kind classifies an envelope by its method prefix.
type Kind int

const (
	KindUnrelated Kind = iota
	KindRequest
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "unrelated"
	}
}

// Meta is the publisher-supplied metadata recorded on every envelope. The core
// never interprets it.
type Meta struct {
	CreatedAt time.Time
	CreatedBy string
}

// Envelope is one event on the shared topic.
type Envelope struct {
	CorrelationID string
	Method        string
	Payload       string
	// Credential is only ever set on requests. Responses must leave it empty.
	Credential string
	Meta       Meta
}

// ClassifyMethod returns the kind implied by a method name.
func ClassifyMethod(method string) Kind {
	switch {
	case method == ErrorMethod, strings.HasPrefix(method, ResponsePrefix):
		return KindResponse
	case strings.HasPrefix(method, RequestPrefix):
		return KindRequest
	default:
		return KindUnrelated
	}
}

func (e Envelope) Kind() Kind { return ClassifyMethod(e.Method) }

func (e Envelope) IsRequest() bool { return e.Kind() == KindRequest }

func (e Envelope) IsResponse() bool { return e.Kind() == KindResponse }

// IsError reports whether the envelope is an error response.
func (e Envelope) IsError() bool { return e.Method == ErrorMethod }

// String never includes the credential in full.
func (e Envelope) String() string {
	return fmt.Sprintf("Envelope{correlation_id=%s method=%s payload_bytes=%d credential=%s}",
		e.CorrelationID, e.Method, len(e.Payload), logging.MaskSecret(e.Credential))
}

// ResponseMethodFor maps request.<ns>.<version>.<Op> to response.<ns>.<version>.<Op>.
// Methods without the request prefix are returned unchanged.
func ResponseMethodFor(requestMethod string) string {
	if !strings.HasPrefix(requestMethod, RequestPrefix) {
		return requestMethod
	}
	return ResponsePrefix + strings.TrimPrefix(requestMethod, RequestPrefix)
}

// NewResponse builds a response to req carrying payload under method.
func NewResponse(req Envelope, method, payload string, meta Meta) Envelope {
	return Envelope{
		CorrelationID: req.CorrelationID,
		Method:        method,
		Payload:       payload,
		Meta:          meta,
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
}

// ErrorPayload renders {"error":{"message":...}}.
func ErrorPayload(message string) string {
	out, err := jsoncodec.MarshalString(errorBody{Error: errorDetail{Message: message}})
	if err != nil {
		// a struct of strings cannot fail to marshal
		return `{"error":{"message":"internal error"}}`
	}
	return out
}

// NewErrorResponse builds an error response to req.
func NewErrorResponse(req Envelope, message string, meta Meta) Envelope {
	return NewResponse(req, ErrorMethod, ErrorPayload(message), meta)
}

// ErrorMessage extracts the message from an error payload. ok is false when the
// payload is not shaped like one.
func ErrorMessage(payload string) (string, bool) {
	var body struct {
		Error *errorDetail `json:"error"`
	}
	if err := jsoncodec.UnmarshalString(payload, &body); err != nil || body.Error == nil {
		return "", false
	}
	return body.Error.Message, true
}
