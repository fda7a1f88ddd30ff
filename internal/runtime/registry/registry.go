// Package registry holds the closed table of operations the responder can
// dispatch. Each entry pairs a request method with its response method, the
// request and response message shapes and the backend call.
package registry

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/paybridge/internal/runtime/envelope"
	perrors "github.com/drblury/paybridge/internal/runtime/errors"
)

// Emit receives one backend response. Unary entries call it exactly once.
type Emit func(proto.Message) error

// InvokeFunc calls the backend with a parsed request. The credential travels
// beside the request and never inside it.
type InvokeFunc func(ctx context.Context, req proto.Message, credential string, emit Emit) error

// Entry describes one supported operation.
type Entry struct {
	// Operation is the method name without direction prefix, e.g. ecom.v1.GetPayments.
	Operation      string
	RequestMethod  string
	ResponseMethod string
	// Streaming entries may emit several responses for one request.
	Streaming   bool
	NewRequest  func() proto.Message
	NewResponse func() proto.Message
	Invoke      InvokeFunc
}

// NewEntry derives both method names from operation.
func NewEntry(operation string, streaming bool, newRequest, newResponse func() proto.Message, invoke InvokeFunc) Entry {
	return Entry{
		Operation:      operation,
		RequestMethod:  envelope.RequestPrefix + operation,
		ResponseMethod: envelope.ResponsePrefix + operation,
		Streaming:      streaming,
		NewRequest:     newRequest,
		NewResponse:    newResponse,
		Invoke:         invoke,
	}
}

func (e Entry) validate() error {
	switch {
	case envelope.ClassifyMethod(e.RequestMethod) != envelope.KindRequest:
		return fmt.Errorf("registry: %q is not a request method", e.RequestMethod)
	case envelope.ClassifyMethod(e.ResponseMethod) != envelope.KindResponse || e.ResponseMethod == envelope.ErrorMethod:
		return fmt.Errorf("registry: %q is not a response method", e.ResponseMethod)
	case e.NewRequest == nil:
		return fmt.Errorf("registry: %s has no request constructor", e.RequestMethod)
	case e.Invoke == nil:
		return fmt.Errorf("registry: %s has no backend call", e.RequestMethod)
	}
	return nil
}

// Registry is immutable after New and safe for concurrent use.
type Registry struct {
	byMethod map[string]Entry
	order    []string
}

// New validates entries and indexes them by request method. Request methods
// must be unique.
func New(entries ...Entry) (*Registry, error) {
	r := &Registry{
		byMethod: make(map[string]Entry, len(entries)),
		order:    make([]string, 0, len(entries)),
	}
	for _, e := range entries {
		if err := e.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byMethod[e.RequestMethod]; dup {
			return nil, fmt.Errorf("%w: %s", perrors.ErrDuplicateMethod, e.RequestMethod)
		}
		r.byMethod[e.RequestMethod] = e
		r.order = append(r.order, e.RequestMethod)
	}
	return r, nil
}

// Lookup finds the entry for an exact request method.
func (r *Registry) Lookup(method string) (Entry, bool) {
	e, ok := r.byMethod[method]
	return e, ok
}

// Resolve is Lookup returning an *errors.UnsupportedMethodError on a miss.
func (r *Registry) Resolve(method string) (Entry, error) {
	if e, ok := r.Lookup(method); ok {
		return e, nil
	}
	return Entry{}, &perrors.UnsupportedMethodError{Method: method, Known: r.KnownMethods()}
}

// KnownMethods lists request methods in registration order.
func (r *Registry) KnownMethods() []string {
	return append([]string(nil), r.order...)
}

// Entries lists entries in registration order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, m := range r.order {
		out = append(out, r.byMethod[m])
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int { return len(r.order) }

// IsStreaming reports whether method names a streaming entry. Unknown
// methods fall back to NamedStreaming.
func (r *Registry) IsStreaming(method string) bool {
	if e, ok := r.Lookup(method); ok {
		return e.Streaming
	}
	return NamedStreaming(method)
}

// NamedStreaming is the rule for methods no table knows: any name containing
// "Stream" is treated as streaming.
func NamedStreaming(method string) bool {
	return strings.Contains(method, "Stream")
}
