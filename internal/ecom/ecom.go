// Package ecom binds the Kody e-commerce payments API to the method registry.
// Messages are dynamic protobuf built from an in-process descriptor, so the
// bridge needs no generated stubs to relay them.
package ecom

import (
	"context"
	"strings"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/paybridge/internal/runtime/envelope"
	perrors "github.com/drblury/paybridge/internal/runtime/errors"
	"github.com/drblury/paybridge/internal/runtime/registry"
)

const (
	rpcInitiatePayment       = "InitiatePayment"
	rpcInitiatePaymentStream = "InitiatePaymentStream"
	rpcPaymentDetails        = "PaymentDetails"
	rpcGetPayments           = "GetPayments"
	rpcRefund                = "Refund"
)

// Operations as they appear after the request./response. method prefix.
const (
	OpInitiatePayment       = "ecom.v1." + rpcInitiatePayment
	OpInitiatePaymentStream = "ecom.v1." + rpcInitiatePaymentStream
	OpPaymentDetails        = "ecom.v1." + rpcPaymentDetails
	OpGetPayments           = "ecom.v1." + rpcGetPayments
	OpRefund                = "ecom.v1." + rpcRefund
)

// Caller performs backend RPCs. *backend.Client implements it.
type Caller interface {
	Unary(ctx context.Context, fullMethod, credential string, req, resp proto.Message) error
	ServerStream(ctx context.Context, fullMethod, credential string, req proto.Message,
		newResp func() proto.Message, emit func(proto.Message) error) error
}

// FullMethod returns the gRPC path of rpc on the payments service.
func FullMethod(rpc string) string {
	return "/" + ServiceName + "/" + rpc
}

// Entries returns one registry entry per payments operation, in the order
// they are listed in error messages.
func Entries(caller Caller) []registry.Entry {
	return []registry.Entry{
		unary(caller, OpInitiatePayment, rpcInitiatePayment, "PaymentInitiationRequest", "PaymentInitiationResponse"),
		stream(caller, OpInitiatePaymentStream, rpcInitiatePaymentStream, "PaymentInitiationRequest", "PaymentDetailsResponse"),
		unary(caller, OpPaymentDetails, rpcPaymentDetails, "PaymentDetailsRequest", "PaymentDetailsResponse"),
		unary(caller, OpGetPayments, rpcGetPayments, "GetPaymentsRequest", "GetPaymentsResponse"),
		stream(caller, OpRefund, rpcRefund, "RefundRequest", "RefundResponse"),
	}
}

// IsStreaming reports whether method, with either prefix, names a server
// streaming operation. Callers without a backend use it as the correlator's
// streaming predicate.
func IsStreaming(method string) bool {
	op := strings.TrimPrefix(strings.TrimPrefix(method, envelope.RequestPrefix), envelope.ResponsePrefix)
	switch op {
	case OpInitiatePaymentStream, OpRefund:
		return true
	}
	return registry.NamedStreaming(method)
}

// NewRegistry is registry.New over Entries.
func NewRegistry(caller Caller) (*registry.Registry, error) {
	if caller == nil {
		return nil, perrors.ErrCallerRequired
	}
	return registry.New(Entries(caller)...)
}

func unary(caller Caller, op, rpc, in, out string) registry.Entry {
	newResp := messageFactory(out)
	full := FullMethod(rpc)
	return registry.NewEntry(op, false, messageFactory(in), newResp,
		func(ctx context.Context, req proto.Message, credential string, emit registry.Emit) error {
			resp := newResp()
			if err := caller.Unary(ctx, full, credential, req, resp); err != nil {
				return err
			}
			return emit(resp)
		})
}

func stream(caller Caller, op, rpc, in, out string) registry.Entry {
	newResp := messageFactory(out)
	full := FullMethod(rpc)
	return registry.NewEntry(op, true, messageFactory(in), newResp,
		func(ctx context.Context, req proto.Message, credential string, emit registry.Emit) error {
			return caller.ServerStream(ctx, full, credential, req, newResp, emit)
		})
}
