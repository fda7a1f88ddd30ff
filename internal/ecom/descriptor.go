package ecom

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Package is the protobuf package of the payments API.
const Package = "com.kodypay.grpc.ecom.v1"

// ServiceName is the fully-qualified gRPC service.
const ServiceName = Package + ".KodyEcomPaymentsService"

const fileName = "com/kodypay/grpc/ecom/v1/ecom.proto"

// File describes the payments API. It is built once at init and never
// registered globally, so it cannot clash with generated stubs of the same
// package linked into the binary.
var File protoreflect.FileDescriptor

func init() {
	fd, err := protodesc.NewFile(fileDescriptorProto(), protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("ecom: invalid descriptor: %v", err))
	}
	File = fd
}

// NewMessage returns an empty dynamic message of the named top-level type.
func NewMessage(name string) proto.Message {
	return messageFactory(name)()
}

func messageFactory(name string) func() proto.Message {
	md := File.Messages().ByName(protoreflect.Name(name))
	if md == nil {
		panic(fmt.Sprintf("ecom: unknown message %s", name))
	}
	return func() proto.Message { return dynamicpb.NewMessage(md) }
}

type (
	fieldType = descriptorpb.FieldDescriptorProto_Type
	fieldDesc = descriptorpb.FieldDescriptorProto
)

const (
	tString  = descriptorpb.FieldDescriptorProto_TYPE_STRING
	tUint64  = descriptorpb.FieldDescriptorProto_TYPE_UINT64
	tInt64   = descriptorpb.FieldDescriptorProto_TYPE_INT64
	tBool    = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	tEnum    = descriptorpb.FieldDescriptorProto_TYPE_ENUM
	tMessage = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
)

func scalar(name string, number int32, typ fieldType) *fieldDesc {
	return &fieldDesc{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

// ref is a message or enum field; typeName is relative to the package.
func ref(name string, number int32, typ fieldType, typeName string) *fieldDesc {
	f := scalar(name, number, typ)
	f.TypeName = proto.String("." + Package + "." + typeName)
	return f
}

func timestamp(name string, number int32) *fieldDesc {
	f := scalar(name, number, tMessage)
	f.TypeName = proto.String(".google.protobuf.Timestamp")
	return f
}

func repeated(f *fieldDesc) *fieldDesc {
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

func inOneof(f *fieldDesc, index int32) *fieldDesc {
	f.OneofIndex = proto.Int32(index)
	return f
}

func enum(name string, values ...string) *descriptorpb.EnumDescriptorProto {
	e := &descriptorpb.EnumDescriptorProto{Name: proto.String(name)}
	for i, v := range values {
		e.Value = append(e.Value, &descriptorpb.EnumValueDescriptorProto{
			Name:   proto.String(v),
			Number: proto.Int32(int32(i)),
		})
	}
	return e
}

// errorMessage is the nested Error every response carries in its result oneof.
func errorMessage(parent string) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{
		Name: proto.String("Error"),
		Field: []*fieldDesc{
			ref("type", 1, tEnum, parent+".Error.Type"),
			scalar("message", 2, tString),
		},
		EnumType: []*descriptorpb.EnumDescriptorProto{
			enum("Type", "UNKNOWN", "NOT_FOUND", "INVALID_REQUEST", "DUPLICATE_ATTEMPT", "INVALID_ARGUMENT"),
		},
	}
}

// resultMessage builds name{ oneof result { response = 1; error = 2; } }.
func resultMessage(name, responseType string, nested ...*descriptorpb.DescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{
		Name: proto.String(name),
		Field: []*fieldDesc{
			inOneof(ref("response", 1, tMessage, responseType), 0),
			inOneof(ref("error", 2, tMessage, name+".Error"), 0),
		},
		NestedType: append(nested, errorMessage(name)),
		OneofDecl:  []*descriptorpb.OneofDescriptorProto{{Name: proto.String("result")}},
	}
}

func method(name, in, out string, serverStreaming bool) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:            proto.String(name),
		InputType:       proto.String("." + Package + "." + in),
		OutputType:      proto.String("." + Package + "." + out),
		ServerStreaming: proto.Bool(serverStreaming),
	}
}

func fileDescriptorProto() *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String(fileName),
		Package:    proto.String(Package),
		Syntax:     proto.String("proto3"),
		Dependency: []string{timestamppb.File_google_protobuf_timestamp_proto.Path()},
		EnumType: []*descriptorpb.EnumDescriptorProto{
			enum("PaymentStatus", "PENDING", "SUCCESS", "FAILED", "CANCELLED", "EXPIRED"),
		},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("PaymentInitiationRequest"),
				Field: []*fieldDesc{
					scalar("store_id", 1, tString),
					scalar("payment_reference", 2, tString),
					scalar("amount_minor_units", 3, tUint64),
					scalar("currency", 4, tString),
					scalar("order_id", 5, tString),
					scalar("order_metadata", 6, tString),
					scalar("return_url", 7, tString),
					scalar("payer_statement", 8, tString),
					scalar("payer_email_address", 9, tString),
					scalar("payer_ip_address", 10, tString),
					scalar("payer_locale", 11, tString),
					scalar("tokenise_card", 12, tBool),
				},
			},
			resultMessage("PaymentInitiationResponse", "PaymentInitiationResponse.Response", &descriptorpb.DescriptorProto{
				Name: proto.String("Response"),
				Field: []*fieldDesc{
					scalar("payment_id", 1, tString),
					scalar("payment_url", 2, tString),
				},
			}),
			{
				Name: proto.String("PaymentDetailsRequest"),
				Field: []*fieldDesc{
					scalar("store_id", 1, tString),
					scalar("payment_id", 2, tString),
				},
			},
			{
				Name: proto.String("PaymentDetails"),
				Field: []*fieldDesc{
					scalar("payment_id", 1, tString),
					scalar("payment_reference", 2, tString),
					scalar("order_id", 3, tString),
					scalar("order_metadata", 4, tString),
					ref("status", 5, tEnum, "PaymentStatus"),
					scalar("payment_data_json", 6, tString),
					timestamp("date_created", 7),
					timestamp("date_paid", 8),
					scalar("psp_reference", 9, tString),
					scalar("payment_method", 10, tString),
				},
			},
			resultMessage("PaymentDetailsResponse", "PaymentDetails"),
			{
				Name: proto.String("GetPaymentsRequest"),
				Field: []*fieldDesc{
					scalar("store_id", 1, tString),
					ref("page_cursor", 2, tMessage, "GetPaymentsRequest.PageCursor"),
				},
				NestedType: []*descriptorpb.DescriptorProto{{
					Name: proto.String("PageCursor"),
					Field: []*fieldDesc{
						scalar("page", 1, tInt64),
						scalar("page_size", 2, tInt64),
					},
				}},
			},
			resultMessage("GetPaymentsResponse", "GetPaymentsResponse.Response", &descriptorpb.DescriptorProto{
				Name: proto.String("Response"),
				Field: []*fieldDesc{
					repeated(ref("payments", 1, tMessage, "PaymentDetails")),
					scalar("total", 2, tInt64),
				},
			}),
			{
				Name: proto.String("RefundRequest"),
				Field: []*fieldDesc{
					scalar("store_id", 1, tString),
					scalar("payment_id", 2, tString),
					scalar("amount", 3, tString),
				},
			},
			{
				Name: proto.String("RefundResponse"),
				Field: []*fieldDesc{
					ref("status", 1, tEnum, "RefundResponse.RefundStatus"),
					scalar("failure_reason", 2, tString),
					scalar("payment_id", 3, tString),
					timestamp("date_created", 4),
					scalar("total_paid_amount", 5, tString),
					scalar("total_amount_refunded", 6, tString),
					scalar("remaining_amount", 7, tString),
				},
				EnumType: []*descriptorpb.EnumDescriptorProto{
					enum("RefundStatus", "PENDING", "REQUESTED", "FAILED"),
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("KodyEcomPaymentsService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method(rpcInitiatePayment, "PaymentInitiationRequest", "PaymentInitiationResponse", false),
				method(rpcInitiatePaymentStream, "PaymentInitiationRequest", "PaymentDetailsResponse", true),
				method(rpcPaymentDetails, "PaymentDetailsRequest", "PaymentDetailsResponse", false),
				method(rpcGetPayments, "GetPaymentsRequest", "GetPaymentsResponse", false),
				method(rpcRefund, "RefundRequest", "RefundResponse", true),
			},
		}},
	}
}
