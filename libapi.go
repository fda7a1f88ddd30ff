package paybridge

import (
	"github.com/drblury/paybridge/internal/ecom"
	runtimepkg "github.com/drblury/paybridge/internal/runtime"
	"github.com/drblury/paybridge/internal/runtime/codec"
	configpkg "github.com/drblury/paybridge/internal/runtime/config"
	"github.com/drblury/paybridge/internal/runtime/envelope"
	errspkg "github.com/drblury/paybridge/internal/runtime/errors"
	idspkg "github.com/drblury/paybridge/internal/runtime/ids"
	jsoncodec "github.com/drblury/paybridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/paybridge/internal/runtime/logging"
	"github.com/drblury/paybridge/internal/runtime/metrics"
	"github.com/drblury/paybridge/internal/runtime/responder"
	newtransport "github.com/drblury/paybridge/transport"
)

type (
	Config = configpkg.Config

	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Client              = runtimepkg.Client
	ClientDependencies  = runtimepkg.ClientDependencies
	MethodInfo          = runtimepkg.MethodInfo
	Caller              = ecom.Caller
	StatusInfo          = runtimepkg.StatusInfo

	Envelope     = envelope.Envelope
	EnvelopeMeta = envelope.Meta
	SchemaSource = codec.SchemaSource
	StaticSchema = codec.StaticSchema
	FileSchema   = codec.FileSchema

	ResponderState = responder.State
	DispatchHooks  = responder.DispatchHooks
	DispatchInfo   = responder.DispatchInfo

	Metrics = metrics.Metrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError  = errspkg.ConfigValidationError
	PublishError           = errspkg.PublishError
	TimeoutError           = errspkg.TimeoutError
	DownstreamError        = errspkg.DownstreamError
	UnsupportedMethodError = errspkg.UnsupportedMethodError
	ErrorCategory          = errspkg.ErrorCategory

	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
	Bus                   = newtransport.Bus
	Subscription          = newtransport.Subscription
	SubscribeOptions      = newtransport.SubscribeOptions
)

var (
	NewService = runtimepkg.NewService
	NewClient  = runtimepkg.NewClient

	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewMetrics   = metrics.New
	LoggingHooks = responder.LoggingHooks
	IsStreaming  = ecom.IsStreaming

	ResponseMethodFor = envelope.ResponseMethodFor
	ErrorMessage      = envelope.ErrorMessage
	ClassifyError     = errspkg.Classify

	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	GetCapabilities          = newtransport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired         = errspkg.ErrConfigRequired
	ErrLoggerRequired         = errspkg.ErrLoggerRequired
	ErrCredentialRequired     = errspkg.ErrCredentialRequired
	ErrBackendHostRequired    = errspkg.ErrBackendHostRequired
	ErrUnsupportedMethod      = errspkg.ErrUnsupportedMethod
	ErrTimeout                = errspkg.ErrTimeout
	ErrNoInitialResponse      = errspkg.ErrNoInitialResponse
	ErrDuplicateCorrelationID = errspkg.ErrDuplicateCorrelationID
	ErrClosed                 = errspkg.ErrClosed

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewTextServiceLogger = loggingpkg.NewTextServiceLogger
	MaskSecret           = loggingpkg.MaskSecret

	NewCorrelationID = idspkg.NewCorrelationID
	CreateULID       = idspkg.CreateULID
)

// Method prefixes and the error method carried by failed requests.
const (
	RequestPrefix  = envelope.RequestPrefix
	ResponsePrefix = envelope.ResponsePrefix
	ErrorMethod    = envelope.ErrorMethod
)

// Responder lifecycle states.
const (
	StateIdle        = responder.StateIdle
	StateSubscribing = responder.StateSubscribing
	StateListening   = responder.StateListening
	StateDispatching = responder.StateDispatching
	StateDraining    = responder.StateDraining
	StateClosed      = responder.StateClosed
)

// Error category constants returned by ClassifyError.
const (
	ErrorCategoryNone       = errspkg.CategoryNone
	ErrorCategoryValidation = errspkg.CategoryValidation
	ErrorCategoryTransport  = errspkg.CategoryTransport
	ErrorCategoryDownstream = errspkg.CategoryDownstream
	ErrorCategoryOther      = errspkg.CategoryOther
)
