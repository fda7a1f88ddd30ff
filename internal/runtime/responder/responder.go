// Package responder consumes request envelopes from the shared topic, calls
// the backend through the method registry and publishes the response under
// the request's correlation id.
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/paybridge/internal/runtime/bus"
	"github.com/drblury/paybridge/internal/runtime/codec"
	"github.com/drblury/paybridge/internal/runtime/config"
	"github.com/drblury/paybridge/internal/runtime/envelope"
	perrors "github.com/drblury/paybridge/internal/runtime/errors"
	"github.com/drblury/paybridge/internal/runtime/logging"
	"github.com/drblury/paybridge/internal/runtime/metadata"
	"github.com/drblury/paybridge/internal/runtime/metrics"
	"github.com/drblury/paybridge/internal/runtime/registry"
	"github.com/drblury/paybridge/transport"
)

const tracerName = "github.com/drblury/paybridge/responder"

// State is the lifecycle phase of a Responder.
type State int32

const (
	StateIdle State = iota
	StateSubscribing
	StateListening
	StateDispatching
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateListening:
		return "listening"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options tune a Responder. Zero values take the config defaults.
type Options struct {
	Topic     string
	Replay    transport.ReplayPreset
	ReplayID  string
	BatchSize int
	KeepAlive time.Duration
	// MaxInFlight bounds concurrent dispatches. The listen loop stops pulling
	// while the bound is reached.
	MaxInFlight int

	// RequireCredential rejects requests without a credential. Otherwise
	// DefaultCredential is used for them.
	RequireCredential bool
	DefaultCredential string

	// UserID is recorded as the creator of published responses.
	UserID string

	Hooks          DispatchHooks
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
}

// OptionsFromConfig maps the responder section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Topic:             cfg.Topic,
		Replay:            transport.ParseReplayPreset(cfg.ReplayPreset),
		ReplayID:          cfg.ReplayID,
		BatchSize:         cfg.ResponderBatchSize,
		KeepAlive:         cfg.KeepAliveInterval,
		MaxInFlight:       cfg.MaxInFlight,
		RequireCredential: cfg.RequireCredential,
		DefaultCredential: cfg.DefaultCredential,
		UserID:            cfg.UserID,
	}
}

func (o *Options) applyDefaults() {
	if o.Topic == "" {
		o.Topic = config.DefaultTopic
	}
	if o.BatchSize <= 0 {
		o.BatchSize = config.DefaultResponderBatchSize
	}
	if o.KeepAlive == 0 {
		o.KeepAlive = config.DefaultKeepAliveInterval
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = config.DefaultMaxInFlight
	}
	if o.UserID == "" {
		o.UserID = config.DefaultUserID
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
}

// Responder is stateless across events: every request is decoded, dispatched
// and answered on its own.
type Responder struct {
	bus      transport.Bus
	codec    *codec.Codec
	registry *registry.Registry
	logger   logging.ServiceLogger
	opts     Options
	tracer   trace.Tracer

	state    atomic.Int32
	inFlight atomic.Int64
	slots    chan struct{}
	wg       sync.WaitGroup

	unmarshal protojson.UnmarshalOptions
	marshal   protojson.MarshalOptions
}

// New wires a Responder. It does not subscribe until Run.
func New(b transport.Bus, c *codec.Codec, reg *registry.Registry, logger logging.ServiceLogger, opts Options) (*Responder, error) {
	switch {
	case b == nil:
		return nil, perrors.ErrBusRequired
	case c == nil:
		return nil, perrors.ErrSchemaRequired
	case reg == nil:
		return nil, perrors.ErrRegistryRequired
	case logger == nil:
		return nil, perrors.ErrLoggerRequired
	}
	opts.applyDefaults()
	return &Responder{
		bus:       b,
		codec:     c,
		registry:  reg,
		logger:    logger.With(logging.LogFields{"component": "responder", "topic": opts.Topic}),
		opts:      opts,
		tracer:    opts.TracerProvider.Tracer(tracerName),
		slots:     make(chan struct{}, opts.MaxInFlight),
		unmarshal: protojson.UnmarshalOptions{DiscardUnknown: true},
	}, nil
}

// State reports the current lifecycle phase.
func (r *Responder) State() State {
	s := State(r.state.Load())
	if s == StateListening && r.inFlight.Load() > 0 {
		return StateDispatching
	}
	return s
}

// Run subscribes and processes requests until ctx is cancelled, then waits
// for in-flight dispatches to publish their responses.
func (r *Responder) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateSubscribing)) {
		return errors.New("paybridge: responder already started")
	}
	defer r.state.Store(int32(StateClosed))

	sub, err := r.bus.Subscribe(ctx, r.opts.Topic, transport.SubscribeOptions{
		Replay:   r.opts.Replay,
		ReplayID: r.opts.ReplayID,
	})
	if err != nil {
		return err
	}

	for _, e := range r.registry.Entries() {
		r.logger.Info("Registered method", logging.LogFields{"request": e.RequestMethod, "response": e.ResponseMethod, "streaming": e.Streaming})
	}
	r.logger.Info("Listening for requests", logging.LogFields{"batch_size": r.opts.BatchSize, "keep_alive": r.opts.KeepAlive.String()})
	r.state.Store(int32(StateListening))

	err = bus.Pump(ctx, sub, bus.PumpConfig{BatchSize: r.opts.BatchSize, KeepAlive: r.opts.KeepAlive}, r.handleBatch)

	r.state.Store(int32(StateDraining))
	r.wg.Wait()
	if closeErr := sub.Close(); closeErr != nil {
		r.logger.Error("Failed to close subscription", closeErr, nil)
	}
	r.logger.Info("Responder stopped", nil)
	return err
}

func (r *Responder) handleBatch(ctx context.Context, batch []*message.Message) {
	for _, msg := range batch {
		select {
		case r.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		r.wg.Add(1)
		r.inFlight.Add(1)
		// dispatches outlive ctx so that draining still answers them
		dispatchCtx := context.WithoutCancel(ctx)
		handler := middleware.Recoverer(func(msg *message.Message) ([]*message.Message, error) {
			r.HandleMessage(dispatchCtx, msg)
			return nil, nil
		})
		go func(msg *message.Message) {
			defer func() {
				r.inFlight.Add(-1)
				<-r.slots
				r.wg.Done()
			}()
			if _, err := handler(msg); err != nil {
				r.logger.Error("Dispatch panicked", err, logging.LogFields{"message_uuid": msg.UUID})
			}
		}(msg)
	}
}

// HandleMessage decodes one bus message and dispatches it when it is a
// request. Anything else is dropped.
func (r *Responder) HandleMessage(ctx context.Context, msg *message.Message) {
	env, err := r.codec.FromMessage(msg)
	if err != nil {
		r.opts.Metrics.EventReceived("responder", "malformed")
		fields := metadata.Read(msg.Metadata).LogFields()
		fields["message_uuid"] = msg.UUID
		fields["error"] = err.Error()
		r.logger.Debug("Dropping undecodable event", fields)
		return
	}
	r.opts.Metrics.EventReceived("responder", env.Kind().String())
	if !env.IsRequest() {
		return
	}
	if err := r.Dispatch(ctx, env); err != nil {
		r.logger.Error("Failed to publish response", err, logging.LogFields{"correlation_id": env.CorrelationID, "method": env.Method})
	}
}

// Dispatch answers one request envelope. Every failure before or during the
// backend call becomes an error response; only a failed publish is returned.
func (r *Responder) Dispatch(ctx context.Context, req envelope.Envelope) (err error) {
	ctx, span := r.tracer.Start(ctx, "responder.dispatch", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("paybridge.method", req.Method),
			attribute.String("paybridge.correlation_id", req.CorrelationID),
		))
	defer span.End()

	info := DispatchInfo{CorrelationID: req.CorrelationID, Method: req.Method, StartedAt: time.Now()}
	r.opts.Hooks.start(info)
	// failure is what hooks see: the cause behind an error response, or err
	var failure error
	defer func() {
		if failure == nil {
			failure = err
		}
		r.opts.Hooks.finish(info, failure)
	}()

	log := r.logger.With(logging.LogFields{"correlation_id": req.CorrelationID, "method": req.Method})

	credential := req.Credential
	if credential == "" {
		if r.opts.RequireCredential {
			log.Info("Rejecting request without API key", nil)
			r.observe(span, "", perrors.ErrCredentialRequired)
			failure = perrors.ErrCredentialRequired
			return r.publishError(ctx, req, failure)
		}
		credential = r.opts.DefaultCredential
	}

	entry, err := r.registry.Resolve(req.Method)
	if err != nil {
		log.Info("Unsupported method", logging.LogFields{"known": strings.Join(r.registry.KnownMethods(), ", ")})
		r.observe(span, "", err)
		failure = err
		return r.publishError(ctx, req, err)
	}

	log.Info("Processing request", logging.LogFields{"response_method": entry.ResponseMethod, "api_key": logging.MaskSecret(credential)})
	log.Debug("Request payload", logging.LogFields{"payload": req.Payload})

	callErr := r.invoke(ctx, req, entry, credential)
	r.observe(span, entry.RequestMethod, callErr)
	if callErr == nil {
		return nil
	}
	var pubErr *perrors.PublishError
	if errors.As(callErr, &pubErr) {
		return callErr
	}
	log.Error("Request failed", callErr, nil)
	failure = callErr
	return r.publishError(ctx, req, callErr)
}

func (r *Responder) invoke(ctx context.Context, req envelope.Envelope, entry registry.Entry, credential string) error {
	msg := entry.NewRequest()
	payload := strings.TrimSpace(req.Payload)
	if payload == "" {
		payload = "{}"
	}
	if err := r.unmarshal.Unmarshal([]byte(payload), msg); err != nil {
		return fmt.Errorf("%w for %s: %v", perrors.ErrInvalidPayload, entry.RequestMethod, err)
	}

	return entry.Invoke(ctx, msg, credential, func(resp proto.Message) error {
		body, err := r.marshal.Marshal(resp)
		if err != nil {
			return err
		}
		r.logger.Debug("Response payload", logging.LogFields{"correlation_id": req.CorrelationID, "payload": string(body)})
		return r.publish(ctx, envelope.NewResponse(req, entry.ResponseMethod, string(body), r.meta()))
	})
}

func (r *Responder) observe(span trace.Span, method string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(perrors.Classify(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if method == "" {
		method = "rejected"
	}
	r.opts.Metrics.Dispatched(method, outcome)
}

func (r *Responder) publishError(ctx context.Context, req envelope.Envelope, cause error) error {
	return r.publish(ctx, envelope.NewErrorResponse(req, ErrorText(cause), r.meta()))
}

func (r *Responder) publish(ctx context.Context, env envelope.Envelope) error {
	msg, err := r.codec.NewMessage(env)
	if err != nil {
		return &perrors.PublishError{CorrelationID: env.CorrelationID, Err: err}
	}
	if err := r.bus.Publish(ctx, r.opts.Topic, msg); err != nil {
		return &perrors.PublishError{CorrelationID: env.CorrelationID, Err: err}
	}
	r.logger.Debug("Response sent", logging.LogFields{"correlation_id": env.CorrelationID, "method": env.Method})
	return nil
}

func (r *Responder) meta() envelope.Meta {
	return envelope.Meta{CreatedAt: time.Now(), CreatedBy: r.opts.UserID}
}

// ErrorText renders err for an error response payload. Unsupported methods
// are reported as is; everything else is prefixed with "Error: ".
func ErrorText(err error) string {
	var unsupported *perrors.UnsupportedMethodError
	if errors.As(err, &unsupported) {
		return unsupported.Error()
	}
	return "Error: " + strings.TrimPrefix(err.Error(), "paybridge: ")
}
