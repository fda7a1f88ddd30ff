// Package correlator turns the shared topic into a request/response client.
// Each call publishes a request under a fresh correlation id and waits for a
// response bearing the same id, observed by one background listener.
package correlator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/paybridge/internal/runtime/bus"
	"github.com/drblury/paybridge/internal/runtime/codec"
	"github.com/drblury/paybridge/internal/runtime/config"
	"github.com/drblury/paybridge/internal/runtime/envelope"
	perrors "github.com/drblury/paybridge/internal/runtime/errors"
	"github.com/drblury/paybridge/internal/runtime/ids"
	"github.com/drblury/paybridge/internal/runtime/logging"
	"github.com/drblury/paybridge/internal/runtime/metrics"
	"github.com/drblury/paybridge/internal/runtime/registry"
	"github.com/drblury/paybridge/transport"
)

const tracerName = "github.com/drblury/paybridge/correlator"

// GroupPrefix starts the private subscriber group of every correlator so that
// each instance sees every response.
const GroupPrefix = "paybridge-correlator-"

// NewGroup returns a unique subscriber group for one correlator instance.
func NewGroup() string {
	return GroupPrefix + ids.CreateULID()
}

// Request is what a caller sends. The credential only travels in the
// envelope's credential field.
type Request struct {
	Method     string
	Payload    string
	Credential string
}

// Options tune a Correlator. Zero values take the config defaults.
type Options struct {
	Topic     string
	BatchSize int
	KeepAlive time.Duration
	// DefaultTimeout applies when SendAndWait is called with timeout <= 0.
	DefaultTimeout time.Duration
	// StreamInitialGrace bounds the wait for the first response of a
	// streaming call.
	StreamInitialGrace time.Duration
	UserID             string

	// IsStreaming decides whether a method accumulates responses. Defaults to
	// matching "Stream" in the method name; pass Registry.IsStreaming or
	// ecom.IsStreaming to follow the method table.
	IsStreaming func(method string) bool
	// IsTerminal ends a streaming wait. Defaults to IsTerminal.
	IsTerminal func(envelope.Envelope) bool

	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
}

// OptionsFromConfig maps the correlator section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Topic:              cfg.Topic,
		BatchSize:          cfg.CorrelatorBatchSize,
		KeepAlive:          cfg.KeepAliveInterval,
		DefaultTimeout:     cfg.SendTimeout,
		StreamInitialGrace: cfg.StreamInitialGrace,
		UserID:             cfg.UserID,
	}
}

func (o *Options) applyDefaults() {
	if o.Topic == "" {
		o.Topic = config.DefaultTopic
	}
	if o.BatchSize <= 0 {
		o.BatchSize = config.DefaultCorrelatorBatchSize
	}
	if o.KeepAlive == 0 {
		o.KeepAlive = config.DefaultKeepAliveInterval
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = config.DefaultSendTimeout
	}
	if o.StreamInitialGrace <= 0 {
		o.StreamInitialGrace = config.DefaultStreamInitialGrace
	}
	if o.UserID == "" {
		o.UserID = config.DefaultUserID
	}
	if o.IsStreaming == nil {
		o.IsStreaming = registry.NamedStreaming
	}
	if o.IsTerminal == nil {
		o.IsTerminal = IsTerminal
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
}

// Correlator is safe for concurrent use by any number of callers.
type Correlator struct {
	bus    transport.Bus
	codec  *codec.Codec
	logger logging.ServiceLogger
	opts   Options
	tracer trace.Tracer

	mu      sync.Mutex
	pending map[string]*pendingCall
	started bool
	closed  chan struct{}
	stop    context.CancelFunc
	done    chan struct{}
	sub     transport.Subscription
	once    sync.Once
}

// New wires a Correlator. Start must be called before SendAndWait.
func New(b transport.Bus, c *codec.Codec, logger logging.ServiceLogger, opts Options) (*Correlator, error) {
	switch {
	case b == nil:
		return nil, perrors.ErrBusRequired
	case c == nil:
		return nil, perrors.ErrSchemaRequired
	case logger == nil:
		return nil, perrors.ErrLoggerRequired
	}
	opts.applyDefaults()
	return &Correlator{
		bus:     b,
		codec:   c,
		logger:  logger.With(logging.LogFields{"component": "correlator", "topic": opts.Topic}),
		opts:    opts,
		tracer:  opts.TracerProvider.Tracer(tracerName),
		pending: make(map[string]*pendingCall),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start opens the ephemeral subscription and runs the response listener in
// the background until ctx ends or Close is called.
func (c *Correlator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("paybridge: correlator already started")
	}
	select {
	case <-c.closed:
		return perrors.ErrClosed
	default:
	}

	listenCtx, cancel := context.WithCancel(ctx)
	sub, err := c.bus.Subscribe(listenCtx, c.opts.Topic, transport.SubscribeOptions{
		Replay:    transport.ReplayLatest,
		Ephemeral: true,
	})
	if err != nil {
		cancel()
		return err
	}
	c.sub = sub
	c.stop = cancel
	c.started = true

	go func() {
		defer close(c.done)
		err := bus.Pump(listenCtx, sub, bus.PumpConfig{BatchSize: c.opts.BatchSize, KeepAlive: c.opts.KeepAlive}, c.handleBatch)
		if err != nil {
			c.logger.Error("Response listener stopped", err, nil)
		}
	}()
	c.logger.Info("Listening for responses", logging.LogFields{"batch_size": c.opts.BatchSize})
	return nil
}

// Close stops the listener. Calls still waiting fail with ErrClosed.
func (c *Correlator) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if !started {
			return
		}
		c.stop()
		<-c.done
		err = c.sub.Close()
	})
	return err
}

// Pending returns the correlation ids currently awaiting a response.
func (c *Correlator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pending))
	for id := range c.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SendAndWait publishes req under a new correlation id and returns the
// matching response. Error responses are returned as envelopes, not errors.
func (c *Correlator) SendAndWait(ctx context.Context, req Request, timeout time.Duration) (envelope.Envelope, error) {
	return c.SendAndWaitWithID(ctx, ids.NewCorrelationID(), req, timeout)
}

// SendAndWaitWithID is SendAndWait with a caller-chosen correlation id, which
// must not be in flight already.
func (c *Correlator) SendAndWaitWithID(ctx context.Context, correlationID string, req Request, timeout time.Duration) (resp envelope.Envelope, err error) {
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	streaming := c.opts.IsStreaming(req.Method)

	ctx, span := c.tracer.Start(ctx, "correlator.send_and_wait", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("paybridge.method", req.Method),
			attribute.String("paybridge.correlation_id", correlationID),
			attribute.Bool("paybridge.streaming", streaming),
		))
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(perrors.Classify(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if resp.IsError() {
			outcome = "error_response"
		}
		c.opts.Metrics.Sent(outcome, time.Since(start))
		span.End()
	}()

	if correlationID == "" {
		return envelope.Envelope{}, errors.New("paybridge: correlation id is required")
	}
	if envelope.ClassifyMethod(req.Method) != envelope.KindRequest {
		return envelope.Envelope{}, perrors.ErrMethodRequired
	}

	call, err := c.register(correlationID, streaming)
	if err != nil {
		return envelope.Envelope{}, err
	}
	defer c.unregister(correlationID)

	log := c.logger.With(logging.LogFields{"correlation_id": correlationID, "method": req.Method})
	log.Info("Sending request", logging.LogFields{"api_key": logging.MaskSecret(req.Credential), "timeout": timeout.String()})
	log.Debug("Request payload", logging.LogFields{"payload": req.Payload})

	if err := c.publish(ctx, envelope.Envelope{
		CorrelationID: correlationID,
		Method:        req.Method,
		Payload:       req.Payload,
		Credential:    req.Credential,
		Meta:          envelope.Meta{CreatedAt: time.Now(), CreatedBy: c.opts.UserID},
	}); err != nil {
		return envelope.Envelope{}, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if !streaming {
		resp, err = c.awaitFirst(ctx, call, deadline.C, correlationID, timeout, nil)
		if err == nil {
			log.Info("Response received", logging.LogFields{"response_method": resp.Method, "elapsed": time.Since(start).String()})
		}
		return resp, err
	}
	return c.awaitStream(ctx, call, deadline.C, correlationID, timeout, log, start)
}

func (c *Correlator) awaitFirst(ctx context.Context, call *pendingCall, deadline <-chan time.Time, id string, waited time.Duration, cause error) (envelope.Envelope, error) {
	for {
		if env, ok := call.first(); ok {
			return env, nil
		}
		select {
		case <-call.notify:
		case <-deadline:
			return envelope.Envelope{}, &perrors.TimeoutError{CorrelationID: id, Waited: waited, Cause: cause}
		case <-ctx.Done():
			return envelope.Envelope{}, ctx.Err()
		case <-c.closed:
			return envelope.Envelope{}, perrors.ErrClosed
		}
	}
}

// awaitStream waits a short grace period for proof that the backend call
// started, then follows the accumulator until a terminal response or the
// deadline. At the deadline the latest response is returned.
func (c *Correlator) awaitStream(ctx context.Context, call *pendingCall, deadline <-chan time.Time, id string, timeout time.Duration, log logging.ServiceLogger, start time.Time) (envelope.Envelope, error) {
	grace := c.opts.StreamInitialGrace
	if grace > timeout {
		grace = timeout
	}
	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	if _, err := c.awaitFirst(ctx, call, graceTimer.C, id, grace, perrors.ErrNoInitialResponse); err != nil {
		return envelope.Envelope{}, err
	}

	for {
		last, count, done := call.latest()
		if done {
			log.Info("Stream completed", logging.LogFields{"responses": count, "elapsed": time.Since(start).String()})
			return last, nil
		}
		select {
		case <-call.notify:
		case <-deadline:
			last, count, _ = call.latest()
			log.Info("Stream wait timed out, returning latest response", logging.LogFields{"responses": count})
			return last, nil
		case <-ctx.Done():
			return envelope.Envelope{}, ctx.Err()
		case <-c.closed:
			return envelope.Envelope{}, perrors.ErrClosed
		}
	}
}

func (c *Correlator) register(id string, streaming bool) (*pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil, perrors.ErrNotStarted
	}
	select {
	case <-c.closed:
		return nil, perrors.ErrClosed
	default:
	}
	if _, exists := c.pending[id]; exists {
		return nil, perrors.ErrDuplicateCorrelationID
	}
	call := newPendingCall(streaming, c.opts.IsTerminal)
	c.pending[id] = call
	c.opts.Metrics.SetPending(len(c.pending))
	return call, nil
}

func (c *Correlator) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	c.opts.Metrics.SetPending(len(c.pending))
}

func (c *Correlator) lookup(id string) (*pendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	return call, ok
}

func (c *Correlator) publish(ctx context.Context, env envelope.Envelope) error {
	msg, err := c.codec.NewMessage(env)
	if err != nil {
		return &perrors.PublishError{CorrelationID: env.CorrelationID, Err: err}
	}
	if err := c.bus.Publish(ctx, c.opts.Topic, msg); err != nil {
		return &perrors.PublishError{CorrelationID: env.CorrelationID, Err: err}
	}
	return nil
}

func (c *Correlator) handleBatch(_ context.Context, batch []*message.Message) {
	for _, msg := range batch {
		c.Deliver(msg)
	}
}

// Deliver routes one bus message to its waiting caller. Requests, foreign
// correlation ids and undecodable messages are ignored.
func (c *Correlator) Deliver(msg *message.Message) {
	env, err := c.codec.FromMessage(msg)
	if err != nil {
		c.opts.Metrics.EventReceived("correlator", "malformed")
		return
	}
	c.opts.Metrics.EventReceived("correlator", env.Kind().String())
	if !env.IsResponse() {
		return
	}
	call, ok := c.lookup(env.CorrelationID)
	if !ok {
		return
	}
	if call.add(env) && call.streaming {
		c.opts.Metrics.StreamResponse()
	}
}
