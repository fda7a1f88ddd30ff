// Package backend opens gRPC channels to the payment backend. Every call gets
// its own channel carrying exactly one tenant credential, and the channel is
// shut down before the call returns.
package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	grpclogging "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/timeout"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/paybridge/internal/runtime/config"
	perrors "github.com/drblury/paybridge/internal/runtime/errors"
	"github.com/drblury/paybridge/internal/runtime/logging"
	"github.com/drblury/paybridge/internal/runtime/metrics"
)

// APIKeyHeader carries the tenant credential. gRPC metadata keys are lower case.
const APIKeyHeader = "x-api-key"

// Option configures a Client.
type Option func(*Client)

// WithPlaintext disables TLS. Only meant for local backends and tests.
func WithPlaintext() Option {
	return func(c *Client) { c.plaintext = true }
}

// WithCAFile trusts the PEM bundle at path instead of the system roots.
func WithCAFile(path string) Option {
	return func(c *Client) { c.caFile = path }
}

// WithCallTimeout bounds every unary call and every whole stream.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithShutdownGrace bounds how long closing a channel may take before it is
// abandoned.
func WithShutdownGrace(d time.Duration) Option {
	return func(c *Client) { c.shutdownGrace = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tracerProvider = tp }
}

// WithDialOptions appends raw dial options, e.g. a bufconn dialer in tests.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) { c.extra = append(c.extra, opts...) }
}

// Client is safe for concurrent use. It holds no connections between calls.
type Client struct {
	target         string
	logger         logging.ServiceLogger
	metrics        *metrics.Metrics
	tracerProvider trace.TracerProvider
	plaintext      bool
	caFile         string
	callTimeout    time.Duration
	shutdownGrace  time.Duration
	extra          []grpc.DialOption

	dialOptions []grpc.DialOption
}

// New prepares a client for target (host:port or any gRPC target string).
func New(target string, logger logging.ServiceLogger, opts ...Option) (*Client, error) {
	if logger == nil {
		return nil, perrors.ErrLoggerRequired
	}
	if target == "" {
		return nil, errors.New("paybridge: backend target is required")
	}
	c := &Client{
		target:        target,
		logger:        logger.With(logging.LogFields{"backend": target}),
		callTimeout:   config.DefaultBackendCallTimeout,
		shutdownGrace: config.DefaultChannelShutdownGrace,
	}
	for _, opt := range opts {
		opt(c)
	}

	creds, err := c.transportCredentials()
	if err != nil {
		return nil, err
	}

	unary := []grpc.UnaryClientInterceptor{
		grpclogging.UnaryClientInterceptor(interceptorLogger(c.logger), grpclogging.WithLogOnEvents(grpclogging.FinishCall)),
	}
	if c.callTimeout > 0 {
		unary = append(unary, timeout.UnaryClientInterceptor(c.callTimeout))
	}

	var handlerOpts []otelgrpc.Option
	if c.tracerProvider != nil {
		handlerOpts = append(handlerOpts, otelgrpc.WithTracerProvider(c.tracerProvider))
	}

	c.dialOptions = append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithChainUnaryInterceptor(unary...),
		grpc.WithChainStreamInterceptor(
			grpclogging.StreamClientInterceptor(interceptorLogger(c.logger), grpclogging.WithLogOnEvents(grpclogging.FinishCall)),
		),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler(handlerOpts...)),
	}, c.extra...)

	return c, nil
}

// NewFromConfig builds a client from the backend section of cfg. opts are
// applied after the config values.
func NewFromConfig(cfg *config.Config, logger logging.ServiceLogger, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, perrors.ErrConfigRequired
	}
	base := []Option{
		WithCallTimeout(cfg.BackendCallTimeout),
		WithShutdownGrace(cfg.ChannelShutdownGrace),
	}
	if cfg.BackendPlaintext {
		base = append(base, WithPlaintext())
	}
	if cfg.BackendCAFile != "" {
		base = append(base, WithCAFile(cfg.BackendCAFile))
	}
	return New(cfg.BackendAddress(), logger, append(base, opts...)...)
}

func (c *Client) Target() string { return c.target }

func (c *Client) transportCredentials() (credentials.TransportCredentials, error) {
	switch {
	case c.plaintext:
		return insecure.NewCredentials(), nil
	case c.caFile != "":
		creds, err := credentials.NewClientTLSFromFile(c.caFile, "")
		if err != nil {
			return nil, fmt.Errorf("paybridge: failed to setup backend TLS: %w", err)
		}
		return creds, nil
	default:
		return credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}), nil
	}
}

// Unary performs one request/response RPC on a fresh channel.
func (c *Client) Unary(ctx context.Context, fullMethod, credential string, req, resp proto.Message) (err error) {
	start := time.Now()
	defer func() { c.metrics.BackendCall(fullMethod, time.Since(start), err) }()

	conn, err := c.open()
	if err != nil {
		return &perrors.DownstreamError{Operation: fullMethod, Err: err}
	}
	defer c.shutdown(conn, fullMethod)

	if err := conn.Invoke(withCredential(ctx, credential), fullMethod, req, resp); err != nil {
		return &perrors.DownstreamError{Operation: fullMethod, Err: err}
	}
	return nil
}

// ServerStream sends req and hands every streamed reply to emit in arrival
// order. A stream that ends without a single reply is an error.
func (c *Client) ServerStream(
	ctx context.Context,
	fullMethod, credential string,
	req proto.Message,
	newResp func() proto.Message,
	emit func(proto.Message) error,
) (err error) {
	start := time.Now()
	defer func() { c.metrics.BackendCall(fullMethod, time.Since(start), err) }()

	conn, err := c.open()
	if err != nil {
		return &perrors.DownstreamError{Operation: fullMethod, Err: err}
	}
	defer c.shutdown(conn, fullMethod)

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	stream, err := conn.NewStream(withCredential(ctx, credential), &grpc.StreamDesc{ServerStreams: true}, fullMethod)
	if err != nil {
		return &perrors.DownstreamError{Operation: fullMethod, Err: err}
	}
	// io.EOF from SendMsg means the server already finished; RecvMsg reports
	// the real status.
	if err := stream.SendMsg(req); err != nil && !errors.Is(err, io.EOF) {
		return &perrors.DownstreamError{Operation: fullMethod, Err: err}
	}
	if err := stream.CloseSend(); err != nil {
		return &perrors.DownstreamError{Operation: fullMethod, Err: err}
	}

	received := 0
	for {
		resp := newResp()
		if err := stream.RecvMsg(resp); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return &perrors.DownstreamError{Operation: fullMethod, Err: err}
		}
		received++
		if err := emit(resp); err != nil {
			return err
		}
	}
	if received == 0 {
		return &perrors.DownstreamError{Operation: fullMethod, Err: perrors.ErrEmptyStream}
	}
	return nil
}

func (c *Client) open() (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(c.target, c.dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend channel: %w", err)
	}
	return conn, nil
}

// shutdown closes conn, giving up after the grace period. Close tears down the
// transport without waiting for streams, so the bound only guards a hung
// resolver or dialer.
func (c *Client) shutdown(conn *grpc.ClientConn, fullMethod string) {
	done := make(chan error, 1)
	go func() { done <- conn.Close() }()

	if c.shutdownGrace <= 0 {
		<-done
		return
	}
	timer := time.NewTimer(c.shutdownGrace)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			c.logger.Debug("Backend channel close failed", logging.LogFields{"method": fullMethod, "error": err.Error()})
		}
	case <-timer.C:
		c.logger.Info("Backend channel did not close within grace period, abandoning it", logging.LogFields{
			"method": fullMethod,
			"grace":  c.shutdownGrace.String(),
		})
	}
}

// withCredential sets the API key header, replacing any value already on ctx.
func withCredential(ctx context.Context, credential string) context.Context {
	if credential == "" {
		return ctx
	}
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	md.Set(APIKeyHeader, credential)
	return metadata.NewOutgoingContext(ctx, md)
}

// interceptorLogger routes go-grpc-middleware logs into a ServiceLogger.
func interceptorLogger(l logging.ServiceLogger) grpclogging.Logger {
	return grpclogging.LoggerFunc(func(_ context.Context, lvl grpclogging.Level, msg string, fields ...any) {
		f := make(logging.LogFields, len(fields)/2)
		for i := 0; i+1 < len(fields); i += 2 {
			key, ok := fields[i].(string)
			if !ok {
				key = fmt.Sprint(fields[i])
			}
			f[key] = fields[i+1]
		}
		switch lvl {
		case grpclogging.LevelDebug:
			l.Debug(msg, f)
		case grpclogging.LevelError:
			l.Error(msg, nil, f)
		default:
			l.Info(msg, f)
		}
	})
}
