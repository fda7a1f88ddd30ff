package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/paybridge/internal/ecom"
	"github.com/drblury/paybridge/internal/runtime/bus"
	"github.com/drblury/paybridge/internal/runtime/codec"
	configpkg "github.com/drblury/paybridge/internal/runtime/config"
	"github.com/drblury/paybridge/internal/runtime/correlator"
	"github.com/drblury/paybridge/internal/runtime/envelope"
	errspkg "github.com/drblury/paybridge/internal/runtime/errors"
	loggingpkg "github.com/drblury/paybridge/internal/runtime/logging"
	"github.com/drblury/paybridge/internal/runtime/metrics"
	"github.com/drblury/paybridge/transport"
)

// ClientDependencies holds optional collaborators of a Client.
type ClientDependencies struct {
	// Bus replaces the transport selected by Conf.PubSubSystem. It must
	// deliver every response to this client, so shared consumer groups do
	// not work here. The Client does not close a bus it did not open.
	Bus    transport.Bus
	Schema codec.SchemaSource
	// IsStreaming defaults to the payments method table.
	IsStreaming    func(method string) bool
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
}

// Client is the requester side of the bridge: it publishes requests and
// waits for the matching responses.
type Client struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	bus        transport.Bus
	ownsBus    bool
	correlator *correlator.Correlator
}

// NewClient opens a bus under a private consumer group starting at the latest
// offset and starts listening for responses before it returns.
func NewClient(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ClientDependencies) (*Client, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := errspkg.NewConfigValidationError(conf.Validate()); err != nil {
		return nil, err
	}

	c, err := loadCodec(ctx, conf, deps.Schema)
	if err != nil {
		return nil, err
	}

	cl := &Client{Conf: conf, Logger: log, bus: deps.Bus}
	if cl.bus == nil {
		group := correlator.NewGroup()
		busConf := transport.WithReplay(transport.WithGroup(conf, group), transport.ReplayLatest)
		cl.bus, err = bus.Open(ctx, busConf, loggingpkg.NewWatermillAdapter(log))
		if err != nil {
			return nil, fmt.Errorf("paybridge: failed to open %s bus: %w", conf.PubSubSystem, err)
		}
		cl.ownsBus = true
		log.Debug("Opened client bus", loggingpkg.LogFields{"group": group})
	}

	opts := correlator.OptionsFromConfig(conf)
	opts.IsStreaming = deps.IsStreaming
	if opts.IsStreaming == nil {
		opts.IsStreaming = ecom.IsStreaming
	}
	opts.Metrics = deps.Metrics
	opts.TracerProvider = deps.TracerProvider

	cl.correlator, err = correlator.New(cl.bus, c, log, opts)
	if err == nil {
		err = cl.correlator.Start(ctx)
	}
	if err == nil && cl.ownsBus {
		err = settle(ctx, conf.SubscribeSettleDelay())
		if err != nil {
			_ = cl.correlator.Close()
		}
	}
	if err != nil {
		_ = cl.closeBus()
		return nil, err
	}
	return cl, nil
}

// settle gives a fresh consumer group time to be assigned partitions before
// the first request is published.
func settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAndWait publishes one request and returns its response. A zero timeout
// uses Conf.SendTimeout.
func (c *Client) SendAndWait(ctx context.Context, method, payload, credential string, timeout time.Duration) (envelope.Envelope, error) {
	return c.correlator.SendAndWait(ctx, correlator.Request{Method: method, Payload: payload, Credential: credential}, timeout)
}

// Pending lists correlation ids still awaiting a response.
func (c *Client) Pending() []string { return c.correlator.Pending() }

// Close stops listening and releases the bus. Waiting calls fail.
func (c *Client) Close() error {
	return errors.Join(c.correlator.Close(), c.closeBus())
}

func (c *Client) closeBus() error {
	if !c.ownsBus {
		return nil
	}
	return c.bus.Close()
}
