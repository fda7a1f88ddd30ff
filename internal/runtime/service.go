package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/paybridge/internal/ecom"
	"github.com/drblury/paybridge/internal/runtime/backend"
	"github.com/drblury/paybridge/internal/runtime/bus"
	"github.com/drblury/paybridge/internal/runtime/codec"
	configpkg "github.com/drblury/paybridge/internal/runtime/config"
	errspkg "github.com/drblury/paybridge/internal/runtime/errors"
	loggingpkg "github.com/drblury/paybridge/internal/runtime/logging"
	"github.com/drblury/paybridge/internal/runtime/metrics"
	"github.com/drblury/paybridge/internal/runtime/registry"
	"github.com/drblury/paybridge/internal/runtime/responder"
	"github.com/drblury/paybridge/transport"
)

const httpShutdownTimeout = 5 * time.Second

// ServiceDependencies holds optional collaborators. Leave fields nil to build
// them from the configuration.
type ServiceDependencies struct {
	// Bus replaces the transport selected by Conf.PubSubSystem. The Service
	// does not close a bus it did not open.
	Bus transport.Bus
	// Caller replaces the gRPC backend client.
	Caller ecom.Caller
	// Schema overrides Conf.SchemaFile and the embedded envelope schema.
	Schema codec.SchemaSource
	// Metrics defaults to a fresh registry when Conf.MetricsEnabled is set.
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
	Hooks          responder.DispatchHooks
	BackendOptions []backend.Option
}

// Service is the responder side of the bridge: it owns the bus, the method
// registry and the Responder, plus the optional metrics and status endpoints.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	bus       transport.Bus
	ownsBus   bool
	codec     *codec.Codec
	registry  *registry.Registry
	responder *responder.Responder
	metrics   *metrics.Metrics
	startedAt time.Time

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewService validates conf and wires every component. Nothing is consumed
// until Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := errspkg.NewConfigValidationError(conf.Validate()); err != nil {
		return nil, err
	}
	if deps.Caller == nil && conf.BackendHost == "" {
		return nil, errspkg.ErrBackendHostRequired
	}

	log.Info("Creating payment bridge", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"topic":         conf.Topic,
		"backend":       conf.BackendAddress(),
		"config":        conf,
	})

	s := &Service{
		Conf:    conf,
		Logger:  log,
		metrics: deps.Metrics,
	}
	if s.metrics == nil && conf.MetricsEnabled {
		s.metrics = metrics.New()
	}

	c, err := loadCodec(ctx, conf, deps.Schema)
	if err != nil {
		return nil, err
	}
	s.codec = c

	caller := deps.Caller
	if caller == nil {
		opts := append([]backend.Option{
			backend.WithMetrics(s.metrics),
			backend.WithTracerProvider(deps.TracerProvider),
		}, deps.BackendOptions...)
		client, err := backend.NewFromConfig(conf, log, opts...)
		if err != nil {
			return nil, err
		}
		caller = client
	}

	s.registry, err = ecom.NewRegistry(caller)
	if err != nil {
		return nil, err
	}

	s.bus = deps.Bus
	if s.bus == nil {
		s.bus, err = bus.Open(ctx, conf, loggingpkg.NewWatermillAdapter(log))
		if err != nil {
			return nil, fmt.Errorf("paybridge: failed to open %s bus: %w", conf.PubSubSystem, err)
		}
		s.ownsBus = true
	}

	opts := responder.OptionsFromConfig(conf)
	opts.Metrics = s.metrics
	opts.TracerProvider = deps.TracerProvider
	opts.Hooks = deps.Hooks
	s.responder, err = responder.New(s.bus, s.codec, s.registry, log, opts)
	if err != nil {
		_ = s.closeBus()
		return nil, err
	}

	if conf.MetricsEnabled {
		s.RegisterHTTPHandler(conf.MetricsPort, "/metrics", s.metrics.Handler())
		s.registerStatusHandlers(conf.MetricsPort)
	}
	return s, nil
}

func loadCodec(ctx context.Context, conf *configpkg.Config, src codec.SchemaSource) (*codec.Codec, error) {
	if src == nil {
		if conf.SchemaFile != "" {
			src = codec.FileSchema(conf.SchemaFile)
		} else {
			src = codec.StaticSchema("")
		}
	}
	return codec.Load(ctx, src)
}

// Start runs the Responder until ctx is cancelled, then drains it, stops the
// HTTP servers and closes the bus.
func (s *Service) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	servers := s.startHTTPServers()

	runErr := s.responder.Run(ctx)

	s.stopHTTPServers(servers)
	return errors.Join(runErr, s.closeBus())
}

// Registry exposes the method table the Service dispatches from.
func (s *Service) Registry() *registry.Registry { return s.registry }

// State reports the Responder lifecycle phase.
func (s *Service) State() responder.State { return s.responder.State() }

func (s *Service) closeBus() error {
	if !s.ownsBus || s.bus == nil {
		return nil
	}
	return s.bus.Close()
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() []*http.Server {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
		servers = append(servers, srv)
	}
	return servers
}

func (s *Service) stopHTTPServers(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to stop HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
		}
	}
}
