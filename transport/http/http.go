// Package http provides an HTTP transport. Topics are URL paths: publishers
// POST to publisherURL+topic and the subscriber serves the same paths.
package http

import (
	"context"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/paybridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP transport. Either side may be absent: a
// send-only process needs no listener and a listener needs no publisher URL.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	var tr transport.Transport

	if publisherURL := strings.TrimRight(cfg.GetHTTPPublisherURL(), "/"); publisherURL != "" {
		publisher, err := PublisherFactory(
			http.PublisherConfig{
				MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
					return http.DefaultMarshalMessageFunc(publisherURL+Path(topic), msg)
				},
			},
			logger,
		)
		if err != nil {
			return transport.Transport{}, err
		}
		tr.Publisher = publisher
	}

	if serverAddr := cfg.GetHTTPServerAddress(); serverAddr != "" {
		subscriber, err := SubscriberFactory(
			serverAddr,
			http.SubscriberConfig{
				UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
			},
			logger,
		)
		if err != nil {
			if tr.Publisher != nil {
				_ = tr.Publisher.Close()
			}
			return transport.Transport{}, err
		}
		tr.Subscriber = &lazySubscriber{Subscriber: subscriber, logger: logger}
	}

	return tr, nil
}

// Path turns a topic into the URL path it is served on.
func Path(topic string) string {
	if strings.HasPrefix(topic, "/") {
		return topic
	}
	return "/" + topic
}

// lazySubscriber starts the HTTP server after the first route is registered.
type lazySubscriber struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	once   sync.Once
}

func (s *lazySubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := s.Subscriber.Subscribe(ctx, Path(topic))
	if err != nil {
		return nil, err
	}
	s.once.Do(func() {
		srv, ok := s.Subscriber.(*http.Subscriber)
		if !ok {
			return
		}
		go func() {
			if err := srv.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed {
				s.logger.Error("HTTP subscriber server stopped", err, nil)
			}
		}()
	})
	return ch, nil
}
