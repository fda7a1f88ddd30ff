// Package nats provides a NATS Core transport. Subscribers join a queue group
// named after the configured subscriber group, so responders sharing a group
// split the request load while each correlator group sees every response.
// Core NATS keeps no history: subscriptions always start at the live edge.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/paybridge/transport"
)

const TransportName = "nats"

// Factories are swapped in tests.
var (
	PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nats.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return nats.NewSubscriber(cfg, logger)
	}
)

func init() {
	Register()
}

// Register adds the transport to transport.DefaultRegistry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build connects a core publisher and a queue-group subscriber to the same
// server. JetStream is disabled on both; use nats-jetstream for replay.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if preset := transport.ParseReplayPreset(cfg.GetReplayPreset()); preset != transport.ReplayLatest {
		logger.Info("NATS Core keeps no history; replay preset ignored", watermill.LogFields{
			"replay_preset": string(preset),
		})
	}

	url := cfg.GetNATSURL()
	codec := &nats.NATSMarshaler{}
	noJetStream := nats.JetStreamConfig{Disabled: true}

	pub, err := PublisherFactory(nats.PublisherConfig{URL: url, Marshaler: codec, JetStream: noJetStream}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	sub, err := SubscriberFactory(nats.SubscriberConfig{
		URL:              url,
		Unmarshaler:      codec,
		QueueGroupPrefix: cfg.GetSubscriberGroup(),
		JetStream:        noJetStream,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}
