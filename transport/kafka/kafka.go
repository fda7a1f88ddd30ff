// Package kafka provides a Kafka transport. The subscriber group becomes the
// Kafka consumer group and the replay preset picks the initial offset for a
// group without committed offsets.
package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/paybridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	preset := transport.ParseReplayPreset(cfg.GetReplayPreset())
	if preset == transport.ReplayCustom {
		logger.Info("Kafka consumer groups cannot start at a replay id; starting from the oldest offset", watermill.LogFields{
			"replay_id": cfg.GetReplayID(),
		})
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			ConsumerGroup:         cfg.GetSubscriberGroup(),
			OverwriteSaramaConfig: saramaSubscriberConfig(preset),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

func saramaSubscriberConfig(preset transport.ReplayPreset) *sarama.Config {
	saramaCfg := kafka.DefaultSaramaSubscriberConfig()
	if preset == transport.ReplayLatest {
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	} else {
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	return saramaCfg
}
