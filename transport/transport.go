// Package transport defines the core interfaces and types for bus transports.
// Each transport implementation (kafka, rabbitmq, aws, etc.) lives in its own
// sub-package and registers itself with the transport registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is what a Builder produces. Push-based brokers fill the Watermill
// Publisher/Subscriber pair; transports with native pull consumers set Bus,
// which callers prefer when present.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Bus        Bus

	// Capabilities is filled in by Registry.Build.
	Capabilities Capabilities
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// GetSubscriberGroup names the consumer group, queue or durable the
	// subscriber side binds to.
	GetSubscriberGroup() string

	// GetReplayPreset returns LATEST, EARLIEST or CUSTOM.
	GetReplayPreset() string
	GetReplayID() string

	// Kafka
	GetKafkaBrokers() []string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetJetStreamStream() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// WithGroup returns cfg with GetSubscriberGroup overridden. Correlators use it
// to bind a private group so every instance sees every response.
func WithGroup(cfg Config, group string) Config {
	if cfg == nil || group == "" {
		return cfg
	}
	return groupOverride{Config: cfg, group: group}
}

type groupOverride struct {
	Config
	group string
}

func (g groupOverride) GetSubscriberGroup() string { return g.group }

// WithReplay returns cfg with the replay preset overridden and the replay id
// cleared. Correlators use it so a responder replaying history does not make
// every new client group read the whole topic.
func WithReplay(cfg Config, preset ReplayPreset) Config {
	if cfg == nil {
		return cfg
	}
	return replayOverride{Config: cfg, preset: preset}
}

type replayOverride struct {
	Config
	preset ReplayPreset
}

func (r replayOverride) GetReplayPreset() string { return string(r.preset) }
func (r replayOverride) GetReplayID() string     { return "" }
