package transport

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// SupportsNativePull indicates the transport implements Bus itself on a
	// broker-side pull consumer. When false the Watermill pair is adapted.
	SupportsNativePull bool

	// SupportsReplay indicates the broker retains history so EARLIEST and
	// CUSTOM presets are meaningful.
	SupportsReplay bool

	// SupportsOrdering indicates the transport guarantees message ordering.
	SupportsOrdering bool

	// SupportsPublishAck indicates Publish only returns after a broker ack.
	SupportsPublishAck bool

	// SupportsConsumerGroups indicates subscribers can share or split a stream
	// by group name.
	SupportsConsumerGroups bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// RequiresPullEmulation returns true if pull flow control is emulated on top
// of a push subscriber.
func (c Capabilities) RequiresPullEmulation() bool {
	return !c.SupportsNativePull
}

// Fits reports whether a payload of size bytes can be carried.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-process Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:               "channel",
		SupportsOrdering:   true,
		SupportsPublishAck: true,
	}

	// KafkaCapabilities for Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:                   "kafka",
		SupportsReplay:         true,
		SupportsOrdering:       true,
		SupportsPublishAck:     true,
		SupportsConsumerGroups: true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:                   "rabbitmq",
		SupportsOrdering:       true,
		SupportsPublishAck:     true,
		SupportsConsumerGroups: true,
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for NATS JetStream transport.
	NATSJetStreamCapabilities = Capabilities{
		Name:                   "nats-jetstream",
		SupportsNativePull:     true,
		SupportsReplay:         true,
		SupportsOrdering:       true,
		SupportsPublishAck:     true,
		SupportsConsumerGroups: true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	// AWSCapabilities for AWS SNS/SQS transport.
	AWSCapabilities = Capabilities{
		Name:                   "aws",
		SupportsPublishAck:     true,
		SupportsConsumerGroups: true,
		MaxMessageSize:         262144, // 256KB
	}

	// HTTPCapabilities for HTTP-based transport.
	HTTPCapabilities = Capabilities{
		Name:               "http",
		SupportsPublishAck: true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
