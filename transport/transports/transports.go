// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/paybridge/transport/aws"
	_ "github.com/drblury/paybridge/transport/channel"
	_ "github.com/drblury/paybridge/transport/http"
	_ "github.com/drblury/paybridge/transport/jetstream"
	_ "github.com/drblury/paybridge/transport/kafka"
	_ "github.com/drblury/paybridge/transport/nats"
	_ "github.com/drblury/paybridge/transport/rabbitmq"
)
