// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/courier/transport/aws"
	_ "github.com/drblury/courier/transport/channel"
	_ "github.com/drblury/courier/transport/jetstream"
	_ "github.com/drblury/courier/transport/kafka"
	_ "github.com/drblury/courier/transport/kafkago"
	_ "github.com/drblury/courier/transport/nats"
	_ "github.com/drblury/courier/transport/rabbitmq"
)
