// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/rpcflow/rpcflow/transport/channel"
	_ "github.com/rpcflow/rpcflow/transport/jetstream"
	_ "github.com/rpcflow/rpcflow/transport/kafka"
	_ "github.com/rpcflow/rpcflow/transport/nats"
	_ "github.com/rpcflow/rpcflow/transport/rabbitmq"
)
