// Package transports registers every built-in broker with the default
// registry. Import it for side effects.
package transports

import (
	_ "github.com/drblury/toolbridge/transport/aws"
	_ "github.com/drblury/toolbridge/transport/channel"
	_ "github.com/drblury/toolbridge/transport/kafka"
	_ "github.com/drblury/toolbridge/transport/nats"
	_ "github.com/drblury/toolbridge/transport/rabbitmq"
)
