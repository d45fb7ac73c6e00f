/*
Package runtime assembles the toolbridge gateway.

# Architecture Overview

Remote workers announce their tools and resources by writing registrations to
a compacted directory log. The gateway replays that log, keeps one live
handler per registration, and exposes every handler through MCP and REST.
Calls are published on the registration's request topic and answered on its
response topic; the correlation key carried as the record key pairs the two.

# Package Structure

## Gateway (gateway.go)

Gateway wires:
  - the transport (Kafka, NATS, RabbitMQ, AWS SNS/SQS or Go channels)
  - the consumer, correlation router, reaper and dispatcher
  - the directory and its log (Kafka topic, NATS KV bucket or memory)
  - the coordinator and the MCP and REST front ends
  - the HTTP servers for MCP, REST/control and Prometheus metrics

# Sub-packages

  - config/: environment configuration with validation
  - controlapi/: registration management over HTTP
  - coordinator/: handler lifecycle kept in step with the directory
  - correlation/: pending table, futures and timeout reaper
  - directory/: replicated registration projection and its logs
  - dispatch/: request publishing with correlation keys
  - errors/: sentinel errors and error types
  - frontend/: MCP server and REST API
  - httpapi/: JSON error bodies, status mapping and CORS
  - ids/: ULID based identifiers
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: message metadata utilities
  - metrics/: Prometheus collectors and the control snapshot
  - protocol/: request and response envelopes
  - pubsub/: Watermill producer, consumer and middleware
  - registration/: tool and resource descriptors

# Usage Example

	cfg, err := config.Load("TOOLBRIDGE")
	if err != nil {
		return err
	}
	gw, err := runtime.NewGateway(ctx, cfg, logger, runtime.GatewayDependencies{})
	if err != nil {
		return err
	}
	return gw.Start(ctx)
*/
package runtime
