// Package toolbridge exposes tools and resources served by remote workers over
// a message broker as MCP and REST endpoints.
//
// Workers describe what they offer with a Registration (a Tool or a Resource)
// and write it to the directory log with Announce. Every gateway replays the
// log, builds a handler per registration and serves it. A call is published
// on the registration's request topic as {"requestIndex": n, "payload": ...}
// keyed by {"correlationId": id}; the worker answers on the response topic
// with the same key and a Response envelope built with Completed or Failed.
//
// # Transports
//
// Requests and responses travel over one of:
//   - channel: in-memory Go channels for tests and single-process setups
//   - kafka: Sarama-backed Kafka with native record keys
//   - rabbitmq: AMQP durable queues
//   - aws: SNS/SQS with LocalStack support
//   - nats: NATS core messaging
//
// Gateways subscribe with Broadcast delivery so every replica sees every
// response. Workers should build their transport with
// WithDelivery(cfg, Shared) so a request runs once per ConsumerGroup.
//
// The directory log is a compacted Kafka topic, a NATS JetStream key-value
// bucket, or an in-memory log.
//
// # Running
//
// cmd/toolbridge reads TOOLBRIDGE_* environment variables (see Config) and
// runs a Gateway. Embedders call LoadConfig, NewGateway and Gateway.Start;
// GatewayDependencies lets them bring their own transport, directory log,
// Prometheus registry, tracer or lifecycle Hooks.
package toolbridge
