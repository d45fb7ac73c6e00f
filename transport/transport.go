// Package transport defines how toolbridge reaches its message broker. Each
// broker lives in its own sub-package and registers a Builder with the
// registry under the name used by the TOOLBRIDGE_PUBSUB_SYSTEM setting.
//
// A builder returns one publisher and one subscriber. How the subscriber
// shares a topic with other processes is decided by the Delivery mode: the
// gateway reads response topics with Broadcast, workers read request topics
// with Shared.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the subscriber, then the publisher. A single value serving
// both roles is closed once.
func (t Transport) Close() error {
	var subErr, pubErr error
	if t.Subscriber != nil {
		subErr = t.Subscriber.Close()
	}
	if t.Publisher != nil && any(t.Publisher) != any(t.Subscriber) {
		pubErr = t.Publisher.Close()
	}
	if subErr != nil {
		return subErr
	}
	return pubErr
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config exposes the broker settings transports read. The gateway config
// implements it; wrap it with WithDelivery to pick a delivery mode.
type Config interface {
	GetPubSubSystem() string

	// GetInstanceID names this process among the replicas sharing a broker.
	// Broadcast subscriptions are private to it. Empty means one random id
	// per process.
	GetInstanceID() string
	// GetConsumerGroup names the group a Shared subscription belongs to.
	GetConsumerGroup() string

	GetKafkaBrokers() []string
	GetRabbitMQURL() string
	GetNATSURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
