// Package kafka provides the Kafka transport. Record keys travel as real
// Kafka keys so workers can echo the correlation key unchanged.
package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/toolbridge/transport"
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

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a Kafka transport.
//
// Broadcast subscribers join no consumer group: each replica reads every
// partition from the newest offset, since responses to calls made before it
// started cannot be routed anyway. Shared subscribers join the configured
// group and start from the oldest offset so a fresh group does not skip
// requests that were queued before it joined.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	marshaler := KeyedMarshaler{}

	publisher, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:   brokers,
		Marshaler: marshaler,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(subscriberConfig(cfg, brokers, marshaler), logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

func subscriberConfig(cfg transport.Config, brokers []string, unmarshaler kafka.Unmarshaler) kafka.SubscriberConfig {
	saramaCfg := kafka.DefaultSaramaSubscriberConfig()
	sc := kafka.SubscriberConfig{
		Brokers:               brokers,
		Unmarshaler:           unmarshaler,
		OverwriteSaramaConfig: saramaCfg,
	}
	switch transport.DeliveryOf(cfg) {
	case transport.Shared:
		sc.ConsumerGroup = transport.Group(cfg)
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return sc
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
