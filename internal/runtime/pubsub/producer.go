// Package pubsub is the gateway's transport port: keyed records in and out of
// a Watermill publisher and subscriber.
package pubsub

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	"github.com/drblury/toolbridge/internal/runtime/ids"
	"github.com/drblury/toolbridge/internal/runtime/logging"
	"github.com/drblury/toolbridge/internal/runtime/metadata"
)

// Producer publishes keyed records.
type Producer struct {
	publisher message.Publisher
	logger    logging.ServiceLogger
}

// NewProducer wraps publisher.
func NewProducer(publisher message.Publisher, logger logging.ServiceLogger) (*Producer, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Producer{
		publisher: publisher,
		logger:    logger.With(logging.LogFields{"component": "producer"}),
	}, nil
}

// NewMessage builds the Watermill message for one record. Metadata attached
// to ctx with metadata.WithValues is copied onto it.
func NewMessage(ctx context.Context, key, value []byte) *message.Message {
	msg := message.NewMessage(ids.MessageID(), value)
	for k, v := range metadata.FromContext(ctx) {
		msg.Metadata.Set(k, v)
	}
	metadata.SetRecordKey(msg, key)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return msg
}

// Publish sends one record and returns once the transport acknowledged it.
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	msg := NewMessage(ctx, key, value)
	if err := p.publisher.Publish(topic, msg); err != nil {
		p.logger.Error("publish failed", err, logging.LogFields{
			"topic":        topic,
			"message_uuid": msg.UUID,
		})
		return err
	}
	p.logger.Trace("record published", logging.LogFields{
		"topic":        topic,
		"message_uuid": msg.UUID,
	})
	return nil
}

// Close closes the underlying publisher.
func (p *Producer) Close() error {
	return p.publisher.Close()
}
