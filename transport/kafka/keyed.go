package kafka

import (
	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/toolbridge/internal/runtime/metadata"
)

// KeyedMarshaler moves the record key between message metadata and the Kafka
// record key. Everything else is handled by the default marshaler.
type KeyedMarshaler struct {
	kafka.DefaultMarshaler
}

func (m KeyedMarshaler) Marshal(topic string, msg *message.Message) (*sarama.ProducerMessage, error) {
	key := metadata.RecordKey(msg)
	if key == nil {
		return m.DefaultMarshaler.Marshal(topic, msg)
	}

	stripped := message.NewMessage(msg.UUID, msg.Payload)
	stripped.Metadata = metadata.Clone(msg.Metadata)
	delete(stripped.Metadata, metadata.KeyRecordKey)

	pm, err := m.DefaultMarshaler.Marshal(topic, stripped)
	if err != nil {
		return nil, err
	}
	pm.Key = sarama.ByteEncoder(key)
	return pm, nil
}

func (m KeyedMarshaler) Unmarshal(cm *sarama.ConsumerMessage) (*message.Message, error) {
	msg, err := m.DefaultMarshaler.Unmarshal(cm)
	if err != nil {
		return nil, err
	}
	if cm.Key != nil {
		metadata.SetRecordKey(msg, cm.Key)
	}
	return msg, nil
}
