package transport

// Capabilities describes what a broker offers the correlation engine.
type Capabilities struct {
	Name string

	// NativeKeys is set when the broker carries a record key next to the
	// payload. Other brokers carry the correlation key in message metadata.
	NativeKeys bool

	// Ordered is set when delivery order is kept per topic or partition.
	Ordered bool

	// Ack and Nack report explicit acknowledgment and redelivery.
	Ack  bool
	Nack bool

	// SharedDelivery is set when several processes can split one topic. A
	// broker without it only supports Broadcast.
	SharedDelivery bool

	// MaxMessageSize is the largest payload in bytes, 0 when unbounded.
	MaxMessageSize int64
}

// RequiresKeyMetadata reports whether record keys travel as metadata.
func (c Capabilities) RequiresKeyMetadata() bool {
	return !c.NativeKeys
}

// Reliable reports at-least-once delivery (ack and nack).
func (c Capabilities) Reliable() bool {
	return c.Ack && c.Nack
}

// Supports reports whether d can be served.
func (c Capabilities) Supports(d Delivery) bool {
	return d == Broadcast || c.SharedDelivery
}

// Fits reports whether a payload of size bytes can be published.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

// Capability sets of the built-in transports.
var (
	// ChannelCapabilities: every subscriber of a gochannel topic sees every
	// record.
	ChannelCapabilities = Capabilities{
		Name:    "channel",
		Ordered: true,
		Ack:     true,
		Nack:    true,
	}

	KafkaCapabilities = Capabilities{
		Name:           "kafka",
		NativeKeys:     true,
		Ordered:        true,
		Ack:            true,
		SharedDelivery: true,
		MaxMessageSize: 1 << 20, // broker default message.max.bytes
	}

	RabbitMQCapabilities = Capabilities{
		Name:           "rabbitmq",
		Ordered:        true,
		Ack:            true,
		Nack:           true,
		SharedDelivery: true,
	}

	// NATSCapabilities: core NATS, at-most-once.
	NATSCapabilities = Capabilities{
		Name:           "nats",
		SharedDelivery: true,
		MaxMessageSize: 1 << 20, // server default max_payload
	}

	AWSCapabilities = Capabilities{
		Name:           "aws",
		Ack:            true,
		Nack:           true,
		SharedDelivery: true,
		MaxMessageSize: 256 << 10, // SNS/SQS message limit
	}
)

// GetCapabilities returns the capabilities registered for a transport name
// in the default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
