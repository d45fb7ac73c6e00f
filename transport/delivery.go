package transport

import (
	"strings"
	"sync"

	"github.com/drblury/toolbridge/internal/runtime/ids"
)

// Delivery decides which subscribers of a topic see a record.
type Delivery int

const (
	// Broadcast hands every record to every process. The pending call for a
	// response lives on one gateway replica, so each replica must see every
	// response and drop the ones it does not own.
	Broadcast Delivery = iota
	// Shared hands each record to one member of the consumer group. Workers
	// read request topics this way so a call runs once.
	Shared
)

// DefaultConsumerGroup is the Shared group used when the config names none.
const DefaultConsumerGroup = "toolbridge-workers"

func (d Delivery) String() string {
	switch d {
	case Broadcast:
		return "broadcast"
	case Shared:
		return "shared"
	default:
		return "unknown"
	}
}

type deliveryConfig struct {
	Config
	delivery Delivery
}

func (c deliveryConfig) GetDelivery() Delivery { return c.delivery }

// WithDelivery returns cfg with its delivery mode set to d.
func WithDelivery(cfg Config, d Delivery) Config {
	if dc, ok := cfg.(deliveryConfig); ok {
		cfg = dc.Config
	}
	return deliveryConfig{Config: cfg, delivery: d}
}

// DeliveryOf reports the mode requested by cfg. Configs that do not choose
// one are Broadcast.
func DeliveryOf(cfg Config) Delivery {
	if dc, ok := cfg.(interface{ GetDelivery() Delivery }); ok {
		return dc.GetDelivery()
	}
	return Broadcast
}

var (
	processID     string
	processIDOnce sync.Once
)

// InstanceID returns the configured instance id, or an id generated once for
// this process.
func InstanceID(cfg Config) string {
	if id := sanitize(cfg.GetInstanceID()); id != "" {
		return id
	}
	processIDOnce.Do(func() {
		processID = strings.ToLower(ids.MessageID())
	})
	return processID
}

// Group returns the consumer group for Shared delivery.
func Group(cfg Config) string {
	if g := sanitize(cfg.GetConsumerGroup()); g != "" {
		return g
	}
	return DefaultConsumerGroup
}

// SubscriptionName names the broker-side queue or group reading topic. A
// Broadcast name is private to the instance; a Shared name is common to the
// group.
func SubscriptionName(cfg Config, topic string) string {
	suffix := InstanceID(cfg)
	if DeliveryOf(cfg) == Shared {
		suffix = Group(cfg)
	}
	return sanitize(topic) + "-" + suffix
}

// sanitize keeps letters, digits, '-' and '_', which Kafka groups, AMQP
// queues and SQS queue names all accept.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == '.' || r == ' ' || r == '/':
			return '_'
		default:
			return -1
		}
	}, strings.TrimSpace(s))
}
