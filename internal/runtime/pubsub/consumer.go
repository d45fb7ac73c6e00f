package pubsub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	"github.com/drblury/toolbridge/internal/runtime/logging"
	"github.com/drblury/toolbridge/internal/runtime/metadata"
)

// RecordHandler receives every record the consumer reads. It reports whether
// the record was routed; the consumer acknowledges it either way.
type RecordHandler func(topic string, key, value []byte) bool

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithMiddleware wraps record handling, outermost first.
func WithMiddleware(mw ...message.HandlerMiddleware) ConsumerOption {
	return func(c *Consumer) {
		c.middleware = append(c.middleware, mw...)
	}
}

// WithTicker makes the consumption loop call tick every interval, between
// records. The correlation reaper runs this way.
func WithTicker(interval time.Duration, tick func(now time.Time)) ConsumerOption {
	return func(c *Consumer) {
		c.tickInterval = interval
		c.tick = tick
	}
}

type delivery struct {
	msg    *message.Message
	handle message.HandlerFunc
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Consumer subscribes topics on demand and feeds every record to one
// RecordHandler from a single goroutine, so handler calls never overlap.
type Consumer struct {
	subscriber message.Subscriber
	handler    RecordHandler
	logger     logging.ServiceLogger
	middleware []message.HandlerMiddleware

	tickInterval time.Duration
	tick         func(time.Time)

	deliveries chan delivery
	baseCtx    context.Context
	stop       context.CancelFunc

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

// NewConsumer builds a Consumer. Call Run to start delivering.
func NewConsumer(subscriber message.Subscriber, handler RecordHandler, logger logging.ServiceLogger, opts ...ConsumerOption) (*Consumer, error) {
	if subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if handler == nil {
		handler = func(string, []byte, []byte) bool { return false }
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		subscriber: subscriber,
		handler:    handler,
		logger:     logger.With(logging.LogFields{"component": "consumer"}),
		deliveries: make(chan delivery),
		baseCtx:    ctx,
		stop:       cancel,
		subs:       make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Subscribe starts reading topic. Subscribing twice returns
// ErrAlreadySubscribed.
func (c *Consumer) Subscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errspkg.ErrConsumerClosed
	}
	if _, ok := c.subs[topic]; ok {
		return errspkg.ErrAlreadySubscribed
	}

	// The subscription outlives the caller's ctx; only Unsubscribe and Close
	// end it.
	subCtx, cancel := context.WithCancel(c.baseCtx)
	messages, err := c.subscriber.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return err
	}

	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	c.subs[topic] = sub
	go c.forward(subCtx, topic, messages, sub.done)

	c.logger.Info("subscribed", logging.LogFields{"topic": topic})
	return nil
}

// Unsubscribe stops reading topic.
func (c *Consumer) Unsubscribe(topic string) error {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	if !ok {
		return errspkg.ErrNotSubscribed
	}

	sub.cancel()
	c.logger.Info("unsubscribed", logging.LogFields{"topic": topic})
	return nil
}

// IsSubscribed reports whether topic is being read.
func (c *Consumer) IsSubscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[topic]
	return ok
}

// Topics lists the subscribed topics, sorted.
func (c *Consumer) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Run is the consumption loop. It returns when ctx is done or the consumer
// is closed.
func (c *Consumer) Run(ctx context.Context) error {
	var ticks <-chan time.Time
	if c.tick != nil && c.tickInterval > 0 {
		ticker := time.NewTicker(c.tickInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.baseCtx.Done():
			return nil
		case now := <-ticks:
			c.tick(now)
		case d := <-c.deliveries:
			c.deliver(d)
		}
	}
}

// Close ends every subscription. The subscriber itself belongs to the
// transport and is closed there.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = map[string]*subscription{}
	c.mu.Unlock()

	c.stop()
	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	return nil
}

func (c *Consumer) forward(ctx context.Context, topic string, messages <-chan *message.Message, done chan struct{}) {
	defer close(done)
	handle := c.chain(topic)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			select {
			case c.deliveries <- delivery{msg: msg, handle: handle}:
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}
}

func (c *Consumer) chain(topic string) message.HandlerFunc {
	h := func(msg *message.Message) ([]*message.Message, error) {
		c.handler(topic, metadata.RecordKey(msg), msg.Payload)
		return nil, nil
	}
	for i := len(c.middleware) - 1; i >= 0; i-- {
		h = c.middleware[i](h)
	}
	return h
}

// deliver acknowledges every record, failed or not. A response that could
// not be handled is not worth redelivering to a caller that is gone.
func (c *Consumer) deliver(d delivery) {
	if _, err := d.handle(d.msg); err != nil {
		c.logger.Error("record handling failed", err, logging.LogFields{
			"message_uuid": d.msg.UUID,
		})
	}
	d.msg.Ack()
}
