// Package correlation matches asynchronous responses back to the caller that
// is waiting for them.
//
// The Router keeps one registrationItem per response topic. Each item owns its
// own lock so dispatchers on different topics never contend, and every pending
// entry is removed under that lock before its completion runs. Whichever of
// response, publish failure, timeout or cancellation removes the entry first
// is the only outcome the caller sees.
package correlation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	"github.com/drblury/toolbridge/internal/runtime/ids"
	"github.com/drblury/toolbridge/internal/runtime/jsoncodec"
	"github.com/drblury/toolbridge/internal/runtime/logging"
	"github.com/drblury/toolbridge/internal/runtime/metrics"
	"github.com/drblury/toolbridge/internal/runtime/registration"
)

// DefaultTimeout applies when Options.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Subscriptions is the slice of the transport port the router drives.
type Subscriptions interface {
	Subscribe(ctx context.Context, topic string) error
	IsSubscribed(topic string) bool
}

// Options tunes a Router.
type Options struct {
	Timeout time.Duration
	Now     func() time.Time
	Metrics *metrics.Metrics
}

type pendingCorrelation struct {
	correlationID string
	registration  string
	createdAt     time.Time
	expiresAt     time.Time
	complete      Completion
}

type registrationItem struct {
	topic string

	mu           sync.Mutex
	registration registration.Registration
	pending      map[string]*pendingCorrelation
}

// Router owns the pending-correlation tables. Construct one per gateway.
type Router struct {
	subs    Subscriptions
	logger  logging.ServiceLogger
	timeout time.Duration
	now     func() time.Time
	metrics *metrics.Metrics

	mu    sync.RWMutex
	items map[string]*registrationItem
}

// NewRouter builds a Router. subs may be nil when responses are injected
// directly through OnMessage.
func NewRouter(subs Subscriptions, logger logging.ServiceLogger, opts Options) *Router {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		subs:    subs,
		logger:  logger.With(logging.LogFields{"component": "correlation_router"}),
		timeout: timeout,
		now:     now,
		metrics: opts.Metrics,
		items:   make(map[string]*registrationItem),
	}
}

// Timeout is the deadline applied to every pending correlation.
func (r *Router) Timeout() time.Duration { return r.timeout }

// Track makes sure the registration's response topic is known and subscribed.
func (r *Router) Track(ctx context.Context, reg registration.Registration) error {
	if reg == nil {
		return errspkg.ErrRegistrationRequired
	}
	topic := reg.Common().ResponseTopic
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	r.itemFor(topic, reg)
	return r.ensureSubscribed(ctx, topic)
}

// RegisterPending records a waiter for correlationID on the registration's
// response topic and returns the normalized id. A waiter already holding the
// same id is rejected with ErrCorrelationSuperseded.
func (r *Router) RegisterPending(ctx context.Context, reg registration.Registration, correlationID string, complete Completion) (string, error) {
	if reg == nil {
		return "", errspkg.ErrRegistrationRequired
	}
	topic := reg.Common().ResponseTopic
	if topic == "" {
		return "", errspkg.ErrTopicRequired
	}
	if err := r.ensureSubscribed(ctx, topic); err != nil {
		return "", err
	}

	id := ids.NormalizeCorrelationID(correlationID)
	now := r.now()
	entry := &pendingCorrelation{
		correlationID: id,
		registration:  registration.Name(reg),
		createdAt:     now,
		expiresAt:     now.Add(r.timeout),
		complete:      complete,
	}

	item := r.itemFor(topic, reg)
	item.mu.Lock()
	prior, collided := item.pending[id]
	item.pending[id] = entry
	item.mu.Unlock()

	if collided {
		r.logger.Warn("pending correlation superseded", logging.LogFields{
			"topic":          topic,
			"correlation_id": id,
			"registration":   prior.registration,
		})
		r.invoke(topic, prior, Result{Err: errspkg.ErrCorrelationSuperseded})
	} else {
		r.metrics.PendingAdded(topic)
	}
	return id, nil
}

// Cancel drops a pending correlation without completing it. It reports
// whether the entry was still pending.
func (r *Router) Cancel(topic, correlationID string) bool {
	return r.take(topic, ids.NormalizeCorrelationID(correlationID)) != nil
}

// OnMessage delivers a response to its waiter. It reports false for a
// routing miss, which is logged and otherwise dropped.
func (r *Router) OnMessage(topic string, key, value []byte) bool {
	r.mu.RLock()
	item := r.items[topic]
	r.mu.RUnlock()
	if item == nil {
		r.miss(&errspkg.RoutingMiss{Topic: topic, Reason: "no registration uses this response topic"})
		return false
	}

	item.mu.Lock()
	field := item.registration.Common().CorrelationIDField
	item.mu.Unlock()

	raw, err := jsoncodec.StringField(key, field)
	if err != nil {
		r.miss(&errspkg.RoutingMiss{Topic: topic, Reason: "key has no correlation id: " + err.Error()})
		return false
	}
	id := ids.NormalizeCorrelationID(raw)

	entry := r.take(topic, id)
	if entry == nil {
		r.miss(&errspkg.RoutingMiss{Topic: topic, CorrelationID: id, Reason: "not pending"})
		return false
	}

	r.metrics.ResponseDelivered(topic, r.now().Sub(entry.createdAt))
	r.logger.Debug("response delivered", logging.LogFields{
		"topic":          topic,
		"correlation_id": id,
		"registration":   entry.registration,
	})
	r.invoke(topic, entry, Result{Value: value})
	return true
}

// CheckTimeouts fails every pending correlation whose deadline is at or
// before now and returns how many it failed.
func (r *Router) CheckTimeouts(now time.Time) int {
	r.mu.RLock()
	items := make([]*registrationItem, 0, len(r.items))
	for _, item := range r.items {
		items = append(items, item)
	}
	r.mu.RUnlock()

	expired := 0
	for _, item := range items {
		var due []*pendingCorrelation
		item.mu.Lock()
		for id, entry := range item.pending {
			if !entry.expiresAt.After(now) {
				delete(item.pending, id)
				due = append(due, entry)
			}
		}
		item.mu.Unlock()

		for _, entry := range due {
			r.metrics.PendingRemoved(item.topic)
			r.metrics.TimedOut(item.topic)
			r.logger.Warn("pending correlation timed out", logging.LogFields{
				"topic":          item.topic,
				"correlation_id": entry.correlationID,
				"registration":   entry.registration,
			})
			r.invoke(item.topic, entry, Result{Err: &errspkg.TimeoutError{
				Topic:         item.topic,
				CorrelationID: entry.correlationID,
				Deadline:      entry.expiresAt,
			}})
		}
		expired += len(due)
	}
	return expired
}

// Pending returns the number of waiters on topic.
func (r *Router) Pending(topic string) int {
	r.mu.RLock()
	item := r.items[topic]
	r.mu.RUnlock()
	if item == nil {
		return 0
	}
	item.mu.Lock()
	defer item.mu.Unlock()
	return len(item.pending)
}

// IsPending reports whether correlationID still waits on topic.
func (r *Router) IsPending(topic, correlationID string) bool {
	r.mu.RLock()
	item := r.items[topic]
	r.mu.RUnlock()
	if item == nil {
		return false
	}
	item.mu.Lock()
	defer item.mu.Unlock()
	_, ok := item.pending[ids.NormalizeCorrelationID(correlationID)]
	return ok
}

// Topics lists the response topics the router knows, sorted.
func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for topic := range r.items {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (r *Router) itemFor(topic string, reg registration.Registration) *registrationItem {
	r.mu.RLock()
	item := r.items[topic]
	r.mu.RUnlock()

	if item == nil {
		r.mu.Lock()
		item = r.items[topic]
		if item == nil {
			item = &registrationItem{
				topic:        topic,
				registration: reg,
				pending:      make(map[string]*pendingCorrelation),
			}
			r.items[topic] = item
			r.mu.Unlock()
			return item
		}
		r.mu.Unlock()
	}

	item.mu.Lock()
	item.registration = reg
	item.mu.Unlock()
	return item
}

func (r *Router) ensureSubscribed(ctx context.Context, topic string) error {
	if r.subs == nil || r.subs.IsSubscribed(topic) {
		return nil
	}
	if err := r.subs.Subscribe(ctx, topic); err != nil && !errors.Is(err, errspkg.ErrAlreadySubscribed) {
		return err
	}
	r.logger.Info("subscribed to response topic", logging.LogFields{"topic": topic})
	return nil
}

func (r *Router) take(topic, id string) *pendingCorrelation {
	r.mu.RLock()
	item := r.items[topic]
	r.mu.RUnlock()
	if item == nil {
		return nil
	}

	item.mu.Lock()
	entry, ok := item.pending[id]
	if ok {
		delete(item.pending, id)
	}
	item.mu.Unlock()

	if !ok {
		return nil
	}
	r.metrics.PendingRemoved(topic)
	return entry
}

func (r *Router) miss(m *errspkg.RoutingMiss) {
	r.metrics.RoutingMiss(m.Topic)
	r.logger.Warn("routing miss", logging.LogFields{
		"topic":          m.Topic,
		"correlation_id": m.CorrelationID,
		"reason":         m.Reason,
	})
}

// invoke runs a completion after its entry is gone. A panicking completion is
// logged so it cannot take the consumer loop down.
func (r *Router) invoke(topic string, entry *pendingCorrelation, result Result) {
	if entry.complete == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("completion panicked", nil, logging.LogFields{
				"topic":          topic,
				"correlation_id": entry.correlationID,
				"panic":          rec,
			})
		}
	}()
	entry.complete(result)
}
