// Package dispatch publishes correlation-tagged requests and hands back a
// future that resolves exactly once.
package dispatch

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/toolbridge/internal/runtime/correlation"
	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	"github.com/drblury/toolbridge/internal/runtime/ids"
	"github.com/drblury/toolbridge/internal/runtime/logging"
	"github.com/drblury/toolbridge/internal/runtime/metadata"
	"github.com/drblury/toolbridge/internal/runtime/metrics"
	"github.com/drblury/toolbridge/internal/runtime/protocol"
	"github.com/drblury/toolbridge/internal/runtime/registration"
)

const tracerName = "github.com/drblury/toolbridge/dispatch"

// Publisher sends one keyed record to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// PendingTable is the part of the correlation router the dispatcher needs.
type PendingTable interface {
	RegisterPending(ctx context.Context, reg registration.Registration, correlationID string, complete correlation.Completion) (string, error)
	Cancel(topic, correlationID string) bool
}

// Options tunes a Dispatcher.
type Options struct {
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	// NewID overrides correlation id generation.
	NewID func() string
	// MaxMessageSize rejects larger request values before anything is
	// registered. Zero means unbounded.
	MaxMessageSize int64
}

// Dispatcher sends requests for registrations.
type Dispatcher struct {
	publisher Publisher
	pending   PendingTable
	logger    logging.ServiceLogger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	newID     func() string
	maxSize   int64
}

func New(publisher Publisher, pending PendingTable, logger logging.ServiceLogger, opts Options) (*Dispatcher, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if pending == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	newID := opts.NewID
	if newID == nil {
		newID = ids.NewCorrelationID
	}
	return &Dispatcher{
		publisher: publisher,
		pending:   pending,
		logger:    logger.With(logging.LogFields{"component": "dispatcher"}),
		metrics:   opts.Metrics,
		tracer:    tracer,
		newID:     newID,
		maxSize:   opts.MaxMessageSize,
	}, nil
}

// Send registers a pending correlation, publishes value to the registration's
// request topic keyed by {correlationIdField: id}, and returns the future.
// Send does not wait for the response. A publish failure rejects the future
// with a DispatchError right away.
func (d *Dispatcher) Send(ctx context.Context, reg registration.Registration, value []byte) *correlation.Future {
	if reg == nil {
		return correlation.Failed("", errspkg.ErrRegistrationRequired)
	}
	base := reg.Common()
	name := registration.Name(reg)

	ctx, span := d.tracer.Start(ctx, "toolbridge.dispatch", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	future := correlation.NewFuture(ids.NormalizeCorrelationID(d.newID()))
	span.SetAttributes(
		attribute.String("toolbridge.registration", name),
		attribute.String("messaging.destination.name", base.RequestTopic),
		attribute.String("toolbridge.correlation_id", future.CorrelationID()),
	)

	if d.maxSize > 0 && int64(len(value)) > d.maxSize {
		err := fmt.Errorf("%w: %d > %d bytes", errspkg.ErrMessageTooLarge, len(value), d.maxSize)
		return d.fail(span, future, name, &errspkg.DispatchError{Topic: base.RequestTopic, CorrelationID: future.CorrelationID(), Err: err})
	}

	id, err := d.pending.RegisterPending(ctx, reg, future.CorrelationID(), future.Complete())
	if err != nil {
		return d.fail(span, future, name, &errspkg.DispatchError{Topic: base.RequestTopic, CorrelationID: future.CorrelationID(), Err: err})
	}
	future.OnCancel(func() bool { return d.pending.Cancel(base.ResponseTopic, id) })

	key, err := protocol.EncodeKey(base.CorrelationIDField, id)
	if err != nil {
		d.pending.Cancel(base.ResponseTopic, id)
		return d.fail(span, future, name, &errspkg.DispatchError{Topic: base.RequestTopic, CorrelationID: id, Err: err})
	}

	ctx = metadata.WithValues(ctx, map[string]string{
		metadata.KeyRegistration:  name,
		metadata.KeyCorrelationID: id,
	})
	if err := d.publisher.Publish(ctx, base.RequestTopic, key, value); err != nil {
		// Only the caller that removes the entry may resolve it.
		if d.pending.Cancel(base.ResponseTopic, id) {
			return d.fail(span, future, name, &errspkg.DispatchError{Topic: base.RequestTopic, CorrelationID: id, Err: err})
		}
		return future
	}

	d.metrics.Dispatched(name)
	d.logger.Debug("request dispatched", logging.LogFields{
		"registration":   name,
		"topic":          base.RequestTopic,
		"correlation_id": id,
	})
	return future
}

func (d *Dispatcher) fail(span trace.Span, future *correlation.Future, name string, err *errspkg.DispatchError) *correlation.Future {
	span.RecordError(err)
	span.SetStatus(codes.Error, "dispatch failed")
	d.metrics.DispatchFailed(name)
	d.logger.Error("request dispatch failed", err, logging.LogFields{
		"registration":   name,
		"topic":          err.Topic,
		"correlation_id": err.CorrelationID,
	})
	future.Resolve(correlation.Result{Err: err})
	return future
}
