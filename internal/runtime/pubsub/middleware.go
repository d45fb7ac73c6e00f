package pubsub

import (
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/toolbridge/internal/runtime/logging"
	"github.com/drblury/toolbridge/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/toolbridge/pubsub"

// DefaultMiddleware is the chain the gateway installs around response
// delivery: a span per record, a debug line per record, and panic recovery
// closest to the handler.
func DefaultMiddleware(logger logging.ServiceLogger) []message.HandlerMiddleware {
	return []message.HandlerMiddleware{
		TracerMiddleware(nil),
		LogRecordsMiddleware(logger),
		RecovererMiddleware(),
	}
}

// RecovererMiddleware turns a handler panic into an error.
func RecovererMiddleware() message.HandlerMiddleware {
	return middleware.Recoverer
}

// TracerMiddleware wraps each record in a consumer span. A nil tracer uses
// the global provider.
func TracerMiddleware(tracer trace.Tracer) message.HandlerMiddleware {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := tracer.Start(msg.Context(), "toolbridge.response", trace.WithSpanKind(trace.SpanKindConsumer))
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.uuid", msg.UUID),
				attribute.String("toolbridge.record_key", string(metadata.RecordKey(msg))),
			)
			out, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "record handling failed")
			}
			return out, err
		}
	}
}

// LogRecordsMiddleware logs every record at debug level.
func LogRecordsMiddleware(logger logging.ServiceLogger) message.HandlerMiddleware {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("record received", logging.LogFields{
				"message_uuid": msg.UUID,
				"record_key":   string(metadata.RecordKey(msg)),
				"payload_size": len(msg.Payload),
			})
			return h(msg)
		}
	}
}

// Instrument decorates a publisher and subscriber with Watermill's
// Prometheus publish and consume collectors.
func Instrument(registerer prometheus.Registerer, transportName string, pub message.Publisher, sub message.Subscriber) (message.Publisher, message.Subscriber, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	builder := metrics.NewPrometheusMetricsBuilder(registerer, "toolbridge", transportName)

	decoratedPub, err := builder.DecoratePublisher(pub)
	if err != nil {
		return nil, nil, err
	}
	decoratedSub, err := builder.DecorateSubscriber(sub)
	if err != nil {
		return nil, nil, err
	}
	return decoratedPub, decoratedSub, nil
}
