// Package metadata defines the Watermill metadata keys the gateway uses to
// carry record-level information that brokers without native keys cannot hold.
package metadata

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
)

const (
	// KeyRecordKey carries the record key (the correlation key JSON for
	// requests and responses). The Kafka marshaler maps it to the native key.
	KeyRecordKey = "toolbridge_record_key"
	// KeyRegistration names the capability a request was dispatched for.
	KeyRegistration = "toolbridge_registration"
	// KeyCorrelationID mirrors the normalized correlation id for tracing and logs.
	KeyCorrelationID = "correlation_id"
)

// SetRecordKey stores key on msg. A nil key clears it.
func SetRecordKey(msg *message.Message, key []byte) {
	if key == nil {
		delete(msg.Metadata, KeyRecordKey)
		return
	}
	msg.Metadata.Set(KeyRecordKey, string(key))
}

// RecordKey returns the record key carried by msg, or nil when absent.
func RecordKey(msg *message.Message) []byte {
	v, ok := msg.Metadata[KeyRecordKey]
	if !ok {
		return nil
	}
	return []byte(v)
}

// Clone copies md so callers can enrich it without touching the original.
func Clone(md message.Metadata) message.Metadata {
	out := make(message.Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

type ctxKey struct{}

// WithValues returns a context carrying extra metadata for the next published
// record. Values from an outer context are kept unless overwritten.
func WithValues(ctx context.Context, values map[string]string) context.Context {
	merged := message.Metadata{}
	for k, v := range FromContext(ctx) {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}
	return context.WithValue(ctx, ctxKey{}, merged)
}

// FromContext returns the metadata attached with WithValues, or nil.
func FromContext(ctx context.Context) message.Metadata {
	if ctx == nil {
		return nil
	}
	md, _ := ctx.Value(ctxKey{}).(message.Metadata)
	return md
}
