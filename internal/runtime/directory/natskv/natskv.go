// Package natskv keeps the registration directory in a NATS JetStream
// key-value bucket. The key is the registration name.
package natskv

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/toolbridge/internal/runtime/directory"
	"github.com/drblury/toolbridge/internal/runtime/logging"
)

// Log watches every key of a bucket. The watcher's initial nil entry marks
// the end of replay.
type Log struct {
	kv     jetstream.KeyValue
	logger logging.ServiceLogger
	close  func()
}

// Open connects to url and opens (or creates) bucket.
func Open(ctx context.Context, url, bucket string, logger logging.ServiceLogger) (*Log, error) {
	if bucket == "" {
		return nil, errors.New("natskv: bucket is required")
	}
	nc, err := nats.Connect(url, nats.Name("toolbridge-directory"))
	if err != nil {
		return nil, fmt.Errorf("natskv: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natskv: jetstream: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "toolbridge registration directory",
			History:     1,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natskv: bucket %s: %w", bucket, err)
	}

	l := New(kv, logger)
	l.close = nc.Close
	return l, nil
}

// New wraps an existing bucket.
func New(kv jetstream.KeyValue, logger logging.ServiceLogger) *Log {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Log{
		kv:     kv,
		logger: logger.With(logging.LogFields{"component": "directory_natskv", "bucket": kv.Bucket()}),
	}
}

// Run delivers every key, signals the tail, then follows updates until ctx ends.
func (l *Log) Run(ctx context.Context, sink directory.Sink) error {
	watcher, err := l.kv.WatchAll(ctx)
	if err != nil {
		return fmt.Errorf("natskv: watch: %w", err)
	}
	defer func() {
		if err := watcher.Stop(); err != nil {
			l.logger.Debug("stopping directory watcher", logging.LogFields{"error": err.Error()})
		}
	}()

	replaying := true
	replayed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-watcher.Updates():
			if !ok {
				return nil
			}
			if entry == nil {
				if replaying {
					replaying = false
					sink.CacheReady(replayed)
				}
				continue
			}
			ev := directory.LogEvent{Key: []byte(entry.Key()), Replay: replaying}
			switch entry.Operation() {
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
			default:
				ev.Value = entry.Value()
				if ev.Value == nil {
					ev.Value = []byte{}
				}
			}
			if replaying {
				replayed++
			}
			sink.OnLogEvent(ev)
		}
	}
}

// Write puts value under name, or deletes name when value is nil.
func (l *Log) Write(ctx context.Context, name string, value []byte) error {
	if name == "" {
		return errors.New("natskv: name is required")
	}
	if value == nil {
		if err := l.kv.Delete(ctx, name); err != nil {
			return fmt.Errorf("natskv: delete %s: %w", name, err)
		}
		return nil
	}
	rev, err := l.kv.Put(ctx, name, value)
	if err != nil {
		return fmt.Errorf("natskv: put %s: %w", name, err)
	}
	l.logger.Debug("directory record written", logging.LogFields{"registration": name, "revision": rev})
	return nil
}

func (l *Log) Close() error {
	if l.close != nil {
		l.close()
	}
	return nil
}
