package directory

import "context"

// LogEvent is one record read from the directory log. A nil Value is a
// tombstone. Replay is true for records read before the live tail was reached.
type LogEvent struct {
	Key    []byte
	Value  []byte
	Replay bool
}

// Sink receives the log in order. CacheReady is called exactly once, after
// every record that existed when the reader started has been delivered.
type Sink interface {
	OnLogEvent(ev LogEvent)
	CacheReady(recordCount int)
}

// Log is a compacted, keyed log of registrations. Run replays it from the
// earliest record, signals the tail, then keeps delivering new records until
// ctx ends. Write appends a record; a nil value deletes name.
type Log interface {
	Run(ctx context.Context, sink Sink) error
	Write(ctx context.Context, name string, value []byte) error
	Close() error
}
