package directory

import (
	"context"
	"sync"

	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	"github.com/drblury/toolbridge/internal/runtime/registration"
)

// MemoryLog is an in-process Log for tests and single-node setups. Records
// written before Run are replayed; later writes are tailed.
type MemoryLog struct {
	mu      sync.Mutex
	records []LogEvent
	changed chan struct{}
	closed  bool
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{changed: make(chan struct{})}
}

// Append adds a raw record, letting tests write malformed keys or values.
func (m *MemoryLog) Append(key, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, LogEvent{Key: key, Value: value})
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *MemoryLog) Write(_ context.Context, name string, value []byte) error {
	key, err := registration.EncodeKey(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return errspkg.ErrConsumerClosed
	}
	m.Append(key, value)
	return nil
}

// Len returns the number of records written so far.
func (m *MemoryLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryLog) Run(ctx context.Context, sink Sink) error {
	m.mu.Lock()
	backlog := append([]LogEvent(nil), m.records...)
	m.mu.Unlock()

	for _, ev := range backlog {
		ev.Replay = true
		sink.OnLogEvent(ev)
	}
	sink.CacheReady(len(backlog))

	offset := len(backlog)
	for {
		m.mu.Lock()
		pending := append([]LogEvent(nil), m.records[offset:]...)
		changed := m.changed
		closed := m.closed
		m.mu.Unlock()

		for _, ev := range pending {
			sink.OnLogEvent(ev)
		}
		offset += len(pending)
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.changed)
	m.changed = make(chan struct{})
	return nil
}
