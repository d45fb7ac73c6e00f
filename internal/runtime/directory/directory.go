// Package directory projects the replicated registration log into memory.
//
// A Directory starts in the replaying state and buffers every record in an
// accumulator. When the log reader reports the tail, the accumulator is
// flushed to the Listener as one bootstrap batch and the directory goes live;
// from then on every record is delivered as a single change.
package directory

import (
	"context"
	"sort"
	"sync"

	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	"github.com/drblury/toolbridge/internal/runtime/logging"
	"github.com/drblury/toolbridge/internal/runtime/metrics"
	"github.com/drblury/toolbridge/internal/runtime/registration"
)

// Listener observes the directory. OnBootstrap is called once with the
// replayed snapshot (possibly empty). OnChange follows for each live record;
// reg is nil when name was deleted.
type Listener interface {
	OnBootstrap(snapshot map[string]registration.Registration)
	OnChange(name string, reg registration.Registration)
}

type state interface{ isState() }

type replaying struct {
	accumulator map[string]registration.Registration
	seen        int
}

type live struct{}

func (*replaying) isState() {}
func (live) isState()       {}

// Directory is the in-memory source of truth for registered capabilities.
type Directory struct {
	log     Log
	logger  logging.ServiceLogger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	state    state
	entries  map[string]registration.Registration
	listener Listener
	wasEmpty bool
	ready    chan struct{}
}

// Option configures a Directory.
type Option func(*Directory)

// WithMetrics counts directory events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Directory) { d.metrics = m }
}

// New builds a Directory over log. log may be nil when events are fed
// directly, in which case Put and Remove fail.
func New(log Log, logger logging.ServiceLogger, opts ...Option) *Directory {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	d := &Directory{
		log:     log,
		logger:  logger.With(logging.LogFields{"component": "directory"}),
		state:   &replaying{accumulator: make(map[string]registration.Registration)},
		entries: make(map[string]registration.Registration),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetListener installs the listener. Set it before Run.
func (d *Directory) SetListener(l Listener) {
	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()
}

// Run reads the log until ctx ends.
func (d *Directory) Run(ctx context.Context) error {
	if d.log == nil {
		return errspkg.ErrDirectoryLogRequired
	}
	return d.log.Run(ctx, d)
}

// OnLogEvent applies one log record. Malformed records are logged and skipped.
func (d *Directory) OnLogEvent(ev LogEvent) {
	name, err := registration.DecodeKey(ev.Key)
	if err != nil {
		d.skip(&errspkg.DirectoryReplayError{Key: string(ev.Key), Err: err})
		return
	}

	var reg registration.Registration
	if ev.Value != nil {
		reg, err = registration.Decode(ev.Value)
		if err != nil {
			d.skip(&errspkg.DirectoryReplayError{Key: name, Err: err})
			return
		}
		if registration.Name(reg) != name {
			d.logger.Warn("directory key and record name differ, using key", logging.LogFields{
				"key":          name,
				"registration": registration.Name(reg),
			})
			reg = renamed(reg, name)
		}
	}

	d.mu.Lock()
	switch st := d.state.(type) {
	case *replaying:
		st.seen++
		if reg == nil {
			delete(st.accumulator, name)
		} else {
			st.accumulator[name] = reg
		}
		d.mu.Unlock()
		d.metrics.DirectoryEvent("replay")
		return
	case live:
		if reg == nil {
			delete(d.entries, name)
		} else {
			d.entries[name] = reg
		}
	}
	listener := d.listener
	d.mu.Unlock()

	op := "put"
	if reg == nil {
		op = "delete"
	}
	d.metrics.DirectoryEvent(op)
	d.logger.Debug("directory change", logging.LogFields{"registration": name, "op": op})
	if listener != nil {
		listener.OnChange(name, reg)
	}
}

// CacheReady flushes the accumulator as one batch and goes live. Calls after
// the first are ignored.
func (d *Directory) CacheReady(recordCount int) {
	d.mu.Lock()
	st, ok := d.state.(*replaying)
	if !ok {
		d.mu.Unlock()
		d.logger.Warn("directory already live, ignoring tail signal", nil)
		return
	}
	for name, reg := range st.accumulator {
		d.entries[name] = reg
	}
	d.state = live{}
	d.wasEmpty = len(st.accumulator) == 0
	snapshot := copyEntries(d.entries)
	listener := d.listener
	wasEmpty := d.wasEmpty
	d.mu.Unlock()

	d.logger.Info("directory replay complete", logging.LogFields{
		"records":       recordCount,
		"seen":          st.seen,
		"registrations": len(snapshot),
		"was_empty":     wasEmpty,
	})
	if listener != nil {
		listener.OnBootstrap(snapshot)
	}
	close(d.ready)
}

// Ready is closed once the bootstrap batch has been delivered.
func (d *Directory) Ready() <-chan struct{} { return d.ready }

// WaitReady blocks until replay completes or ctx ends.
func (d *Directory) WaitReady(ctx context.Context) error {
	select {
	case <-d.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsLive reports whether replay has completed.
func (d *Directory) IsLive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.state.(live)
	return ok
}

// WasEmpty reports whether the replayed log held no registrations.
func (d *Directory) WasEmpty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.wasEmpty
}

// All returns a snapshot of the live registrations. It is empty during replay.
func (d *Directory) All() map[string]registration.Registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyEntries(d.entries)
}

// Names returns the registered names, sorted.
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the registration stored under name.
func (d *Directory) Get(name string) (registration.Registration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.entries[name]
	return reg, ok
}

// Put writes reg to the log. The projection changes when the record is read
// back.
func (d *Directory) Put(ctx context.Context, reg registration.Registration) error {
	if err := registration.Validate(reg); err != nil {
		return err
	}
	if d.log == nil {
		return errspkg.ErrDirectoryLogRequired
	}
	value, err := registration.Encode(reg)
	if err != nil {
		return err
	}
	return d.log.Write(ctx, registration.Name(reg), value)
}

// Remove writes a tombstone for name.
func (d *Directory) Remove(ctx context.Context, name string) error {
	if name == "" {
		return errspkg.ErrNameRequired
	}
	if d.log == nil {
		return errspkg.ErrDirectoryLogRequired
	}
	return d.log.Write(ctx, name, nil)
}

func (d *Directory) skip(err *errspkg.DirectoryReplayError) {
	d.metrics.DirectoryRecordSkipped()
	d.logger.Error("skipping malformed directory record", err, logging.LogFields{"key": err.Key})
}

func copyEntries(in map[string]registration.Registration) map[string]registration.Registration {
	out := make(map[string]registration.Registration, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func renamed(reg registration.Registration, name string) registration.Registration {
	switch r := reg.(type) {
	case registration.Tool:
		r.Name = name
		return r
	case registration.Resource:
		r.Name = name
		return r
	default:
		return reg
	}
}
