// Package coordinator keeps exactly one live Handler per registered capability
// in step with the directory.
//
// Each name is Absent or Active. A new registration builds and initializes a
// handler; an update tears the old handler down before initializing the new
// one; a tombstone tears down and forgets. A handler that fails to initialize
// leaves its name Absent until the next directory change for it.
package coordinator

import (
	"context"
	"sort"
	"sync"

	"github.com/drblury/toolbridge/internal/runtime/dispatch"
	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	"github.com/drblury/toolbridge/internal/runtime/logging"
	"github.com/drblury/toolbridge/internal/runtime/metrics"
	"github.com/drblury/toolbridge/internal/runtime/registration"
)

// Directory is the registration directory: writes go to its log, Get reads
// the projection.
type Directory interface {
	Get(name string) (registration.Registration, bool)
	Put(ctx context.Context, reg registration.Registration) error
	Remove(ctx context.Context, name string) error
}

// Tracker subscribes response topics ahead of the first call.
type Tracker interface {
	Track(ctx context.Context, reg registration.Registration) error
}

// Builder turns a registration into an uninitialized Handler.
type Builder func(reg registration.Registration) (Handler, error)

// Options configures a Coordinator.
type Options struct {
	Hooks   Hooks
	Metrics *metrics.Metrics
	// Builder overrides the default composite handler construction.
	Builder Builder
}

// outcome is the last transition applied for a name. Register and
// Unregister wait on it.
type outcome struct {
	reg registration.Registration
	err error
}

// Coordinator owns the live handler map.
type Coordinator struct {
	dir     Directory
	tracker Tracker
	build   Builder
	hooks   Hooks
	logger  logging.ServiceLogger
	metrics *metrics.Metrics

	// transition serializes state changes; mu guards the maps.
	transition sync.Mutex

	mu       sync.RWMutex
	handlers map[string]Handler
	outcomes map[string]outcome
	changed  chan struct{}
}

// New builds a Coordinator. sender and frontends feed the default builder.
func New(dir Directory, tracker Tracker, sender dispatch.Sender, frontends []Frontend, logger logging.ServiceLogger, opts Options) *Coordinator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	build := opts.Builder
	if build == nil {
		build = func(reg registration.Registration) (Handler, error) {
			return NewComposite(reg, dispatch.NewChannel(sender, reg), frontends, logger)
		}
	}
	return &Coordinator{
		dir:      dir,
		tracker:  tracker,
		build:    build,
		hooks:    opts.Hooks,
		logger:   logger.With(logging.LogFields{"component": "coordinator"}),
		metrics:  opts.Metrics,
		handlers: make(map[string]Handler),
		outcomes: make(map[string]outcome),
		changed:  make(chan struct{}),
	}
}

// OnBootstrap applies the replayed snapshot: every response topic is
// subscribed first, then each registration goes live in name order.
func (c *Coordinator) OnBootstrap(snapshot map[string]registration.Registration) {
	names := make([]string, 0, len(snapshot))
	regs := make([]registration.Registration, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		regs = append(regs, snapshot[name])
	}

	c.AddRegistrations(context.Background(), regs)
	for _, name := range names {
		c.apply(name, snapshot[name])
	}
	c.logger.Info("bootstrap applied", logging.LogFields{
		"registrations": len(names),
		"active":        len(c.AllHandlers()),
	})
}

// OnChange applies one live directory change. reg is nil for a tombstone.
func (c *Coordinator) OnChange(name string, reg registration.Registration) {
	if reg == nil {
		c.remove(name)
		return
	}
	c.apply(name, reg)
}

// AddRegistrations subscribes the response topic of every registration.
// Failures are logged; the handler's own initialization retries the
// subscription.
func (c *Coordinator) AddRegistrations(ctx context.Context, regs []registration.Registration) {
	if c.tracker == nil {
		return
	}
	for _, reg := range regs {
		if err := c.tracker.Track(ctx, reg); err != nil {
			c.logger.Error("subscribing response topic failed", err, logging.LogFields{
				"registration": registration.Name(reg),
				"topic":        reg.Common().ResponseTopic,
			})
		}
	}
}

// IsRegistered reports whether name has a live handler.
func (c *Coordinator) IsRegistered(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.handlers[name]
	return ok
}

// IsKnown reports whether the directory holds name, live or not. A name
// whose handler failed to initialize is known but not registered.
func (c *Coordinator) IsKnown(name string) bool {
	if c.IsRegistered(name) {
		return true
	}
	if c.dir == nil {
		return false
	}
	_, ok := c.dir.Get(name)
	return ok
}

// GetHandler returns the live handler for name.
func (c *Coordinator) GetHandler(name string) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[name]
	return h, ok
}

// AllHandlers returns the live handlers sorted by name.
func (c *Coordinator) AllHandlers() []Handler {
	c.mu.RLock()
	out := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		out = append(out, h)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return registration.Name(out[i].Registration()) < registration.Name(out[j].Registration())
	})
	return out
}

// Register writes reg to the directory and waits until the coordinator has
// applied it. It returns the handler's initialization error, if any.
func (c *Coordinator) Register(ctx context.Context, reg registration.Registration) error {
	reg = registration.Normalize(reg)
	if err := registration.Validate(reg); err != nil {
		return err
	}
	if c.dir == nil {
		return errspkg.ErrDirectoryLogRequired
	}
	name := registration.Name(reg)
	if c.current(name) == reg {
		return nil
	}
	c.mu.Lock()
	delete(c.outcomes, name)
	c.mu.Unlock()
	if err := c.dir.Put(ctx, reg); err != nil {
		return err
	}
	return c.await(ctx, func() (bool, error) {
		c.mu.RLock()
		defer c.mu.RUnlock()
		o, ok := c.outcomes[name]
		if !ok || o.reg != reg {
			return false, nil
		}
		return true, o.err
	})
}

// Unregister writes a tombstone for name and waits until the directory has
// dropped it and its handler is gone. Names the directory does not hold log
// a warning and change nothing; names whose handler never came up are still
// tombstoned.
func (c *Coordinator) Unregister(ctx context.Context, name string) error {
	if name == "" {
		return errspkg.ErrNameRequired
	}
	if !c.IsKnown(name) {
		c.logger.Warn("unregister for unknown capability", logging.LogFields{"registration": name})
		return nil
	}
	if c.dir == nil {
		return errspkg.ErrDirectoryLogRequired
	}
	if err := c.dir.Remove(ctx, name); err != nil {
		return err
	}
	return c.await(ctx, func() (bool, error) {
		_, stored := c.dir.Get(name)
		return !stored && !c.IsRegistered(name), nil
	})
}

func (c *Coordinator) current(name string) registration.Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.handlers[name]; ok {
		return h.Registration()
	}
	return nil
}

func (c *Coordinator) apply(name string, reg registration.Registration) {
	c.transition.Lock()
	defer c.transition.Unlock()

	old, active := c.GetHandler(name)
	if active && old.Registration() == reg {
		c.logger.Debug("registration unchanged", logging.LogFields{"registration": name})
		c.record(name, outcome{reg: reg})
		return
	}
	if active {
		c.teardown(name, old)
	}

	handler, err := c.activate(reg)
	if err != nil {
		initErr := &errspkg.HandlerInitError{Name: name, Err: err}
		c.metrics.HandlerFailed("initialize")
		c.logger.Error("handler failed to initialize", initErr, logging.LogFields{
			"registration": name,
			"kind":         string(reg.Kind()),
		})
		c.hooks.failed(reg, initErr)
		c.record(name, outcome{reg: reg, err: initErr})
		return
	}

	c.mu.Lock()
	c.handlers[name] = handler
	c.mu.Unlock()
	c.metrics.HandlerActivated(string(reg.Kind()))
	c.logger.Info("capability registered", logging.LogFields{
		"registration": name,
		"kind":         string(reg.Kind()),
		"updated":      active,
	})
	c.hooks.registered(reg)
	c.record(name, outcome{reg: reg})
}

func (c *Coordinator) activate(reg registration.Registration) (Handler, error) {
	switch reg.(type) {
	case registration.Tool, registration.Resource:
	default:
		return nil, errspkg.ErrUnknownKind
	}
	if c.tracker != nil {
		if err := c.tracker.Track(context.Background(), reg); err != nil {
			return nil, err
		}
	}
	handler, err := c.build(reg)
	if err != nil {
		return nil, err
	}
	if err := handler.Initialize(); err != nil {
		return nil, err
	}
	return handler, nil
}

func (c *Coordinator) remove(name string) {
	c.transition.Lock()
	defer c.transition.Unlock()

	old, ok := c.GetHandler(name)
	if !ok {
		c.logger.Warn("tombstone for unknown capability", logging.LogFields{"registration": name})
		c.record(name, outcome{})
		return
	}
	c.teardown(name, old)
	c.logger.Info("capability unregistered", logging.LogFields{"registration": name})
	c.hooks.unregistered(name)
	c.record(name, outcome{})
}

// teardown removes the handler from the live map before tearing it down.
// Teardown failures are logged and go no further.
func (c *Coordinator) teardown(name string, h Handler) {
	c.mu.Lock()
	delete(c.handlers, name)
	c.mu.Unlock()
	c.metrics.HandlerDeactivated(string(h.Registration().Kind()))

	if err := h.Teardown(); err != nil {
		c.metrics.HandlerFailed("teardown")
		c.logger.Error("handler failed to tear down", &errspkg.HandlerTeardownError{Name: name, Err: err}, logging.LogFields{
			"registration": name,
		})
	}
}

func (c *Coordinator) record(name string, o outcome) {
	c.mu.Lock()
	c.outcomes[name] = o
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

func (c *Coordinator) await(ctx context.Context, done func() (bool, error)) error {
	for {
		c.mu.RLock()
		changed := c.changed
		c.mu.RUnlock()

		if ok, err := done(); ok {
			return err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
