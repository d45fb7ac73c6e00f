package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/toolbridge/internal/runtime/correlation"
	"github.com/drblury/toolbridge/internal/runtime/dispatch"
	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	"github.com/drblury/toolbridge/internal/runtime/logging"
	"github.com/drblury/toolbridge/internal/runtime/registration"
)

// Handler is the live adapter for one capability.
type Handler interface {
	Registration() registration.Registration
	Initialize() error
	Teardown() error
	// SendRequest dispatches payload to the capability's workers.
	SendRequest(ctx context.Context, payload []byte) *correlation.Future
}

// SubHandler exposes a capability on a single front end.
type SubHandler interface {
	Initialize() error
	Teardown() error
}

// Frontend builds sub-handlers for the registrations it can serve. A nil
// SubHandler means the front end does not serve that registration.
type Frontend interface {
	Name() string
	ToolHandler(tool registration.Tool, ch *dispatch.Channel) SubHandler
	ResourceHandler(res registration.Resource, ch *dispatch.Channel) SubHandler
}

type part struct {
	frontend string
	handler  SubHandler
}

// Composite fans a capability out to every front end that serves its kind.
type Composite struct {
	reg     registration.Registration
	channel *dispatch.Channel
	logger  logging.ServiceLogger
	parts   []part
}

// NewComposite builds the handler for reg from the front ends, in order.
// logger may be nil.
func NewComposite(reg registration.Registration, ch *dispatch.Channel, frontends []Frontend, logger logging.ServiceLogger) (*Composite, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	c := &Composite{reg: reg, channel: ch, logger: logger}
	for _, fe := range frontends {
		var sub SubHandler
		switch r := reg.(type) {
		case registration.Tool:
			sub = fe.ToolHandler(r, ch)
		case registration.Resource:
			sub = fe.ResourceHandler(r, ch)
		default:
			return nil, fmt.Errorf("%w: %T", errspkg.ErrUnknownKind, reg)
		}
		if sub != nil {
			c.parts = append(c.parts, part{frontend: fe.Name(), handler: sub})
		}
	}
	return c, nil
}

func (c *Composite) Registration() registration.Registration { return c.reg }

// Frontends lists the front ends serving this capability.
func (c *Composite) Frontends() []string {
	out := make([]string, 0, len(c.parts))
	for _, p := range c.parts {
		out = append(out, p.frontend)
	}
	return out
}

// Initialize brings up every sub-handler in order. A front end that refuses
// the capability is logged and dropped; the others keep serving it. It fails
// only when no front end came up.
func (c *Composite) Initialize() error {
	if len(c.parts) == 0 {
		return nil
	}
	up := c.parts[:0:0]
	var errs []error
	for _, p := range c.parts {
		if err := p.handler.Initialize(); err != nil {
			err = fmt.Errorf("%s: %w", p.frontend, err)
			errs = append(errs, err)
			c.logger.Warn("front end skipped capability", logging.LogFields{
				"registration": registration.Name(c.reg),
				"frontend":     p.frontend,
				"error":        err.Error(),
			})
			continue
		}
		up = append(up, p)
	}
	if len(up) == 0 {
		return errors.Join(errs...)
	}
	c.parts = up
	return nil
}

// Teardown tears every sub-handler down and joins the failures.
func (c *Composite) Teardown() error {
	return c.teardown(c.parts)
}

func (c *Composite) SendRequest(ctx context.Context, payload []byte) *correlation.Future {
	return c.channel.Send(ctx, payload)
}

func (c *Composite) teardown(parts []part) error {
	var errs []error
	for i := len(parts) - 1; i >= 0; i-- {
		if err := parts[i].handler.Teardown(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", parts[i].frontend, err))
		}
	}
	return errors.Join(errs...)
}
