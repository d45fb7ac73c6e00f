package dispatch

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/drblury/toolbridge/internal/runtime/correlation"
	"github.com/drblury/toolbridge/internal/runtime/protocol"
	"github.com/drblury/toolbridge/internal/runtime/registration"
)

// Sender is satisfied by *Dispatcher.
type Sender interface {
	Send(ctx context.Context, reg registration.Registration, value []byte) *correlation.Future
}

// Channel is one call site's view of a registration. Every request is wrapped
// in a request envelope stamped with the channel's next index, starting at 0.
// The index orders requests within the channel; routing uses only the
// correlation id.
type Channel struct {
	sender Sender
	reg    registration.Registration
	next   atomic.Int64
}

func NewChannel(sender Sender, reg registration.Registration) *Channel {
	return &Channel{sender: sender, reg: reg}
}

// Registration returns the registration requests are sent for.
func (c *Channel) Registration() registration.Registration { return c.reg }

// Send wraps payload in a request envelope and dispatches it.
func (c *Channel) Send(ctx context.Context, payload []byte) *correlation.Future {
	index := c.next.Add(1) - 1
	body, err := protocol.EncodeRequest(index, payload)
	if err != nil {
		return correlation.Failed("", err)
	}
	return c.sender.Send(ctx, c.reg, body)
}

// Call sends payload, waits for the response envelope and interprets its
// status. Only a completed response yields a payload.
func (c *Channel) Call(ctx context.Context, payload []byte) (json.RawMessage, error) {
	raw, err := c.Send(ctx, payload).Get(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := protocol.DecodeResponse(raw)
	if err != nil {
		return nil, err
	}
	return resp.Result()
}
