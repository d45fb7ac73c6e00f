package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/toolbridge/internal/runtime/correlation"
	"github.com/drblury/toolbridge/internal/runtime/dispatch"
	"github.com/drblury/toolbridge/internal/runtime/logging/logtest"
	"github.com/drblury/toolbridge/internal/runtime/registration"
)

type stubSub struct {
	name        string
	log         *eventLog
	initErr     error
	teardownErr error
}

func (s *stubSub) Initialize() error {
	s.log.add("init %s", s.name)
	return s.initErr
}

func (s *stubSub) Teardown() error {
	s.log.add("teardown %s", s.name)
	return s.teardownErr
}

// stubFrontend serves tools, and resources only when resources is set.
type stubFrontend struct {
	name      string
	resources bool
	log       *eventLog
	initErr   error
	tdErr     error
}

func (f *stubFrontend) Name() string { return f.name }

func (f *stubFrontend) ToolHandler(registration.Tool, *dispatch.Channel) SubHandler {
	return &stubSub{name: f.name, log: f.log, initErr: f.initErr, teardownErr: f.tdErr}
}

func (f *stubFrontend) ResourceHandler(registration.Resource, *dispatch.Channel) SubHandler {
	if !f.resources {
		return nil
	}
	return &stubSub{name: f.name, log: f.log, initErr: f.initErr, teardownErr: f.tdErr}
}

type echoSender struct{ got []byte }

func (s *echoSender) Send(_ context.Context, reg registration.Registration, value []byte) *correlation.Future {
	s.got = value
	f := correlation.NewFuture("id")
	f.Resolve(correlation.Result{Value: []byte(registration.Name(reg))})
	return f
}

func TestCompositeServesKindPerFrontend(t *testing.T) {
	log := &eventLog{}
	frontends := []Frontend{
		&stubFrontend{name: "mcp", resources: true, log: log},
		&stubFrontend{name: "rest", log: log},
	}
	tool := weather("v1")
	res := registration.NewResource(registration.Base{Name: "docs", RequestTopic: "a", ResponseTopic: "b"}, "text/plain", "/docs")

	toolHandler, err := NewComposite(tool, nil, frontends, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"mcp", "rest"}, toolHandler.Frontends())

	resHandler, err := NewComposite(res, nil, frontends, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"mcp"}, resHandler.Frontends())
}

func TestCompositeKeepsFrontendsThatCameUp(t *testing.T) {
	log := &eventLog{}
	rec := logtest.New()
	boom := errors.New("port in use")
	frontends := []Frontend{
		&stubFrontend{name: "mcp", log: log, initErr: boom},
		&stubFrontend{name: "rest", log: log},
	}
	h, err := NewComposite(weather("v1"), nil, frontends, rec)
	require.NoError(t, err)

	require.NoError(t, h.Initialize())
	assert.Equal(t, []string{"rest"}, h.Frontends())
	assert.Equal(t, []string{"init mcp", "init rest"}, log.all())

	warns := rec.Level("warn")
	require.Len(t, warns, 1)
	assert.Equal(t, "mcp", warns[0].Fields["frontend"])

	require.NoError(t, h.Teardown())
	assert.Equal(t, []string{"init mcp", "init rest", "teardown rest"}, log.all())
}

func TestCompositeFailsWhenNoFrontendCameUp(t *testing.T) {
	log := &eventLog{}
	first := errors.New("port in use")
	second := errors.New("template refused")
	h, err := NewComposite(weather("v1"), nil, []Frontend{
		&stubFrontend{name: "mcp", log: log, initErr: first},
		&stubFrontend{name: "rest", log: log, initErr: second},
	}, nil)
	require.NoError(t, err)

	err = h.Initialize()
	require.ErrorIs(t, err, first)
	require.ErrorIs(t, err, second)
	assert.Contains(t, err.Error(), "rest")
	assert.Equal(t, []string{"init mcp", "init rest"}, log.all())
}

func TestCompositeTeardownJoinsErrors(t *testing.T) {
	log := &eventLog{}
	first := errors.New("first")
	second := errors.New("second")
	h, err := NewComposite(weather("v1"), nil, []Frontend{
		&stubFrontend{name: "a", log: log, tdErr: first},
		&stubFrontend{name: "b", log: log, tdErr: second},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, h.Initialize())

	err = h.Teardown()
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
	assert.Equal(t, []string{"init a", "init b", "teardown b", "teardown a"}, log.all())
}

func TestCompositeSendRequestUsesChannel(t *testing.T) {
	sender := &echoSender{}
	tool := weather("v1")
	h, err := NewComposite(tool, dispatch.NewChannel(sender, tool), nil, nil)
	require.NoError(t, err)

	value, err := h.SendRequest(context.Background(), []byte(`{"city":"Paris"}`)).Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "weather", string(value))
	assert.JSONEq(t, `{"requestIndex":0,"payload":{"city":"Paris"}}`, string(sender.got))
}

func TestHooksMerge(t *testing.T) {
	var order []string
	a := Hooks{OnRegistered: func(registration.Registration) { order = append(order, "a") }}
	b := Hooks{
		OnRegistered:   func(registration.Registration) { order = append(order, "b") },
		OnUnregistered: func(string) { order = append(order, "b-un") },
	}

	merged := a.Merge(b)
	merged.registered(weather("v1"))
	merged.unregistered("weather")
	merged.failed(weather("v1"), errors.New("x"))

	assert.Equal(t, []string{"a", "b", "b-un"}, order)
}
