package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/toolbridge/internal/runtime/config"
	"github.com/drblury/toolbridge/internal/runtime/directory"
	"github.com/drblury/toolbridge/internal/runtime/jsoncodec"
	"github.com/drblury/toolbridge/internal/runtime/logging"
	"github.com/drblury/toolbridge/internal/runtime/metadata"
	"github.com/drblury/toolbridge/internal/runtime/protocol"
	"github.com/drblury/toolbridge/internal/runtime/pubsub"
	"github.com/drblury/toolbridge/internal/runtime/registration"
	"github.com/drblury/toolbridge/transport"
)

func testConfig(timeout time.Duration) *configpkg.Config {
	return &configpkg.Config{
		PubSubSystem:     "channel",
		ResponseTimeout:  timeout,
		ReaperInterval:   20 * time.Millisecond,
		DirectoryBackend: configpkg.DirectoryMemory,
		ServerName:       "toolbridge-test",
		MetricsEnabled:   true,
	}
}

// startWorker answers every request on requestTopic with the request payload
// wrapped in {"echo": ...}.
func startWorker(t *testing.T, pubSub *gochannel.GoChannel, requestTopic, responseTopic string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	messages, err := pubSub.Subscribe(ctx, requestTopic)
	require.NoError(t, err)

	go func() {
		for msg := range messages {
			msg.Ack()
			var req protocol.Request
			if err := jsoncodec.Unmarshal(msg.Payload, &req); err != nil {
				continue
			}
			body, err := protocol.Completed(req.RequestIndex, append(append([]byte(`{"echo":`), req.Payload...), '}'))
			if err != nil {
				continue
			}
			_ = pubSub.Publish(responseTopic, pubsub.NewMessage(context.Background(), metadata.RecordKey(msg), body))
		}
	}()
}

type gatewayFixture struct {
	gw     *Gateway
	pubSub *gochannel.GoChannel
	log    *directory.MemoryLog
	done   chan error
	cancel context.CancelFunc
}

func newGatewayFixture(t *testing.T, timeout time.Duration, seed ...registration.Registration) *gatewayFixture {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	log := directory.NewMemoryLog()
	for _, reg := range seed {
		raw, err := registration.Encode(reg)
		require.NoError(t, err)
		require.NoError(t, log.Write(context.Background(), registration.Name(reg), raw))
	}

	reg := prometheus.NewRegistry()
	gw, err := NewGateway(context.Background(), testConfig(timeout), logging.NewNopLogger(), GatewayDependencies{
		Transport:    &transport.Transport{Publisher: pubSub, Subscriber: pubSub},
		DirectoryLog: log,
		Registerer:   reg,
		Gatherer:     reg,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f := &gatewayFixture{gw: gw, pubSub: pubSub, log: log, done: make(chan error, 1), cancel: cancel}
	go func() { f.done <- gw.Start(ctx) }()

	select {
	case <-gw.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("gateway did not become ready")
	}
	t.Cleanup(f.stop)
	return f
}

func (f *gatewayFixture) stop() {
	f.cancel()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
	}
}

func weatherTool() registration.Tool {
	return registration.NewTool(registration.Base{
		Name:          "weather",
		Description:   "Current weather for a city",
		RequestTopic:  "weather-req",
		ResponseTopic: "weather-res",
	})
}

func post(h http.Handler, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGatewayToolRoundTrip(t *testing.T) {
	f := newGatewayFixture(t, 2*time.Second)
	startWorker(t, f.pubSub, "weather-req", "weather-res")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.gw.Coordinator().Register(ctx, weatherTool()))
	assert.Equal(t, 1, f.log.Len())

	rec := post(f.gw.RESTHandler(), "/agents/weather", `{"city":"Paris"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"echo":{"city":"Paris"}}`, rec.Body.String())
	assert.Equal(t, 0, f.gw.Router().Pending("weather-res"))
}

func TestGatewayServesReplayedRegistrations(t *testing.T) {
	f := newGatewayFixture(t, 2*time.Second, weatherTool())
	startWorker(t, f.pubSub, "weather-req", "weather-res")

	assert.True(t, f.gw.Coordinator().IsRegistered("weather"))
	assert.False(t, f.gw.Directory().WasEmpty())

	rec := post(f.gw.RESTHandler(), "/api/weather", `{"city":"Oslo"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"echo":{"city":"Oslo"}}`, rec.Body.String())
}

func TestGatewayTimesOutWithoutWorker(t *testing.T) {
	f := newGatewayFixture(t, 100*time.Millisecond, weatherTool())

	rec := post(f.gw.RESTHandler(), "/agents/weather", `{"city":"Paris"}`)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, 0, f.gw.Router().Pending("weather-res"))
	assert.Equal(t, 1.0, f.gw.Metrics().Snapshot().Timeouts)
}

func TestGatewayUnregisterRemovesTool(t *testing.T) {
	f := newGatewayFixture(t, time.Second, weatherTool())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.gw.Coordinator().Unregister(ctx, "weather"))

	assert.False(t, f.gw.Coordinator().IsRegistered("weather"))
	rec := post(f.gw.RESTHandler(), "/agents/weather", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGatewayStopsCleanly(t *testing.T) {
	f := newGatewayFixture(t, time.Second)
	f.cancel()

	select {
	case err := <-f.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Start did not return after cancel")
	}
}

func TestNewGatewayValidatesInput(t *testing.T) {
	_, err := NewGateway(context.Background(), nil, logging.NewNopLogger(), GatewayDependencies{})
	assert.Error(t, err)

	_, err = NewGateway(context.Background(), testConfig(time.Second), nil, GatewayDependencies{})
	assert.Error(t, err)

	conf := testConfig(time.Second)
	conf.DirectoryBackend = "zookeeper"
	_, err = NewGateway(context.Background(), conf, logging.NewNopLogger(), GatewayDependencies{})
	assert.Error(t, err)
}

func TestOpenDirectoryLog(t *testing.T) {
	conf := testConfig(time.Second)

	log, err := OpenDirectoryLog(context.Background(), conf, logging.NewNopLogger())
	require.NoError(t, err)
	assert.IsType(t, &directory.MemoryLog{}, log)

	conf.DirectoryBackend = "etcd"
	_, err = OpenDirectoryLog(context.Background(), conf, logging.NewNopLogger())
	assert.Error(t, err)
}
