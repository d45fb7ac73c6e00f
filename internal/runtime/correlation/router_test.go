package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	"github.com/drblury/toolbridge/internal/runtime/logging/logtest"
	"github.com/drblury/toolbridge/internal/runtime/registration"
)

type fakeSubscriptions struct {
	mu     sync.Mutex
	topics map[string]int
	err    error
}

func newFakeSubscriptions() *fakeSubscriptions {
	return &fakeSubscriptions{topics: map[string]int{}}
}

func (f *fakeSubscriptions) Subscribe(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.topics[topic] > 0 {
		return errspkg.ErrAlreadySubscribed
	}
	f.topics[topic]++
	return nil
}

func (f *fakeSubscriptions) IsSubscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topics[topic] > 0
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func weatherTool() registration.Tool {
	return registration.NewTool(registration.Base{
		Name:          "weather",
		RequestTopic:  "weather-req",
		ResponseTopic: "weather-res",
	})
}

func key(id string) []byte { return []byte(`{"correlationId":"` + id + `"}`) }

func TestRegisterPendingSubscribesResponseTopic(t *testing.T) {
	subs := newFakeSubscriptions()
	router := NewRouter(subs, nil, Options{})

	id, err := router.RegisterPending(context.Background(), weatherTool(), "ABC", nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.True(t, subs.IsSubscribed("weather-res"))
	assert.Equal(t, 1, router.Pending("weather-res"))

	_, err = router.RegisterPending(context.Background(), weatherTool(), "def", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, subs.topics["weather-res"])
	assert.Equal(t, []string{"weather-res"}, router.Topics())
}

func TestRegisterPendingSubscribeFailure(t *testing.T) {
	subs := newFakeSubscriptions()
	subs.err = errors.New("broker down")
	router := NewRouter(subs, nil, Options{})

	_, err := router.RegisterPending(context.Background(), weatherTool(), "abc", nil)
	require.Error(t, err)
	assert.Equal(t, 0, router.Pending("weather-res"))
}

func TestRegisterPendingRequiresTopic(t *testing.T) {
	router := NewRouter(nil, nil, Options{})
	tool := registration.NewTool(registration.Base{Name: "x", RequestTopic: "x-req"})

	_, err := router.RegisterPending(context.Background(), tool, "a", nil)
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)

	_, err = router.RegisterPending(context.Background(), nil, "a", nil)
	assert.ErrorIs(t, err, errspkg.ErrRegistrationRequired)
}

func TestOnMessageDeliversOnce(t *testing.T) {
	router := NewRouter(newFakeSubscriptions(), nil, Options{})
	future := NewFuture("c1")

	_, err := router.RegisterPending(context.Background(), weatherTool(), "c1", future.Complete())
	require.NoError(t, err)

	assert.True(t, router.OnMessage("weather-res", key("c1"), []byte(`{"tempC":18}`)))
	assert.False(t, router.OnMessage("weather-res", key("c1"), []byte(`{"tempC":99}`)))

	value, err := future.Get(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"tempC":18}`, string(value))
	assert.Equal(t, 0, router.Pending("weather-res"))
}

func TestOnMessageCaseInsensitive(t *testing.T) {
	router := NewRouter(newFakeSubscriptions(), nil, Options{})
	future := NewFuture("C1-A")

	_, err := router.RegisterPending(context.Background(), weatherTool(), "C1-A", future.Complete())
	require.NoError(t, err)
	require.True(t, router.IsPending("weather-res", "c1-a"))

	assert.True(t, router.OnMessage("weather-res", key("c1-a"), []byte(`1`)))
	result, ok := future.Peek()
	require.True(t, ok)
	assert.Equal(t, []byte(`1`), result.Value)
}

func TestOnMessageUsesRegistrationCorrelationField(t *testing.T) {
	router := NewRouter(newFakeSubscriptions(), nil, Options{})
	tool := registration.NewTool(registration.Base{
		Name:               "lookup",
		RequestTopic:       "lookup-req",
		ResponseTopic:      "lookup-res",
		CorrelationIDField: "requestId",
	})
	future := NewFuture("r1")
	_, err := router.RegisterPending(context.Background(), tool, "r1", future.Complete())
	require.NoError(t, err)

	assert.False(t, router.OnMessage("lookup-res", key("r1"), nil))
	assert.True(t, router.OnMessage("lookup-res", []byte(`{"requestId":"R1"}`), []byte(`"ok"`)))
}

func TestOnMessageRoutingMissesAreLogged(t *testing.T) {
	rec := logtest.New()
	router := NewRouter(newFakeSubscriptions(), rec, Options{})
	err := router.Track(context.Background(), weatherTool())
	require.NoError(t, err)

	assert.False(t, router.OnMessage("unknown-topic", key("a"), nil))
	assert.False(t, router.OnMessage("weather-res", []byte(`not json`), nil))
	assert.False(t, router.OnMessage("weather-res", key("nobody"), nil))

	warns := rec.Level("warn")
	require.Len(t, warns, 3)
	assert.Equal(t, "routing miss", warns[2].Msg)
	assert.Equal(t, "nobody", warns[2].Fields["correlation_id"])
}

func TestCollisionRejectsPriorWaiter(t *testing.T) {
	rec := logtest.New()
	router := NewRouter(newFakeSubscriptions(), rec, Options{})
	first := NewFuture("dup")
	second := NewFuture("dup")

	_, err := router.RegisterPending(context.Background(), weatherTool(), "dup", first.Complete())
	require.NoError(t, err)
	_, err = router.RegisterPending(context.Background(), weatherTool(), "DUP", second.Complete())
	require.NoError(t, err)

	result, ok := first.Peek()
	require.True(t, ok, "superseded waiter must be resolved")
	assert.ErrorIs(t, result.Err, errspkg.ErrCorrelationSuperseded)
	assert.Equal(t, 1, router.Pending("weather-res"))
	assert.Len(t, rec.Level("warn"), 1)

	require.True(t, router.OnMessage("weather-res", key("dup"), []byte(`2`)))
	value, err := second.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte(`2`), value)
}

func TestCheckTimeoutsFailsExpiredEntries(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	router := NewRouter(newFakeSubscriptions(), nil, Options{Timeout: 100 * time.Millisecond, Now: clock.Now})
	future := NewFuture("late")

	_, err := router.RegisterPending(context.Background(), weatherTool(), "late", future.Complete())
	require.NoError(t, err)

	assert.Equal(t, 0, router.CheckTimeouts(clock.Now().Add(99*time.Millisecond)))
	assert.Equal(t, 1, router.CheckTimeouts(clock.Now().Add(100*time.Millisecond)))
	assert.Equal(t, 0, router.Pending("weather-res"))

	result, ok := future.Peek()
	require.True(t, ok)
	var timeout *errspkg.TimeoutError
	require.ErrorAs(t, result.Err, &timeout)
	assert.Equal(t, "late", timeout.CorrelationID)
	assert.Equal(t, "weather-res", timeout.Topic)
	assert.ErrorIs(t, result.Err, errspkg.ErrTimeout)
}

func TestCancelRemovesWithoutDelivery(t *testing.T) {
	router := NewRouter(newFakeSubscriptions(), nil, Options{})
	future := NewFuture("c")
	_, err := router.RegisterPending(context.Background(), weatherTool(), "c", future.Complete())
	require.NoError(t, err)

	assert.True(t, router.Cancel("weather-res", "C"))
	assert.False(t, router.Cancel("weather-res", "c"))
	_, done := future.Peek()
	assert.False(t, done)
	assert.False(t, router.OnMessage("weather-res", key("c"), nil))
}

func TestPanickingCompletionIsContained(t *testing.T) {
	rec := logtest.New()
	router := NewRouter(newFakeSubscriptions(), rec, Options{})
	_, err := router.RegisterPending(context.Background(), weatherTool(), "p", func(Result) { panic("boom") })
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		assert.True(t, router.OnMessage("weather-res", key("p"), nil))
	})
	assert.Equal(t, 0, router.Pending("weather-res"))
	require.Len(t, rec.Level("error"), 1)
}

// Responses, timeouts and cancellations race for the same entries; each
// future must see exactly one outcome.
func TestConcurrentOutcomesResolveOnce(t *testing.T) {
	router := NewRouter(newFakeSubscriptions(), nil, Options{Timeout: time.Millisecond})
	const n = 200

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, fmt.Sprintf("call-%03d", i))
	}

	var mu sync.Mutex
	calls := map[string]int{}
	for _, id := range ids {
		_, err := router.RegisterPending(context.Background(), weatherTool(), id, func(Result) {
			mu.Lock()
			calls[id]++
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			router.OnMessage("weather-res", key(id), nil)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			router.CheckTimeouts(time.Now().Add(time.Hour))
		}
	}()
	go func() {
		defer wg.Done()
		for _, id := range ids {
			router.Cancel("weather-res", id)
		}
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for id, c := range calls {
		if c != 1 {
			t.Fatalf("correlation %s completed %d times", id, c)
		}
	}
	assert.Equal(t, 0, router.Pending("weather-res"))
}
