package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
)

func TestReaperFailsPendingWithinOneInterval(t *testing.T) {
	router := NewRouter(newFakeSubscriptions(), nil, Options{Timeout: 100 * time.Millisecond})
	reaper := NewReaper(router, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reaper.Run(ctx) }()

	future := NewFuture("slow")
	start := time.Now()
	_, err := router.RegisterPending(context.Background(), weatherTool(), "slow", future.Complete())
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	_, err = future.Get(waitCtx)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, errspkg.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.False(t, router.IsPending("weather-res", "slow"))

	// A response arriving after the timeout is a routing miss.
	assert.False(t, router.OnMessage("weather-res", key("slow"), []byte(`{"tempC":18}`)))
}

func TestReaperTickUsesGivenTime(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	router := NewRouter(newFakeSubscriptions(), nil, Options{Timeout: time.Second, Now: clock.Now})
	reaper := NewReaper(router, 0, nil)
	assert.Equal(t, DefaultReaperInterval, reaper.Interval())

	_, err := router.RegisterPending(context.Background(), weatherTool(), "a", nil)
	require.NoError(t, err)

	assert.Equal(t, 0, reaper.Tick(clock.Now()))
	clock.Advance(time.Second)
	assert.Equal(t, 1, reaper.Tick(clock.Now()))
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	reaper := NewReaper(NewRouter(nil, nil, Options{}), time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reaper.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
