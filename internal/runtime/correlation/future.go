package correlation

import (
	"context"
	"sync"

	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
)

// Result is the single terminal outcome of a call: a response value or an error.
type Result struct {
	Value []byte
	Err   error
}

// Completion receives a Result exactly once.
type Completion func(Result)

// Future resolves once with a Result. Later resolutions are ignored.
type Future struct {
	correlationID string

	once   sync.Once
	done   chan struct{}
	result Result

	cancelMu sync.Mutex
	cancel   func() bool
}

// NewFuture returns an unresolved future for correlationID.
func NewFuture(correlationID string) *Future {
	return &Future{correlationID: correlationID, done: make(chan struct{})}
}

// CorrelationID is the normalized id the call was published with.
func (f *Future) CorrelationID() string { return f.correlationID }

// Resolve stores r and wakes waiters. It reports false when already resolved.
func (f *Future) Resolve(r Result) bool {
	resolved := false
	f.once.Do(func() {
		f.result = r
		close(f.done)
		resolved = true
	})
	return resolved
}

// Complete adapts the future to a Completion.
func (f *Future) Complete() Completion {
	return func(r Result) { f.Resolve(r) }
}

// Done is closed once the future has resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until resolution or until ctx ends. Abandoning the wait does not
// cancel the call; the reaper fails it at its deadline.
func (f *Future) Wait(ctx context.Context) Result {
	select {
	case <-f.done:
		return f.result
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// Get is Wait split into value and error.
func (f *Future) Get(ctx context.Context) ([]byte, error) {
	r := f.Wait(ctx)
	return r.Value, r.Err
}

// Peek returns the result without blocking.
func (f *Future) Peek() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}

// OnCancel installs the hook Cancel uses to drop the pending correlation.
func (f *Future) OnCancel(fn func() bool) {
	f.cancelMu.Lock()
	defer f.cancelMu.Unlock()
	f.cancel = fn
}

// Cancel removes the pending correlation and fails the future with
// ErrCancelled. It reports false when the call had already resolved.
func (f *Future) Cancel() bool {
	f.cancelMu.Lock()
	fn := f.cancel
	f.cancelMu.Unlock()

	if fn != nil && !fn() {
		return false
	}
	return f.Resolve(Result{Err: errspkg.ErrCancelled})
}

// Failed returns an already-resolved future carrying err.
func Failed(correlationID string, err error) *Future {
	f := NewFuture(correlationID)
	f.Resolve(Result{Err: err})
	return f
}
