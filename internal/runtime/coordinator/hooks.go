package coordinator

import (
	"github.com/drblury/toolbridge/internal/runtime/registration"
)

// Hooks are notified after a capability changes state. All hooks are
// optional.
type Hooks struct {
	// OnRegistered runs after a handler initialized and went live, including
	// the replacement handler of an update.
	OnRegistered func(reg registration.Registration)

	// OnUnregistered runs after a tombstone tore a handler down.
	OnUnregistered func(name string)

	// OnFailed runs when a handler could not be initialized. The capability
	// stays absent.
	OnFailed func(reg registration.Registration, err error)
}

// Merge combines two Hooks. The hooks from other run after the hooks from h.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnRegistered:   chainRegistered(h.OnRegistered, other.OnRegistered),
		OnUnregistered: chainUnregistered(h.OnUnregistered, other.OnUnregistered),
		OnFailed:       chainFailed(h.OnFailed, other.OnFailed),
	}
}

func chainRegistered(a, b func(registration.Registration)) func(registration.Registration) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(reg registration.Registration) {
		a(reg)
		b(reg)
	}
}

func chainUnregistered(a, b func(string)) func(string) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(name string) {
		a(name)
		b(name)
	}
}

func chainFailed(a, b func(registration.Registration, error)) func(registration.Registration, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(reg registration.Registration, err error) {
		a(reg, err)
		b(reg, err)
	}
}

func (h Hooks) registered(reg registration.Registration) {
	if h.OnRegistered != nil {
		h.OnRegistered(reg)
	}
}

func (h Hooks) unregistered(name string) {
	if h.OnUnregistered != nil {
		h.OnUnregistered(name)
	}
}

func (h Hooks) failed(reg registration.Registration, err error) {
	if h.OnFailed != nil {
		h.OnFailed(reg, err)
	}
}
