package userstate

import (
	"log/slog"
	"sync"
)

// hookRegistry owns the login/logout callback lists.
//
// Hooks run in registration order and receive the composite snapshot captured
// at the moment of the transition. A panicking hook aborts the remainder of
// its batch: the panic is recovered and logged, and never reaches the
// subscription pipeline. Registration may happen at any time and only affects
// future transitions.
type hookRegistry struct {
	log *slog.Logger

	mu     sync.Mutex
	login  []func(Snapshot)
	logout []func(Snapshot)
}

func newHookRegistry(log *slog.Logger) *hookRegistry {
	return &hookRegistry{log: log}
}

func (r *hookRegistry) onLogin(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.login = append(r.login, fn)
	r.mu.Unlock()
}

func (r *hookRegistry) onLogout(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.logout = append(r.logout, fn)
	r.mu.Unlock()
}

func (r *hookRegistry) fireLogin(snap Snapshot) {
	r.mu.Lock()
	fns := append([]func(Snapshot){}, r.login...)
	r.mu.Unlock()
	r.dispatch("login", fns, snap)
}

func (r *hookRegistry) fireLogout(snap Snapshot) {
	r.mu.Lock()
	fns := append([]func(Snapshot){}, r.logout...)
	r.mu.Unlock()
	r.dispatch("logout", fns, snap)
}

// dispatch runs one hook batch. The recover sits outside the loop on purpose:
// a panic skips every remaining hook of the same batch.
func (r *hookRegistry) dispatch(edge string, fns []func(Snapshot), snap Snapshot) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("userstate.hook.panic", "edge", edge, "panic", rec)
		}
	}()

	for _, fn := range fns {
		fn(snap)
	}
}
