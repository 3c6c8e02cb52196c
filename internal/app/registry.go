package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avei/concord/internal/core"
	"github.com/avei/concord/internal/domain"
)

type connEntry struct {
	signal core.SignalConnection
	cancel context.CancelFunc
	muted  bool
}

// Registry tracks one live connection per identity. It is the leaf shared
// state: membership and calls key off identities registered here.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.Identity]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.Identity]*connEntry)}
}

// Register binds a signal connection to an identity. A previous connection
// for the same identity is cancelled and closed first: the relay assumes
// exactly one active connection per identity.
func (r *Registry) Register(id domain.Identity, sc core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	prev := r.conns[id]
	r.conns[id] = &connEntry{signal: sc, cancel: cancel}
	r.mu.Unlock()

	if prev != nil {
		if prev.cancel != nil {
			prev.cancel()
		}
		prev.signal.Close()
		log.Warn().Str("module", "app.registry").Str("identity", string(id)).Msg("replaced existing connection")
	}
	log.Info().Str("module", "app.registry").Str("identity", string(id)).Msg("registered connection")
}

// Lookup returns the live signal connection for an identity, if any.
func (r *Registry) Lookup(id domain.Identity) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.signal, true
}

// Unregister removes the identity's binding, but only while it still points
// at sc: the pump of a replaced connection exits late and must not evict
// the replacement. Reports whether the binding was removed.
func (r *Registry) Unregister(id domain.Identity, sc core.SignalConnection) bool {
	r.mu.Lock()
	e, ok := r.conns[id]
	if !ok || e.signal != sc {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("identity", string(id)).Msg("unregistered connection")
	return true
}

// SetMuted records the identity's mute flag. Mute is presence metadata only;
// it never touches membership or call state.
func (r *Registry) SetMuted(id domain.Identity, muted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.muted = muted
	return true
}

func (r *Registry) Muted(id domain.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.muted
	}
	return false
}

// Cancel fires the context cancel bound to the identity's connection,
// making the adapter's pumps wind down.
func (r *Registry) Cancel(id domain.Identity) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	return true
}
