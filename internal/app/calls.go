package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/protocol"
	"github.com/avei/concord/pkg/errors"
)

// callSession is the mutable server-side record of one direct call.
type callSession struct {
	caller domain.Identity
	callee domain.Identity
	state  domain.CallState
}

func (s *callSession) view() domain.CallSession {
	return domain.CallSession{Caller: s.caller, Callee: s.callee, State: s.state}
}

// CallTable is the direct call state machine. A single mutex serializes all
// mutations: the one-session-per-identity invariant spans pairs, so per-pair
// locking alone could not enforce it. Events are emitted under the lock so
// each recipient sees call transitions in mutation order.
type CallTable struct {
	notify Notifier

	mu         sync.Mutex
	byIdentity map[domain.Identity]*callSession
}

func NewCallTable(notify Notifier) *CallTable {
	return &CallTable{
		notify:     notify,
		byIdentity: make(map[domain.Identity]*callSession),
	}
}

// Initiate creates a ringing session between caller and callee and rings the
// callee. Fails with AlreadyInCall when either party has a session.
func (t *CallTable) Initiate(caller, callee domain.Identity) error {
	if caller == callee {
		return errors.InvalidArg("cannot call yourself")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.byIdentity[caller]; busy {
		return errors.AlreadyInCall("caller is already in a call")
	}
	if _, busy := t.byIdentity[callee]; busy {
		return errors.AlreadyInCall("callee is already in a call")
	}
	s := &callSession{caller: caller, callee: callee, state: domain.CallRinging}
	t.byIdentity[caller] = s
	t.byIdentity[callee] = s

	t.notify.Notify(callee, &protocol.Envelope{
		Kind:   protocol.KindIncomingCall,
		Sender: caller,
	})
	log.Info().Str("module", "app.calls").
		Str("caller", string(caller)).Str("callee", string(callee)).Msg("call initiated")
	return nil
}

// Accept transitions the exact {caller, callee} ringing session to connected
// and tells the caller, who then becomes the negotiation initiator. Any
// other state is a stale or duplicate message and fails InvalidTransition.
func (t *CallTable) Accept(callee, caller domain.Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byIdentity[callee]
	if !ok || s.caller != caller || s.callee != callee || s.state != domain.CallRinging {
		return errors.InvalidTransition("no ringing call to accept")
	}
	s.state = domain.CallConnected

	t.notify.Notify(caller, &protocol.Envelope{
		Kind:   protocol.KindCallAccepted,
		Sender: callee,
	})
	log.Info().Str("module", "app.calls").
		Str("caller", string(caller)).Str("callee", string(callee)).Msg("call accepted")
	return nil
}

// Reject destroys the exact ringing session and tells the caller.
func (t *CallTable) Reject(callee, caller domain.Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byIdentity[callee]
	if !ok || s.caller != caller || s.callee != callee || s.state != domain.CallRinging {
		return errors.InvalidTransition("no ringing call to reject")
	}
	t.dropLocked(s)

	t.notify.Notify(caller, &protocol.Envelope{
		Kind:   protocol.KindCallRejected,
		Sender: callee,
	})
	log.Info().Str("module", "app.calls").
		Str("caller", string(caller)).Str("callee", string(callee)).Msg("call rejected")
	return nil
}

// End destroys the identity's session from either state, by either party,
// and tells the other party. Returns the ended session view, or false when
// the identity had no session (a no-op, never an error: connection loss and
// duplicate hangups both land here).
func (t *CallTable) End(id domain.Identity) (domain.CallSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byIdentity[id]
	if !ok {
		return domain.CallSession{}, false
	}
	t.dropLocked(s)

	peer := s.view().Peer(id)
	t.notify.Notify(peer, &protocol.Envelope{
		Kind:   protocol.KindCallEnded,
		Sender: id,
	})
	log.Info().Str("module", "app.calls").
		Str("identity", string(id)).Str("peer", string(peer)).
		Str("state", s.state.String()).Msg("call ended")
	return s.view(), true
}

// SessionOf returns the identity's current session view, if any.
func (t *CallTable) SessionOf(id domain.Identity) (domain.CallSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byIdentity[id]; ok {
		return s.view(), true
	}
	return domain.CallSession{}, false
}

func (t *CallTable) dropLocked(s *callSession) {
	delete(t.byIdentity, s.caller)
	delete(t.byIdentity, s.callee)
}
