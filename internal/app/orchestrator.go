package app

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/avei/concord/internal/core"
	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/protocol"
	"github.com/avei/concord/pkg/errors"
)

// Orchestrator wires the registry, membership table, call table and relay
// together and owns the disconnect cascade. It also implements Notifier,
// marshaling events onto registered connections.
type Orchestrator struct {
	Registry *Registry
	Members  *MembershipTable
	Calls    *CallTable
	Relay    *Relay
}

func NewOrchestrator() *Orchestrator {
	o := &Orchestrator{Registry: NewRegistry()}
	o.Members = NewMembershipTable(o)
	o.Calls = NewCallTable(o)
	o.Relay = NewRelay(o.Registry)
	return o
}

// Notify implements Notifier. Best effort: drops on unreachable or
// saturated recipients are never propagated to the mutator. A recipient
// that cannot take a stateful event has diverged from server state beyond
// repair, so its connection is cancelled and the disconnect cascade
// cleans it up.
func (o *Orchestrator) Notify(to domain.Identity, env *protocol.Envelope) {
	sc, ok := o.Registry.Lookup(to)
	if !ok {
		log.Debug().Str("module", "app.orchestrator").
			Str("to", string(to)).Str("kind", string(env.Kind)).Msg("notify: no connection")
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orchestrator").Msg("notify: marshal")
		return
	}
	if err := sc.TrySend(core.Frame(b)); err != nil {
		log.Warn().Str("module", "app.orchestrator").
			Str("to", string(to)).Str("kind", string(env.Kind)).Err(err).Msg("notify: dropped, kicking")
		o.Registry.Cancel(to)
	}
}

// Connect registers a fresh connection for the identity.
func (o *Orchestrator) Connect(id domain.Identity, sc core.SignalConnection, cancel context.CancelFunc) {
	o.Registry.Register(id, sc, cancel)
}

// Disconnect is the full cascade for a lost or closed connection: drop the
// registration, force-end any call (the peer learns via call_ended), and
// force-leave any voice channel (remaining members learn via a left event).
// Scoped to sc: the stale pump of a replaced connection finds the registry
// pointing at the replacement and must leave its sessions alone. Idempotent.
func (o *Orchestrator) Disconnect(id domain.Identity, sc core.SignalConnection) {
	if !o.Registry.Unregister(id, sc) {
		return
	}
	if _, ended := o.Calls.End(id); ended {
		log.Info().Str("module", "app.orchestrator").
			Str("identity", string(id)).Msg("disconnect: call force-ended")
	}
	o.Members.Leave(id)
}

// Join moves the identity into a voice channel and returns the resulting
// member set. The joiner is brought up to date on co-members' mute flags,
// which membership events do not carry.
func (o *Orchestrator) Join(id domain.Identity, key domain.ChannelKey) []domain.Identity {
	members := o.Members.Join(id, key)
	for _, m := range members {
		if m != id && o.Registry.Muted(m) {
			muted := true
			o.Notify(id, &protocol.Envelope{Kind: protocol.KindMuteState, Sender: m, Muted: &muted})
		}
	}
	return members
}

// Leave removes the identity from its current voice channel, if any.
func (o *Orchestrator) Leave(id domain.Identity) bool {
	return o.Members.Leave(id)
}

// StartCall rings the callee. The callee must be connected: a session that
// could never ring would dangle with nobody to answer it.
func (o *Orchestrator) StartCall(caller, callee domain.Identity) error {
	if _, ok := o.Registry.Lookup(callee); !ok {
		return errors.TargetUnreachable("callee is not connected")
	}
	return o.Calls.Initiate(caller, callee)
}

func (o *Orchestrator) AcceptCall(callee, caller domain.Identity) error {
	return o.Calls.Accept(callee, caller)
}

func (o *Orchestrator) RejectCall(callee, caller domain.Identity) error {
	return o.Calls.Reject(callee, caller)
}

// EndCall ends the identity's call from either side and either state.
// Returns false when there was nothing to end; stale hangups are no-ops.
func (o *Orchestrator) EndCall(id domain.Identity) bool {
	_, ok := o.Calls.End(id)
	return ok
}

// SetMute records the flag and echoes it to the identity's current audience:
// channel co-members, or the call peer. Pure presence signal.
func (o *Orchestrator) SetMute(id domain.Identity, muted bool) {
	if !o.Registry.SetMuted(id, muted) {
		return
	}
	ev := &protocol.Envelope{Kind: protocol.KindMuteState, Sender: id, Muted: &muted}
	if key, ok := o.Members.ChannelOf(id); ok {
		for _, m := range o.Members.MembersOf(key) {
			if m != id {
				o.Notify(m, ev)
			}
		}
		return
	}
	if s, ok := o.Calls.SessionOf(id); ok {
		o.Notify(s.Peer(id), ev)
	}
}
