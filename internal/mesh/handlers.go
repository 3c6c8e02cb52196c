package mesh

import (
	"encoding/json"

	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/protocol"
)

// handle runs on the loop. Events for contexts we are not in are ignored:
// the relay does not validate addressing, so stale and misdirected messages
// are normal here.
func (o *Orchestrator) handle(env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindMembers:
		o.onMembership(env)
	case protocol.KindIncomingCall:
		o.events.OnIncomingCall(env.Sender)
	case protocol.KindCallAccepted:
		o.onCallAccepted(env.Sender)
	case protocol.KindCallRejected:
		o.onCallRejected(env.Sender)
	case protocol.KindCallEnded:
		o.onCallEnded(env.Sender)
	case protocol.KindOffer:
		o.onOffer(env)
	case protocol.KindAnswer:
		o.onAnswer(env.Sender, env.Payload)
	case protocol.KindCandidate:
		o.onCandidate(env.Sender, env.Payload)
	case protocol.KindMuteState:
		if env.Muted != nil {
			o.events.OnMuteState(env.Sender, *env.Muted)
		}
	case protocol.KindError:
		o.log.Warn().Str("code", string(env.Code)).Str("message", env.Message).Msg("server error")
		o.events.OnServerError(env.Code, env.Message)
	case protocol.KindPong, protocol.KindReady:
		// Transport-level; nothing to coordinate.
	default:
		o.log.Debug().Str("kind", string(env.Kind)).Msg("ignoring event")
	}
}

func (o *Orchestrator) onMembership(env *protocol.Envelope) {
	key, ok := env.ChannelKey()
	if !ok || o.mode != ctxVoice || key != o.channel {
		return
	}
	o.events.OnMembership(key, env.Joined, env.Left, env.Members)

	// Existing members initiate toward the newcomer; the newcomer initiates
	// toward nobody. Each pair therefore negotiates exactly once under
	// normal sequencing.
	if env.Joined != "" && env.Joined != o.self {
		o.initiateLink(env.Joined, &key)
	}
	if env.Left != "" && env.Left != o.self {
		o.closeLink(env.Left)
	}
}

func (o *Orchestrator) onCallAccepted(callee domain.Identity) {
	if o.mode != ctxCall || !o.caller || !o.ringing || callee != o.callPeer {
		return
	}
	// Acceptance makes the caller the negotiation initiator. Never before:
	// signaling at a callee that has not agreed is the one thing the direct
	// call flow forbids.
	o.ringing = false
	o.initiateLink(callee, nil)
}

func (o *Orchestrator) onCallRejected(callee domain.Identity) {
	if o.mode != ctxCall || callee != o.callPeer {
		return
	}
	o.log.Info().Str("callee", string(callee)).Msg("call rejected")
	o.teardown()
	o.events.OnCallRejected(callee)
}

func (o *Orchestrator) onCallEnded(peer domain.Identity) {
	if o.mode != ctxCall || peer != o.callPeer {
		return
	}
	o.log.Info().Str("peer", string(peer)).Msg("call ended by peer")
	o.teardown()
	o.events.OnCallEnded(peer)
}

// offerContextMatches reports whether an inbound offer belongs to the
// context we currently occupy.
func (o *Orchestrator) offerContextMatches(env *protocol.Envelope) bool {
	if key, ok := env.ChannelKey(); ok {
		return o.mode == ctxVoice && key == o.channel
	}
	// Direct-call context: only the callee answers, and only the accepted
	// caller's offer.
	return o.mode == ctxCall && !o.caller && env.Sender == o.callPeer
}

func (o *Orchestrator) onOffer(env *protocol.Envelope) {
	remote := env.Sender
	if !o.offerContextMatches(env) {
		o.log.Debug().Str("remote", string(remote)).Msg("offer for unrecognized context, ignoring")
		return
	}

	if existing := o.links[remote]; existing != nil {
		if existing.state != LinkOffering {
			// Already answering or done with this peer; duplicate offer.
			return
		}
		// Glare: both sides believed they were the newcomer's counterpart
		// and initiated. The lower identity's offer wins; deterministic on
		// both sides, so exactly one link survives.
		if o.self.Before(remote) {
			o.log.Info().Str("remote", string(remote)).Msg("glare: keeping local offer")
			return
		}
		o.log.Info().Str("remote", string(remote)).Msg("glare: yielding to remote offer")
		o.closeLink(remote)
	}
	o.answerLink(remote, env.Payload)
}

func (o *Orchestrator) onAnswer(remote domain.Identity, payload json.RawMessage) {
	pl := o.links[remote]
	if pl == nil || pl.state != LinkOffering {
		return
	}
	if err := pl.link.AcceptAnswer(payload); err != nil {
		o.log.Error().Err(err).Str("remote", string(remote)).Msg("apply answer")
		o.closeLink(remote)
		return
	}
	pl.state = LinkConnected
	o.flushCandidates(pl)
	o.events.OnLink(remote, LinkConnected)
	o.log.Info().Str("remote", string(remote)).Msg("link connected (initiator)")
}

func (o *Orchestrator) onCandidate(remote domain.Identity, payload json.RawMessage) {
	pl := o.links[remote]
	if pl == nil {
		return
	}
	// Until we hold the remote description the transport cannot take
	// candidates; park them on the link.
	if pl.state == LinkOffering || pl.state == LinkAnswering {
		pl.pending = append(pl.pending, payload)
		return
	}
	if err := pl.link.AddRemoteCandidate(payload); err != nil {
		o.log.Warn().Err(err).Str("remote", string(remote)).Msg("add candidate")
	}
}

func (o *Orchestrator) flushCandidates(pl *peerLink) {
	for _, cand := range pl.pending {
		if err := pl.link.AddRemoteCandidate(cand); err != nil {
			o.log.Warn().Err(err).Str("remote", string(pl.remote)).Msg("flush candidate")
		}
	}
	pl.pending = nil
}
