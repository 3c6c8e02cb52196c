// Package protocol models the JSON envelope exchanged over the signaling
// WebSocket. It is shared by the server adapters and the client mesh; it
// never interprets negotiation payloads, only the envelope around them.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/pkg/errors"
)

// Kind identifies the kind of signaling message.
type Kind string

// Client commands.
const (
	KindJoin      Kind = "join"
	KindLeave     Kind = "leave"
	KindCall      Kind = "call"
	KindAccept    Kind = "accept"
	KindReject    Kind = "reject"
	KindHangup    Kind = "hangup"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindMute      Kind = "mute"
	KindPing      Kind = "ping"
)

// Server events. Offer/answer/candidate are relayed under their command kind
// with Sender filled in.
const (
	KindReady        Kind = "ready"
	KindMembers      Kind = "members"
	KindIncomingCall Kind = "incoming_call"
	KindCallAccepted Kind = "call_accepted"
	KindCallRejected Kind = "call_rejected"
	KindCallEnded    Kind = "call_ended"
	KindMuteState    Kind = "mute_state"
	KindPong         Kind = "pong"
	KindError        Kind = "error"
)

// Envelope is the wire structure for every command and event. Fields are
// populated per kind; Validate enforces the per-kind shape on inbound
// commands. The negotiation Payload stays opaque end to end.
type Envelope struct {
	Kind Kind `json:"type"`

	// Sender is set by the server on relayed and stateful events; clients
	// never supply it.
	Sender domain.Identity `json:"sender,omitempty"`
	// Target addresses relayed negotiation messages and call commands.
	Target domain.Identity `json:"target,omitempty"`

	// Voice channel addressing and negotiation context. Empty scope and
	// channel on an offer means the direct-call context.
	Scope   domain.ScopeID   `json:"scope,omitempty"`
	Channel domain.ChannelID `json:"channel,omitempty"`

	// Payload carries SDP or ICE material, opaque to the relay.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Membership event fields.
	Joined  domain.Identity   `json:"joined,omitempty"`
	Left    domain.Identity   `json:"left,omitempty"`
	Members []domain.Identity `json:"members,omitempty"`

	// Mute command/event.
	Muted *bool `json:"muted,omitempty"`

	// Error events.
	Code    errors.Code `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`

	// Ready event: the connection's identity and the STUN servers the
	// deployment wants clients to gather candidates against.
	Identity    domain.Identity `json:"identity,omitempty"`
	StunServers []string        `json:"stun_servers,omitempty"`
}

// ChannelKey returns the voice channel addressed by the envelope, if any.
func (e *Envelope) ChannelKey() (domain.ChannelKey, bool) {
	key := domain.ChannelKey{Scope: e.Scope, Channel: e.Channel}
	if key.Zero() {
		return domain.ChannelKey{}, false
	}
	return key, true
}

// Parse decodes an inbound command and validates its per-kind shape.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(errors.CodeBadPayload, "malformed envelope", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the fields a client command must carry. Event kinds are
// not valid as inbound commands.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindJoin:
		if e.Scope == "" || e.Channel == "" {
			return errors.InvalidArg("join requires scope and channel")
		}
	case KindCall, KindAccept, KindReject:
		if e.Target == "" {
			return errors.InvalidArg(fmt.Sprintf("%s requires target", e.Kind))
		}
	case KindOffer, KindAnswer, KindCandidate:
		if e.Target == "" {
			return errors.InvalidArg(fmt.Sprintf("%s requires target", e.Kind))
		}
		if len(e.Payload) == 0 {
			return errors.InvalidArg(fmt.Sprintf("%s requires payload", e.Kind))
		}
	case KindMute:
		if e.Muted == nil {
			return errors.InvalidArg("mute requires muted flag")
		}
	case KindLeave, KindHangup, KindPing:
		// No required fields.
	default:
		return errors.InvalidArg(fmt.Sprintf("unknown command %q", e.Kind))
	}
	return nil
}

// ErrorEnvelope builds the error event counterpart of a failed command.
func ErrorEnvelope(err error) *Envelope {
	return &Envelope{
		Kind:    KindError,
		Code:    errors.CodeOf(err),
		Message: err.Error(),
	}
}
