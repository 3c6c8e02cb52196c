// Package mesh is the client-side counterpart of the signaling relay: it
// watches membership and call events, keeps exactly one negotiated peer
// link per relevant remote identity, and drives offer/answer/ICE exchange
// through the relay.
package mesh

import (
	"context"
	"encoding/json"

	"github.com/avei/concord/internal/domain"
)

// LinkState is the negotiation lifecycle of one peer link.
type LinkState int

const (
	// LinkOffering: locally initiated, local offer sent or being prepared,
	// no remote answer yet.
	LinkOffering LinkState = iota
	// LinkAnswering: remotely initiated, local answer being prepared.
	LinkAnswering
	// LinkConnected: descriptions exchanged; ICE proceeds on its own.
	LinkConnected
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkOffering:
		return "offering"
	case LinkAnswering:
		return "answering"
	case LinkConnected:
		return "connected"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// Link is one media association under negotiation. Implementations own the
// underlying transport (a WebRTC peer connection); the orchestrator owns
// the lifecycle. Close must be idempotent.
type Link interface {
	// Offer produces the local session description for an initiator link.
	Offer(ctx context.Context) (json.RawMessage, error)
	// Answer applies the remote offer and produces the local answer.
	Answer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	// AcceptAnswer applies the remote answer to an initiator link.
	AcceptAnswer(answer json.RawMessage) error
	// AddRemoteCandidate feeds a relayed ICE candidate into the link.
	AddRemoteCandidate(candidate json.RawMessage) error
	Close() error
}

// LinkFactory creates links and owns local media. Acquire must succeed
// before any signaling for a context is sent; its release func is
// idempotent and releases whatever Acquire reserved.
type LinkFactory interface {
	Acquire(ctx context.Context) (release func(), err error)
	New(remote domain.Identity, onCandidate func(json.RawMessage)) (Link, error)
}
