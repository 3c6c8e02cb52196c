package mesh

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/protocol"
	"github.com/avei/concord/pkg/errors"
)

// Signaler sends command envelopes to the signaling server. Implementations
// must be safe for concurrent use: ICE candidate callbacks fire from
// transport goroutines.
type Signaler interface {
	Send(env *protocol.Envelope) error
}

// Events receives the orchestrator's user-facing notifications. Callbacks
// run on the orchestrator loop; do not block in them.
type Events interface {
	OnMembership(key domain.ChannelKey, joined, left domain.Identity, members []domain.Identity)
	OnIncomingCall(caller domain.Identity)
	OnCallRejected(callee domain.Identity)
	OnCallEnded(peer domain.Identity)
	OnMuteState(id domain.Identity, muted bool)
	OnLink(remote domain.Identity, state LinkState)
	OnServerError(code errors.Code, message string)
}

// NopEvents is an Events that ignores everything.
type NopEvents struct{}

func (NopEvents) OnMembership(domain.ChannelKey, domain.Identity, domain.Identity, []domain.Identity) {
}
func (NopEvents) OnIncomingCall(domain.Identity)    {}
func (NopEvents) OnCallRejected(domain.Identity)    {}
func (NopEvents) OnCallEnded(domain.Identity)       {}
func (NopEvents) OnMuteState(domain.Identity, bool) {}
func (NopEvents) OnLink(domain.Identity, LinkState) {}
func (NopEvents) OnServerError(errors.Code, string) {}

type contextKind int

const (
	ctxNone contextKind = iota
	ctxVoice
	ctxCall
)

type peerLink struct {
	remote domain.Identity
	state  LinkState
	link   Link
	// Candidates relayed before our side holds the remote description.
	pending []json.RawMessage
}

// Orchestrator keeps the local peer mesh consistent with relay-delivered
// state. All state lives on a single event loop goroutine; external calls
// and transport events are posted to it. Per-link negotiation work
// (creating descriptions) runs in side goroutines and re-posts its result,
// so one slow link never stalls the others.
type Orchestrator struct {
	self    domain.Identity
	sig     Signaler
	factory LinkFactory
	events  Events
	log     zerolog.Logger

	tasks chan func()
	done  chan struct{}
	runC  context.Context

	// Loop-owned state.
	mode     contextKind
	channel  domain.ChannelKey
	callPeer domain.Identity
	caller   bool // we initiated the current call
	ringing  bool // our outbound call is not yet accepted
	links    map[domain.Identity]*peerLink
	release  func()
}

func New(self domain.Identity, sig Signaler, factory LinkFactory, events Events, log zerolog.Logger) *Orchestrator {
	if events == nil {
		events = NopEvents{}
	}
	return &Orchestrator{
		self:    self,
		sig:     sig,
		factory: factory,
		events:  events,
		log:     log.With().Str("module", "mesh").Str("self", string(self)).Logger(),
		tasks:   make(chan func(), 128),
		done:    make(chan struct{}),
		links:   make(map[domain.Identity]*peerLink),
	}
}

// Run drives the event loop until ctx is cancelled. Cancellation tears down
// every link and releases media before returning.
func (o *Orchestrator) Run(ctx context.Context) {
	o.runC = ctx
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			o.teardown()
			return
		case task := <-o.tasks:
			task()
		}
	}
}

// post schedules fn on the loop; dropped once the loop has exited.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.tasks <- fn:
	case <-o.done:
	}
}

// do runs fn on the loop and waits for its result.
func (o *Orchestrator) do(fn func() error) error {
	res := make(chan error, 1)
	select {
	case o.tasks <- func() { res <- fn() }:
	case <-o.done:
		return errors.New(errors.CodeNotConnected, "orchestrator stopped")
	}
	select {
	case err := <-res:
		return err
	case <-o.done:
		return errors.New(errors.CodeNotConnected, "orchestrator stopped")
	}
}

// depart vacates the current server-side context ahead of a context switch.
// The local teardown alone is not enough: without the command the server
// would keep the membership or call session alive indefinitely, and
// co-members would never see the departure.
func (o *Orchestrator) depart() error {
	switch o.mode {
	case ctxVoice:
		return o.sig.Send(&protocol.Envelope{Kind: protocol.KindLeave})
	case ctxCall:
		return o.sig.Send(&protocol.Envelope{Kind: protocol.KindHangup})
	}
	return nil
}

// JoinChannel acquires local media, then enters the voice channel. A media
// failure aborts before any signaling is sent, so the server never sees a
// half-joined member. Rejoining the current channel is a no-op: the
// existing links and media stay as they are.
func (o *Orchestrator) JoinChannel(ctx context.Context, key domain.ChannelKey) error {
	rejoin := false
	if err := o.do(func() error {
		rejoin = o.mode == ctxVoice && o.channel == key
		return nil
	}); err != nil {
		return err
	}
	if rejoin {
		return nil
	}

	release, err := o.factory.Acquire(ctx)
	if err != nil {
		return errors.MediaUnavailable("cannot join without local media", err)
	}
	err = o.do(func() error {
		if err := o.depart(); err != nil {
			return err
		}
		o.teardown()
		o.mode = ctxVoice
		o.channel = key
		o.release = release
		return o.sig.Send(&protocol.Envelope{
			Kind:    protocol.KindJoin,
			Scope:   key.Scope,
			Channel: key.Channel,
		})
	})
	if err != nil {
		release()
	}
	return err
}

// LeaveChannel exits the current voice channel and synchronously tears down
// every link and the local media. Safe to call when not in a channel.
func (o *Orchestrator) LeaveChannel() error {
	return o.do(func() error {
		if o.mode != ctxVoice {
			return nil
		}
		err := o.sig.Send(&protocol.Envelope{Kind: protocol.KindLeave})
		o.teardown()
		return err
	})
}

// StartCall acquires media and rings the target, vacating any current
// channel or call first. Negotiation starts only once the callee accepts.
func (o *Orchestrator) StartCall(ctx context.Context, target domain.Identity) error {
	release, err := o.factory.Acquire(ctx)
	if err != nil {
		return errors.MediaUnavailable("cannot call without local media", err)
	}
	err = o.do(func() error {
		if err := o.depart(); err != nil {
			return err
		}
		o.teardown()
		o.mode = ctxCall
		o.callPeer = target
		o.caller = true
		o.ringing = true
		o.release = release
		return o.sig.Send(&protocol.Envelope{Kind: protocol.KindCall, Target: target})
	})
	if err != nil {
		release()
	}
	return err
}

// AcceptCall acquires media and accepts a ringing call, vacating any
// current channel or call first. The callee never initiates: it waits for
// the caller's offer.
func (o *Orchestrator) AcceptCall(ctx context.Context, caller domain.Identity) error {
	release, err := o.factory.Acquire(ctx)
	if err != nil {
		return errors.MediaUnavailable("cannot accept without local media", err)
	}
	err = o.do(func() error {
		if err := o.depart(); err != nil {
			return err
		}
		o.teardown()
		o.mode = ctxCall
		o.callPeer = caller
		o.caller = false
		o.release = release
		return o.sig.Send(&protocol.Envelope{Kind: protocol.KindAccept, Target: caller})
	})
	if err != nil {
		release()
	}
	return err
}

// RejectCall declines a ringing call without touching local state.
func (o *Orchestrator) RejectCall(caller domain.Identity) error {
	return o.do(func() error {
		return o.sig.Send(&protocol.Envelope{Kind: protocol.KindReject, Target: caller})
	})
}

// EndCall hangs up the current call and tears down its link and media.
func (o *Orchestrator) EndCall() error {
	return o.do(func() error {
		if o.mode != ctxCall {
			return nil
		}
		err := o.sig.Send(&protocol.Envelope{Kind: protocol.KindHangup})
		o.teardown()
		return err
	})
}

// SetMute broadcasts the local mute flag. Media tracks are untouched here;
// muting the actual capture is the media layer's business.
func (o *Orchestrator) SetMute(muted bool) error {
	return o.do(func() error {
		return o.sig.Send(&protocol.Envelope{Kind: protocol.KindMute, Muted: &muted})
	})
}

// LinkInfo is a read-only snapshot of one peer link.
type LinkInfo struct {
	Remote domain.Identity
	State  LinkState
}

// Links returns a snapshot of the current peer links.
func (o *Orchestrator) Links() []LinkInfo {
	var out []LinkInfo
	_ = o.do(func() error {
		for _, pl := range o.links {
			out = append(out, LinkInfo{Remote: pl.remote, State: pl.state})
		}
		return nil
	})
	return out
}

// HandleEvent feeds a server event into the loop. Called by the transport's
// read goroutine; per-sender ordering is preserved by the single queue.
func (o *Orchestrator) HandleEvent(env *protocol.Envelope) {
	o.post(func() { o.handle(env) })
}
