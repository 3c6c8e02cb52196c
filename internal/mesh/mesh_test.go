package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/protocol"
	"github.com/avei/concord/pkg/errors"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// fakeLink records negotiation calls. Offer can be gated to hold a link in
// the offering state while the test injects events around it.
type fakeLink struct {
	mu          sync.Mutex
	remote      domain.Identity
	gate        chan struct{}
	remoteOffer json.RawMessage
	answerTaken json.RawMessage
	candidates  []json.RawMessage
	closed      bool
}

func (l *fakeLink) Offer(ctx context.Context) (json.RawMessage, error) {
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return json.RawMessage(fmt.Sprintf(`{"type":"offer","for":%q}`, l.remote)), nil
}

func (l *fakeLink) Answer(_ context.Context, offer json.RawMessage) (json.RawMessage, error) {
	l.mu.Lock()
	l.remoteOffer = offer
	l.mu.Unlock()
	return json.RawMessage(`{"type":"answer"}`), nil
}

func (l *fakeLink) AcceptAnswer(answer json.RawMessage) error {
	l.mu.Lock()
	l.answerTaken = answer
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) AddRemoteCandidate(cand json.RawMessage) error {
	l.mu.Lock()
	l.candidates = append(l.candidates, cand)
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) candidateCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.candidates)
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	acquireErr error
	acquired   int
	released   int
	offerGate  chan struct{}
	created    map[domain.Identity]*fakeLink
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(map[domain.Identity]*fakeLink)}
}

func (f *fakeFactory) Acquire(context.Context) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquired++
	return func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}, nil
}

func (f *fakeFactory) New(remote domain.Identity, _ func(json.RawMessage)) (Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &fakeLink{remote: remote, gate: f.offerGate}
	f.created[remote] = l
	return l, nil
}

func (f *fakeFactory) link(remote domain.Identity) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[remote]
}

func (f *fakeFactory) releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func (f *fakeFactory) acquires() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired
}

// hub stands in for the relay: targeted commands come back out as the
// events the server would produce for them.
type hub struct {
	mu    sync.Mutex
	peers map[domain.Identity]*Orchestrator
}

func newHub() *hub { return &hub{peers: make(map[domain.Identity]*Orchestrator)} }

func (h *hub) route(from domain.Identity, env *protocol.Envelope) {
	h.mu.Lock()
	target := h.peers[env.Target]
	h.mu.Unlock()
	if target == nil {
		return
	}
	out := *env
	out.Sender = from
	out.Target = ""
	switch env.Kind {
	case protocol.KindOffer, protocol.KindAnswer, protocol.KindCandidate:
	case protocol.KindCall:
		out.Kind = protocol.KindIncomingCall
	case protocol.KindAccept:
		out.Kind = protocol.KindCallAccepted
	case protocol.KindReject:
		out.Kind = protocol.KindCallRejected
	default:
		return
	}
	target.HandleEvent(&out)
}

type hubSignaler struct {
	h    *hub
	self domain.Identity

	mu   sync.Mutex
	sent []*protocol.Envelope
}

func (s *hubSignaler) Send(env *protocol.Envelope) error {
	cp := *env
	s.mu.Lock()
	s.sent = append(s.sent, &cp)
	s.mu.Unlock()
	if s.h != nil {
		s.h.route(s.self, &cp)
	}
	return nil
}

func (s *hubSignaler) targetsOf(kind protocol.Kind) []domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Identity
	for _, e := range s.sent {
		if e.Kind == kind {
			out = append(out, e.Target)
		}
	}
	return out
}

func (s *hubSignaler) count(kind protocol.Kind) int { return len(s.targetsOf(kind)) }

func (s *hubSignaler) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type recEvents struct {
	mu       sync.Mutex
	incoming []domain.Identity
	rejected []domain.Identity
	ended    []domain.Identity
}

func newRecEvents() *recEvents { return &recEvents{} }

func (r *recEvents) OnMembership(domain.ChannelKey, domain.Identity, domain.Identity, []domain.Identity) {
}
func (r *recEvents) OnIncomingCall(caller domain.Identity) {
	r.mu.Lock()
	r.incoming = append(r.incoming, caller)
	r.mu.Unlock()
}
func (r *recEvents) OnCallRejected(callee domain.Identity) {
	r.mu.Lock()
	r.rejected = append(r.rejected, callee)
	r.mu.Unlock()
}
func (r *recEvents) OnCallEnded(peer domain.Identity) {
	r.mu.Lock()
	r.ended = append(r.ended, peer)
	r.mu.Unlock()
}
func (r *recEvents) OnMuteState(domain.Identity, bool) {}
func (r *recEvents) OnLink(domain.Identity, LinkState) {}
func (r *recEvents) OnServerError(errors.Code, string) {}

func (r *recEvents) gotIncoming(caller domain.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.incoming {
		if c == caller {
			return true
		}
	}
	return false
}

func (r *recEvents) endedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ended)
}

func (r *recEvents) rejectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rejected)
}

type testPeer struct {
	id      domain.Identity
	orch    *Orchestrator
	sig     *hubSignaler
	factory *fakeFactory
	events  *recEvents
}

func newTestPeer(t *testing.T, h *hub, id domain.Identity) *testPeer {
	t.Helper()
	sig := &hubSignaler{h: h, self: id}
	factory := newFakeFactory()
	events := newRecEvents()
	o := New(id, sig, factory, events, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)
	if h != nil {
		h.mu.Lock()
		h.peers[id] = o
		h.mu.Unlock()
	}
	t.Cleanup(func() {
		cancel()
		<-o.done
	})
	return &testPeer{id: id, orch: o, sig: sig, factory: factory, events: events}
}

func (p *testPeer) connectedLinks() int {
	n := 0
	for _, li := range p.orch.Links() {
		if li.State == LinkConnected {
			n++
		}
	}
	return n
}

func membersEvent(key domain.ChannelKey, joined, left domain.Identity, members ...domain.Identity) *protocol.Envelope {
	return &protocol.Envelope{
		Kind:    protocol.KindMembers,
		Scope:   key.Scope,
		Channel: key.Channel,
		Joined:  joined,
		Left:    left,
		Members: members,
	}
}

func TestMesh_ExistingMembersInitiateTowardNewcomer(t *testing.T) {
	h := newHub()
	key := domain.ChannelKey{Scope: "srv", Channel: "general"}
	a := newTestPeer(t, h, "alice")
	b := newTestPeer(t, h, "bob")
	c := newTestPeer(t, h, "carol")

	require.NoError(t, a.orch.JoinChannel(context.Background(), key))
	require.NoError(t, b.orch.JoinChannel(context.Background(), key))
	require.NoError(t, c.orch.JoinChannel(context.Background(), key))

	// Replay the server's membership fan-out for the join order a, b, c.
	a.orch.HandleEvent(membersEvent(key, "alice", "", "alice"))
	a.orch.HandleEvent(membersEvent(key, "bob", "", "alice", "bob"))
	b.orch.HandleEvent(membersEvent(key, "bob", "", "alice", "bob"))
	a.orch.HandleEvent(membersEvent(key, "carol", "", "alice", "bob", "carol"))
	b.orch.HandleEvent(membersEvent(key, "carol", "", "alice", "bob", "carol"))
	c.orch.HandleEvent(membersEvent(key, "carol", "", "alice", "bob", "carol"))

	require.Eventually(t, func() bool {
		return a.connectedLinks() == 2 && b.connectedLinks() == 2 && c.connectedLinks() == 2
	}, waitFor, tick)

	// Only the members that were already present when someone joined offer;
	// the newcomer waits to be offered to.
	assert.ElementsMatch(t, []domain.Identity{"bob", "carol"}, a.sig.targetsOf(protocol.KindOffer))
	assert.ElementsMatch(t, []domain.Identity{"carol"}, b.sig.targetsOf(protocol.KindOffer))
	assert.Zero(t, c.sig.count(protocol.KindOffer))
	assert.Zero(t, a.sig.count(protocol.KindAnswer))
	assert.Equal(t, 1, b.sig.count(protocol.KindAnswer))
	assert.Equal(t, 2, c.sig.count(protocol.KindAnswer))
}

func TestMesh_GlareYieldsToLowerIdentity(t *testing.T) {
	h := newHub()
	key := domain.ChannelKey{Scope: "srv", Channel: "general"}
	a := newTestPeer(t, h, "alice")
	b := newTestPeer(t, h, "bob")

	require.NoError(t, a.orch.JoinChannel(context.Background(), key))
	require.NoError(t, b.orch.JoinChannel(context.Background(), key))

	// Both sides see the other as the newcomer and initiate simultaneously.
	a.orch.HandleEvent(membersEvent(key, "bob", "", "alice", "bob"))
	b.orch.HandleEvent(membersEvent(key, "alice", "", "alice", "bob"))

	require.Eventually(t, func() bool {
		return a.connectedLinks() == 1 && b.connectedLinks() == 1
	}, waitFor, tick)

	// alice < bob, so alice's offer wins on both sides: bob yields and
	// answers, alice never does.
	assert.Equal(t, 1, b.sig.count(protocol.KindAnswer))
	assert.Zero(t, a.sig.count(protocol.KindAnswer))
	assert.Equal(t, []domain.Identity{"bob"}, a.sig.targetsOf(protocol.KindOffer))
}

func joinedPair(t *testing.T) (key domain.ChannelKey, a, b *testPeer) {
	t.Helper()
	h := newHub()
	key = domain.ChannelKey{Scope: "srv", Channel: "general"}
	a = newTestPeer(t, h, "alice")
	b = newTestPeer(t, h, "bob")
	require.NoError(t, a.orch.JoinChannel(context.Background(), key))
	require.NoError(t, b.orch.JoinChannel(context.Background(), key))
	a.orch.HandleEvent(membersEvent(key, "bob", "", "alice", "bob"))
	b.orch.HandleEvent(membersEvent(key, "bob", "", "alice", "bob"))
	require.Eventually(t, func() bool {
		return a.connectedLinks() == 1 && b.connectedLinks() == 1
	}, waitFor, tick)
	return key, a, b
}

func TestMesh_PeerDepartureClosesLink(t *testing.T) {
	key, a, _ := joinedPair(t)

	a.orch.HandleEvent(membersEvent(key, "", "bob", "alice"))

	require.Eventually(t, func() bool {
		return len(a.orch.Links()) == 0
	}, waitFor, tick)
	assert.True(t, a.factory.link("bob").isClosed())
	// Still in the channel, so local media stays live.
	assert.Zero(t, a.factory.releases())
}

func TestMesh_LeaveChannelReleasesEverything(t *testing.T) {
	_, a, _ := joinedPair(t)

	require.NoError(t, a.orch.LeaveChannel())
	assert.Equal(t, 1, a.sig.count(protocol.KindLeave))
	assert.Empty(t, a.orch.Links())
	assert.True(t, a.factory.link("bob").isClosed())
	assert.Equal(t, 1, a.factory.releases())

	// Leaving again is a no-op.
	require.NoError(t, a.orch.LeaveChannel())
	assert.Equal(t, 1, a.sig.count(protocol.KindLeave))
	assert.Equal(t, 1, a.factory.releases())
}

func TestMesh_StartCallFromChannelLeavesFirst(t *testing.T) {
	key, a, b := joinedPair(t)

	require.NoError(t, a.orch.StartCall(context.Background(), "carol"))

	// The channel context must be vacated server-side, not just locally:
	// without the leave the member set would list a ghost forever.
	assert.Equal(t, 1, a.sig.count(protocol.KindLeave))
	assert.Equal(t, 1, a.sig.count(protocol.KindCall))
	assert.Empty(t, a.orch.Links())
	assert.Equal(t, 1, a.factory.releases())

	// The co-member learns through the relay's left event and drops its link.
	b.orch.HandleEvent(membersEvent(key, "", "alice", "bob"))
	require.Eventually(t, func() bool { return len(b.orch.Links()) == 0 }, waitFor, tick)
}

func TestMesh_AcceptCallFromChannelLeavesFirst(t *testing.T) {
	_, a, _ := joinedPair(t)

	a.orch.HandleEvent(&protocol.Envelope{Kind: protocol.KindIncomingCall, Sender: "carol"})
	require.NoError(t, a.orch.AcceptCall(context.Background(), "carol"))

	assert.Equal(t, 1, a.sig.count(protocol.KindLeave))
	assert.Equal(t, 1, a.sig.count(protocol.KindAccept))
	assert.Empty(t, a.orch.Links())
}

func TestMesh_JoinChannelFromCallHangsUpFirst(t *testing.T) {
	h := newHub()
	a := newTestPeer(t, h, "alice")
	b := newTestPeer(t, h, "bob")

	require.NoError(t, a.orch.StartCall(context.Background(), "bob"))
	require.Eventually(t, func() bool { return b.events.gotIncoming("alice") }, waitFor, tick)
	require.NoError(t, b.orch.AcceptCall(context.Background(), "alice"))
	require.Eventually(t, func() bool { return a.connectedLinks() == 1 }, waitFor, tick)

	key := domain.ChannelKey{Scope: "srv", Channel: "general"}
	require.NoError(t, a.orch.JoinChannel(context.Background(), key))

	assert.Equal(t, 1, a.sig.count(protocol.KindHangup))
	assert.Equal(t, 1, a.sig.count(protocol.KindJoin))
	assert.Empty(t, a.orch.Links())
}

func TestMesh_RejoinCurrentChannelKeepsLinks(t *testing.T) {
	key, a, _ := joinedPair(t)

	require.NoError(t, a.orch.JoinChannel(context.Background(), key))

	// No second join, no teardown: the negotiated links and media survive.
	assert.Equal(t, 1, a.sig.count(protocol.KindJoin))
	assert.Equal(t, 1, a.connectedLinks())
	assert.Equal(t, 1, a.factory.acquires())
	assert.Zero(t, a.factory.releases())
}

func TestMesh_CallerInitiatesOnlyAfterAccept(t *testing.T) {
	h := newHub()
	a := newTestPeer(t, h, "alice")
	b := newTestPeer(t, h, "bob")

	require.NoError(t, a.orch.StartCall(context.Background(), "bob"))
	require.Eventually(t, func() bool {
		return b.events.gotIncoming("alice")
	}, waitFor, tick)
	// Ringing: no negotiation yet toward a callee that has not agreed.
	assert.Zero(t, a.sig.count(protocol.KindOffer))

	require.NoError(t, b.orch.AcceptCall(context.Background(), "alice"))
	require.Eventually(t, func() bool {
		return a.connectedLinks() == 1 && b.connectedLinks() == 1
	}, waitFor, tick)
	assert.Equal(t, []domain.Identity{"bob"}, a.sig.targetsOf(protocol.KindOffer))
	assert.Zero(t, b.sig.count(protocol.KindOffer))

	require.NoError(t, a.orch.EndCall())
	assert.Equal(t, 1, a.sig.count(protocol.KindHangup))
	assert.Empty(t, a.orch.Links())
	assert.Equal(t, 1, a.factory.releases())

	// The relay turns the hangup into a call_ended at the peer.
	b.orch.HandleEvent(&protocol.Envelope{Kind: protocol.KindCallEnded, Sender: "alice"})
	require.Eventually(t, func() bool {
		return b.events.endedCount() == 1 && len(b.orch.Links()) == 0
	}, waitFor, tick)
	assert.Equal(t, 1, b.factory.releases())
}

func TestMesh_RejectedCallReleasesCallerMedia(t *testing.T) {
	h := newHub()
	a := newTestPeer(t, h, "alice")
	b := newTestPeer(t, h, "bob")

	require.NoError(t, a.orch.StartCall(context.Background(), "bob"))
	require.Eventually(t, func() bool {
		return b.events.gotIncoming("alice")
	}, waitFor, tick)

	require.NoError(t, b.orch.RejectCall("alice"))
	require.Eventually(t, func() bool {
		return a.events.rejectedCount() == 1
	}, waitFor, tick)
	assert.Empty(t, a.orch.Links())
	assert.Equal(t, 1, a.factory.releases())
	// Rejecting never touches the callee's media.
	assert.Zero(t, b.factory.acquires())
}

func TestMesh_MediaFailureAbortsBeforeSignaling(t *testing.T) {
	a := newTestPeer(t, nil, "alice")
	a.factory.acquireErr = fmt.Errorf("no capture device")

	err := a.orch.JoinChannel(context.Background(), domain.ChannelKey{Scope: "srv", Channel: "general"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeMediaUnavailable, errors.CodeOf(err))

	err = a.orch.StartCall(context.Background(), "bob")
	require.Error(t, err)
	assert.Equal(t, errors.CodeMediaUnavailable, errors.CodeOf(err))

	err = a.orch.AcceptCall(context.Background(), "bob")
	require.Error(t, err)
	assert.Equal(t, errors.CodeMediaUnavailable, errors.CodeOf(err))

	assert.Zero(t, a.sig.total())
}

func TestMesh_OfferOutsideContextIgnored(t *testing.T) {
	a := newTestPeer(t, nil, "alice")
	key := domain.ChannelKey{Scope: "srv", Channel: "general"}
	require.NoError(t, a.orch.JoinChannel(context.Background(), key))

	// Wrong channel and direct-call offers while in a voice channel.
	a.orch.HandleEvent(&protocol.Envelope{
		Kind: protocol.KindOffer, Sender: "mallory",
		Scope: "srv", Channel: "other", Payload: json.RawMessage(`{}`),
	})
	a.orch.HandleEvent(&protocol.Envelope{
		Kind: protocol.KindOffer, Sender: "mallory", Payload: json.RawMessage(`{}`),
	})

	// Links() drains the queue behind both events.
	assert.Empty(t, a.orch.Links())
	assert.Zero(t, a.sig.count(protocol.KindAnswer))
}

func TestMesh_CandidatesParkedUntilDescriptionsExchanged(t *testing.T) {
	a := newTestPeer(t, nil, "alice")
	gate := make(chan struct{})
	a.factory.offerGate = gate
	key := domain.ChannelKey{Scope: "srv", Channel: "general"}
	require.NoError(t, a.orch.JoinChannel(context.Background(), key))

	a.orch.HandleEvent(membersEvent(key, "bob", "", "alice", "bob"))
	require.Eventually(t, func() bool {
		return a.factory.link("bob") != nil
	}, waitFor, tick)

	// The offer is still being prepared; a trickled candidate must not hit
	// the transport yet.
	a.orch.HandleEvent(&protocol.Envelope{
		Kind: protocol.KindCandidate, Sender: "bob", Payload: json.RawMessage(`{"candidate":"c1"}`),
	})
	require.Len(t, a.orch.Links(), 1) // Links drains the queue behind the event
	assert.Zero(t, a.factory.link("bob").candidateCount())

	close(gate)
	require.Eventually(t, func() bool {
		return a.sig.count(protocol.KindOffer) == 1
	}, waitFor, tick)

	a.orch.HandleEvent(&protocol.Envelope{
		Kind: protocol.KindAnswer, Sender: "bob", Payload: json.RawMessage(`{"type":"answer"}`),
	})
	require.Eventually(t, func() bool {
		return a.connectedLinks() == 1 && a.factory.link("bob").candidateCount() == 1
	}, waitFor, tick)
}
