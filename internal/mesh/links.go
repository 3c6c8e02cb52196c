package mesh

import (
	"encoding/json"

	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/protocol"
)

// initiateLink creates an initiator link toward remote and prepares its
// offer off-loop. ck is the voice channel context, nil for a direct call.
func (o *Orchestrator) initiateLink(remote domain.Identity, ck *domain.ChannelKey) {
	if _, exists := o.links[remote]; exists {
		return
	}
	link, err := o.factory.New(remote, o.candidateSender(remote))
	if err != nil {
		o.log.Error().Err(err).Str("remote", string(remote)).Msg("create link")
		return
	}
	pl := &peerLink{remote: remote, state: LinkOffering, link: link}
	o.links[remote] = pl
	o.events.OnLink(remote, LinkOffering)

	var key domain.ChannelKey
	if ck != nil {
		key = *ck
	}
	runCtx := o.runC
	go func() {
		payload, err := link.Offer(runCtx)
		o.post(func() { o.offerPrepared(pl, key, payload, err) })
	}()
}

func (o *Orchestrator) offerPrepared(pl *peerLink, key domain.ChannelKey, payload json.RawMessage, err error) {
	if o.links[pl.remote] != pl || pl.state != LinkOffering {
		// The link was torn down or replaced while the offer was being
		// prepared (leave, glare yield, remote gone). Nothing to send.
		return
	}
	if err != nil {
		o.log.Error().Err(err).Str("remote", string(pl.remote)).Msg("create offer")
		o.closeLink(pl.remote)
		return
	}
	if err := o.sig.Send(&protocol.Envelope{
		Kind:    protocol.KindOffer,
		Target:  pl.remote,
		Scope:   key.Scope,
		Channel: key.Channel,
		Payload: payload,
	}); err != nil {
		o.log.Error().Err(err).Str("remote", string(pl.remote)).Msg("send offer")
		o.closeLink(pl.remote)
	}
}

// answerLink creates a responder link for remote's offer and prepares the
// answer off-loop.
func (o *Orchestrator) answerLink(remote domain.Identity, offer json.RawMessage) {
	link, err := o.factory.New(remote, o.candidateSender(remote))
	if err != nil {
		o.log.Error().Err(err).Str("remote", string(remote)).Msg("create link")
		return
	}
	pl := &peerLink{remote: remote, state: LinkAnswering, link: link}
	o.links[remote] = pl
	o.events.OnLink(remote, LinkAnswering)

	runCtx := o.runC
	go func() {
		payload, err := link.Answer(runCtx, offer)
		o.post(func() { o.answerPrepared(pl, payload, err) })
	}()
}

func (o *Orchestrator) answerPrepared(pl *peerLink, payload json.RawMessage, err error) {
	if o.links[pl.remote] != pl || pl.state != LinkAnswering {
		return
	}
	if err != nil {
		o.log.Error().Err(err).Str("remote", string(pl.remote)).Msg("create answer")
		o.closeLink(pl.remote)
		return
	}
	if err := o.sig.Send(&protocol.Envelope{
		Kind:    protocol.KindAnswer,
		Target:  pl.remote,
		Payload: payload,
	}); err != nil {
		o.log.Error().Err(err).Str("remote", string(pl.remote)).Msg("send answer")
		o.closeLink(pl.remote)
		return
	}
	pl.state = LinkConnected
	o.flushCandidates(pl)
	o.events.OnLink(pl.remote, LinkConnected)
	o.log.Info().Str("remote", string(pl.remote)).Msg("link connected (responder)")
}

// candidateSender forwards trickled local candidates to remote. Runs on
// transport goroutines, hence only the thread-safe Signaler is touched.
func (o *Orchestrator) candidateSender(remote domain.Identity) func(json.RawMessage) {
	return func(cand json.RawMessage) {
		if err := o.sig.Send(&protocol.Envelope{
			Kind:    protocol.KindCandidate,
			Target:  remote,
			Payload: cand,
		}); err != nil {
			o.log.Warn().Err(err).Str("remote", string(remote)).Msg("send candidate")
		}
	}
}

// closeLink destroys the link to remote. Idempotent.
func (o *Orchestrator) closeLink(remote domain.Identity) {
	pl := o.links[remote]
	if pl == nil {
		return
	}
	delete(o.links, remote)
	pl.state = LinkClosed
	pl.pending = nil
	if err := pl.link.Close(); err != nil {
		o.log.Warn().Err(err).Str("remote", string(remote)).Msg("close link")
	}
	o.events.OnLink(remote, LinkClosed)
}

// teardown releases every context-bound resource: all links and the local
// media. Runs on every exit path (leave, hangup, rejection, disconnect,
// loop shutdown) and is idempotent.
func (o *Orchestrator) teardown() {
	for remote := range o.links {
		o.closeLink(remote)
	}
	if o.release != nil {
		o.release()
		o.release = nil
	}
	o.mode = ctxNone
	o.channel = domain.ChannelKey{}
	o.callPeer = ""
	o.caller = false
	o.ringing = false
}
