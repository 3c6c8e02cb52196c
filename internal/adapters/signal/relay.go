package signal

import (
	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/protocol"
)

// handleRelay forwards offer/answer/candidate envelopes by addressed target.
// A delivery failure is surfaced to the sender as an error event so it can
// give up on the peer instead of waiting on a dead negotiation.
func (ctl *Controller) handleRelay(id domain.Identity, c *wsConn, env *protocol.Envelope) {
	if err := ctl.Orch.Relay.Forward(id, env); err != nil {
		ctl.sendEnv(c, protocol.ErrorEnvelope(err))
	}
}
