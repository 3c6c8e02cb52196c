package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/protocol"
	"github.com/avei/concord/pkg/errors"
)

func (ctl *Controller) handleCall(id domain.Identity, c *wsConn, env *protocol.Envelope) {
	if !ctl.attempts.Allow(id) {
		ctl.sendEnv(c, protocol.ErrorEnvelope(errors.New(errors.CodeRateLimited, "too many call attempts")))
		return
	}
	if err := ctl.Orch.StartCall(id, env.Target); err != nil {
		log.Info().Str("module", "signal").
			Str("caller", string(id)).Str("callee", string(env.Target)).
			Err(err).Msg("call rejected by state machine")
		ctl.sendEnv(c, protocol.ErrorEnvelope(err))
	}
}

func (ctl *Controller) handleAccept(id domain.Identity, c *wsConn, env *protocol.Envelope) {
	if err := ctl.Orch.AcceptCall(id, env.Target); err != nil {
		// Stale or duplicate accept; tell the sender, never fatal.
		ctl.sendEnv(c, protocol.ErrorEnvelope(err))
	}
}

func (ctl *Controller) handleReject(id domain.Identity, c *wsConn, env *protocol.Envelope) {
	if err := ctl.Orch.RejectCall(id, env.Target); err != nil {
		ctl.sendEnv(c, protocol.ErrorEnvelope(err))
	}
}

func (ctl *Controller) handleHangup(id domain.Identity) {
	if !ctl.Orch.EndCall(id) {
		log.Debug().Str("module", "signal").Str("identity", string(id)).Msg("hangup with no call")
	}
}
