package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/protocol"
	"github.com/avei/concord/pkg/errors"
)

func (ctl *Controller) handleJoin(id domain.Identity, c *wsConn, env *protocol.Envelope) {
	if !ctl.attempts.Allow(id) {
		ctl.sendEnv(c, protocol.ErrorEnvelope(errors.New(errors.CodeRateLimited, "too many join attempts")))
		return
	}
	key, _ := env.ChannelKey()
	log.Info().Str("module", "signal").
		Str("identity", string(id)).Str("channel", key.String()).Msg("join")

	// The joiner gets the full member set through the membership event the
	// table emits to every member, itself included.
	ctl.Orch.Join(id, key)
}

func (ctl *Controller) handleLeave(id domain.Identity) {
	log.Info().Str("module", "signal").Str("identity", string(id)).Msg("leave")
	ctl.Orch.Leave(id)
}

func (ctl *Controller) handleMute(id domain.Identity, env *protocol.Envelope) {
	ctl.Orch.SetMute(id, *env.Muted)
}
