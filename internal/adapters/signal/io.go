package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avei/concord/internal/core"
	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/protocol"
)

const writeWait = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(ctl.Cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Info().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump processes the inbound command stream sequentially: commands from
// one connection never race each other. Its exit triggers the full
// disconnect cascade.
func (ctl *Controller) readPump(ctx context.Context, id domain.Identity, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("identity", string(id)).Msg("readPump closing")
		ctl.Orch.Disconnect(id, c)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("identity", string(id)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("identity", string(id)).Msg("readPump read error")
				return
			}
			ctl.handleCommand(id, c, data)
		}
	}
}

func (ctl *Controller) handleCommand(id domain.Identity, c *wsConn, data []byte) {
	env, err := protocol.Parse(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("identity", string(id)).Msg("bad command")
		ctl.sendEnv(c, protocol.ErrorEnvelope(err))
		return
	}

	switch env.Kind {
	case protocol.KindJoin:
		ctl.handleJoin(id, c, env)
	case protocol.KindLeave:
		ctl.handleLeave(id)
	case protocol.KindMute:
		ctl.handleMute(id, env)
	case protocol.KindCall:
		ctl.handleCall(id, c, env)
	case protocol.KindAccept:
		ctl.handleAccept(id, c, env)
	case protocol.KindReject:
		ctl.handleReject(id, c, env)
	case protocol.KindHangup:
		ctl.handleHangup(id)
	case protocol.KindOffer, protocol.KindAnswer, protocol.KindCandidate:
		ctl.handleRelay(id, c, env)
	case protocol.KindPing:
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("type", string(env.Kind)).Msg("unknown signal")
	}
}

func (ctl *Controller) sendEnv(c *wsConn, env *protocol.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendEnv marshal")
		return
	}
	_ = c.TrySend(core.Frame(b))
}
