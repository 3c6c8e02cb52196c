package signal

import "github.com/avei/concord/internal/protocol"

func (ctl *Controller) handlePing(conn *wsConn) {
	ctl.sendEnv(conn, &protocol.Envelope{Kind: protocol.KindPong})
}
