package signal

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avei/concord/internal/app"
	"github.com/avei/concord/internal/config"
	"github.com/avei/concord/internal/core"
	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/protocol"
	"github.com/avei/concord/pkg/errors"
)

var (
	ErrBackpressure = errors.New(errors.CodeBackpressure, "send buffer full")
	ErrConnClosed   = errors.New(errors.CodeNotConnected, "connection closed")
)

// Controller owns the signaling WebSocket endpoint: upgrades, pumps, and
// per-command dispatch into the orchestrator.
type Controller struct {
	Orch     *app.Orchestrator
	Cfg      *config.Config
	attempts *AttemptLimiter
}

func NewController(orch *app.Orchestrator, cfg *config.Config) *Controller {
	return &Controller{
		Orch:     orch,
		Cfg:      cfg,
		attempts: NewAttemptLimiter(cfg.AttemptLimit, cfg.AttemptWindow),
	}
}

// wsConn adapts a gorilla connection to core.SignalConnection with a
// bounded, non-blocking send queue.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection until either
// side goes away. Registration here is the "connection-established" event
// the core consumes; the readPump's exit is "connection-terminated".
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	id := domain.Identity(c.GetString("identity"))
	log.Info().Str("module", "signal").Str("identity", string(id)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.Cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Cfg.ReadLimit)
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan core.Frame, 64),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(id, conn, cancel)

	// Tell the client which identity it signals as (the mesh needs it for
	// the glare tie-break) and which STUN servers to use.
	ctl.sendEnv(conn, &protocol.Envelope{
		Kind:        protocol.KindReady,
		Identity:    id,
		StunServers: ctl.Cfg.StunServers,
	})

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, id, conn)
}
