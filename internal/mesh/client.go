package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/protocol"
)

// Client is the WebSocket transport between a mesh orchestrator and the
// signaling server. It implements Signaler.
type Client struct {
	conn *websocket.Conn
	self domain.Identity
	stun []string

	wmu    sync.Mutex
	closed bool
}

// Dial connects to the signaling endpoint and waits for the server's ready
// event, which carries the identity this connection signals as.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	// The ready event is the first frame the server sends.
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read ready event: %w", err)
	}
	if env.Kind != protocol.KindReady || env.Identity == "" {
		conn.Close()
		return nil, fmt.Errorf("expected ready event, got %q", env.Kind)
	}

	return &Client{conn: conn, self: env.Identity, stun: env.StunServers}, nil
}

// Self is the identity the server assigned to this connection.
func (c *Client) Self() domain.Identity { return c.self }

// StunServers is the STUN list the server advertised, possibly empty.
func (c *Client) StunServers() []string { return c.stun }

// Send implements Signaler. Safe for concurrent use.
func (c *Client) Send(env *protocol.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return fmt.Errorf("signaling connection closed")
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Pump reads server events and feeds them to the orchestrator until the
// connection drops or ctx is cancelled. Returns the read error that ended
// the loop; a server-initiated close is normal teardown, not a failure.
func (c *Client) Pump(ctx context.Context, o *Orchestrator) error {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "mesh.client").Msg("bad event frame")
			continue
		}
		o.HandleEvent(&env)
	}
}

func (c *Client) Close() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}
