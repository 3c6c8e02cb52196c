package app

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avei/concord/internal/core"
	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/protocol"
)

// recNotifier records every event per recipient, in delivery order.
type recNotifier struct {
	mu     sync.Mutex
	events map[domain.Identity][]*protocol.Envelope
}

func newRecNotifier() *recNotifier {
	return &recNotifier{events: make(map[domain.Identity][]*protocol.Envelope)}
}

func (n *recNotifier) Notify(to domain.Identity, env *protocol.Envelope) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := *env
	n.events[to] = append(n.events[to], &cp)
}

func (n *recNotifier) eventsFor(to domain.Identity) []*protocol.Envelope {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*protocol.Envelope(nil), n.events[to]...)
}

func (n *recNotifier) lastFor(to domain.Identity) *protocol.Envelope {
	evs := n.eventsFor(to)
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

// fakeConn is an in-memory core.SignalConnection.
type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
	fail   bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("backpressure")
	}
	if c.closed {
		return errors.New("connection closed")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) envelopes(t *testing.T) []*protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, &env)
	}
	return out
}

func (c *fakeConn) lastEnvelope(t *testing.T) *protocol.Envelope {
	t.Helper()
	evs := c.envelopes(t)
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

func chanKey(scope, channel string) domain.ChannelKey {
	return domain.ChannelKey{Scope: domain.ScopeID(scope), Channel: domain.ChannelID(channel)}
}
