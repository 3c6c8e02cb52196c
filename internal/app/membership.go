package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/protocol"
)

// channelRecord owns one voice channel's member set. Mutations and the
// events they produce happen under the record mutex, so every recipient
// observes membership snapshots of a given channel in mutation order.
type channelRecord struct {
	key domain.ChannelKey

	mu      sync.Mutex
	members []domain.Identity
	defunct bool // set when the emptied record is dropped from the table
}

func (c *channelRecord) indexLocked(id domain.Identity) int {
	for i, m := range c.members {
		if m == id {
			return i
		}
	}
	return -1
}

func (c *channelRecord) snapshotLocked() []domain.Identity {
	out := make([]domain.Identity, len(c.members))
	copy(out, c.members)
	return out
}

// MembershipTable maps voice channels to their occupants and enforces the
// single-membership invariant: an identity occupies at most one channel.
// The table mutex guards only the maps; fan-out serializes per channel key.
// Lock order is table -> record, never the reverse.
type MembershipTable struct {
	notify Notifier

	mu         sync.Mutex
	channels   map[domain.ChannelKey]*channelRecord
	byIdentity map[domain.Identity]domain.ChannelKey
}

func NewMembershipTable(notify Notifier) *MembershipTable {
	return &MembershipTable{
		notify:     notify,
		channels:   make(map[domain.ChannelKey]*channelRecord),
		byIdentity: make(map[domain.Identity]domain.ChannelKey),
	}
}

// Join moves the identity into the target channel, vacating any prior
// channel first, and returns the target's full member set. Members of the
// target (joiner included) receive a membership event carrying the delta
// and the full list; remaining members of a vacated channel receive the
// matching left event.
func (t *MembershipTable) Join(id domain.Identity, key domain.ChannelKey) []domain.Identity {
	t.mu.Lock()
	prior, had := t.byIdentity[id]
	if had && prior == key {
		// Rejoining the current channel is idempotent: no delta, no events.
		rec := t.channels[key]
		t.mu.Unlock()
		if rec == nil {
			return nil
		}
		rec.mu.Lock()
		snap := rec.snapshotLocked()
		rec.mu.Unlock()
		return snap
	}
	t.byIdentity[id] = key
	t.mu.Unlock()

	if had {
		t.removeFrom(prior, id)
	}
	snap := t.addTo(key, id)
	log.Info().Str("module", "app.membership").
		Str("identity", string(id)).Str("channel", key.String()).
		Int("members", len(snap)).Msg("joined voice channel")
	return snap
}

// Leave removes the identity from its current channel, if any. No-op and
// false when the identity occupies no channel.
func (t *MembershipTable) Leave(id domain.Identity) bool {
	t.mu.Lock()
	key, ok := t.byIdentity[id]
	if ok {
		delete(t.byIdentity, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.removeFrom(key, id)
	log.Info().Str("module", "app.membership").
		Str("identity", string(id)).Str("channel", key.String()).Msg("left voice channel")
	return true
}

// MembersOf returns the channel's current member set.
func (t *MembershipTable) MembersOf(key domain.ChannelKey) []domain.Identity {
	t.mu.Lock()
	rec := t.channels[key]
	t.mu.Unlock()
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshotLocked()
}

// ChannelOf returns the channel the identity currently occupies.
func (t *MembershipTable) ChannelOf(id domain.Identity) (domain.ChannelKey, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.byIdentity[id]
	return key, ok
}

func (t *MembershipTable) addTo(key domain.ChannelKey, id domain.Identity) []domain.Identity {
	for {
		t.mu.Lock()
		rec := t.channels[key]
		if rec == nil {
			rec = &channelRecord{key: key}
			t.channels[key] = rec
		}
		t.mu.Unlock()

		rec.mu.Lock()
		if rec.defunct {
			// Lost a race against the last leaver; the record is gone
			// from the table, take a fresh one.
			rec.mu.Unlock()
			continue
		}
		if rec.indexLocked(id) < 0 {
			rec.members = append(rec.members, id)
		}
		snap := rec.snapshotLocked()
		ev := &protocol.Envelope{
			Kind:    protocol.KindMembers,
			Scope:   key.Scope,
			Channel: key.Channel,
			Joined:  id,
			Members: snap,
		}
		for _, m := range snap {
			t.notify.Notify(m, ev)
		}
		rec.mu.Unlock()
		return snap
	}
}

func (t *MembershipTable) removeFrom(key domain.ChannelKey, id domain.Identity) {
	t.mu.Lock()
	rec := t.channels[key]
	t.mu.Unlock()
	if rec == nil {
		return
	}

	rec.mu.Lock()
	i := rec.indexLocked(id)
	if rec.defunct || i < 0 {
		rec.mu.Unlock()
		return
	}
	rec.members = append(rec.members[:i], rec.members[i+1:]...)
	empty := len(rec.members) == 0
	if empty {
		rec.defunct = true
	} else {
		snap := rec.snapshotLocked()
		ev := &protocol.Envelope{
			Kind:    protocol.KindMembers,
			Scope:   key.Scope,
			Channel: key.Channel,
			Left:    id,
			Members: snap,
		}
		for _, m := range snap {
			t.notify.Notify(m, ev)
		}
	}
	rec.mu.Unlock()

	if empty {
		t.mu.Lock()
		if t.channels[key] == rec {
			delete(t.channels, key)
		}
		t.mu.Unlock()
	}
}
