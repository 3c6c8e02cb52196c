package app

import (
	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/protocol"
)

// Notifier delivers an event envelope to one identity's live connection.
// Delivery is best effort: an unreachable or backpressured recipient is the
// recipient's problem, never the mutating caller's.
type Notifier interface {
	Notify(to domain.Identity, env *protocol.Envelope)
}
