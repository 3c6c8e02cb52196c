package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/avei/concord/internal/core"
	"github.com/avei/concord/internal/domain"
	"github.com/avei/concord/internal/protocol"
	"github.com/avei/concord/pkg/errors"
)

// Relay forwards negotiation envelopes to their addressed target. It is
// stateless: it never inspects the payload and never validates that sender
// and target share a context — a receiver that gets a message for a context
// it does not recognize ignores it.
type Relay struct {
	reg *Registry
}

func NewRelay(reg *Registry) *Relay {
	return &Relay{reg: reg}
}

// Forward rewrites the envelope's addressing (sender stamped, target
// stripped) and queues it on the target's connection. Fails with
// TargetUnreachable when the target has no live connection.
func (r *Relay) Forward(sender domain.Identity, env *protocol.Envelope) error {
	target := env.Target
	sc, ok := r.reg.Lookup(target)
	if !ok {
		return errors.TargetUnreachable("no live connection for " + string(target))
	}

	out := *env
	out.Sender = sender
	out.Target = ""

	b, err := json.Marshal(&out)
	if err != nil {
		return errors.Wrap(errors.CodeBadPayload, "marshal relayed envelope", err)
	}
	if err := sc.TrySend(core.Frame(b)); err != nil {
		// The target exists but cannot keep up; from the sender's side this
		// is the same failure as an unreachable target.
		log.Warn().Str("module", "app.relay").
			Str("sender", string(sender)).Str("target", string(target)).
			Str("kind", string(env.Kind)).Err(err).Msg("relay dropped frame")
		return errors.Wrap(errors.CodeTargetUnreachable, "target connection saturated", err)
	}
	log.Debug().Str("module", "app.relay").
		Str("sender", string(sender)).Str("target", string(target)).
		Str("kind", string(env.Kind)).Msg("relayed")
	return nil
}
