package domain

type (
	ScopeID   string
	ChannelID string
)

// ChannelKey identifies a many-party voice room: a channel within a scope
// (a "server" in the chat product's terms). Comparable, used as a map key.
type ChannelKey struct {
	Scope   ScopeID
	Channel ChannelID
}

func (k ChannelKey) String() string {
	return string(k.Scope) + "/" + string(k.Channel)
}

// Zero reports whether the key is unset.
func (k ChannelKey) Zero() bool {
	return k.Scope == "" && k.Channel == ""
}
