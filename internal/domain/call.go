package domain

// CallState is the lifecycle of a direct call between two identities.
// A session is created in CallRinging and removed entirely on end, so
// there is no explicit idle state.
type CallState int

const (
	CallRinging CallState = iota
	CallConnected
)

func (s CallState) String() string {
	switch s {
	case CallRinging:
		return "ringing"
	case CallConnected:
		return "connected"
	}
	return "unknown"
}

// CallSession is a read-only view of one direct call. Caller ordering is
// preserved so the accepting side can tell who must initiate negotiation.
type CallSession struct {
	Caller Identity
	Callee Identity
	State  CallState
}

// Peer returns the other party of the session.
func (s CallSession) Peer(self Identity) Identity {
	if s.Caller == self {
		return s.Callee
	}
	return s.Caller
}
