package core

// Frame is a marshaled signal envelope ready for transport.
type Frame []byte

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend queues a frame without blocking; it fails when the peer's
	// send buffer is full or the connection is closed.
	TrySend(Frame) error
	Close()
}
