package p2p

import "fastp2p/p2p/wire"

// MessageHandler defines any component that consumes envelopes read from
// identified connections. Handlers filter on msg.Protocol themselves.
type MessageHandler interface {
	HandleMessage(msg *wire.Message, peerID string)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(msg *wire.Message, peerID string)

// HandleMessage calls f(msg, peerID).
func (f MessageHandlerFunc) HandleMessage(msg *wire.Message, peerID string) {
	f(msg, peerID)
}

// PeerObserver is notified about registry transitions.
type PeerObserver interface {
	// PeerConnected fires after a connection identified and was registered.
	PeerConnected(id string)
	// PeerDisconnected fires when the registered connection for id closes.
	PeerDisconnected(id string)
	// PeerConnectFailed fires when an outbound attempt to id closed before
	// it could be registered.
	PeerConnectFailed(id string)
}
