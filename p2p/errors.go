package p2p

import "errors"

var (
	// ErrConnectionClosed is returned when sending on a connection that has
	// already been torn down.
	ErrConnectionClosed = errors.New("p2p: connection closed")
	// ErrQueueFull is returned when a connection's outbound queue is saturated.
	ErrQueueFull = errors.New("p2p: outbound queue full")
	// ErrTooManyConnections reports that the registry is at capacity.
	ErrTooManyConnections = errors.New("p2p: connection limit reached")
	// ErrTooManyDials reports that the in-flight dial limit is reached.
	ErrTooManyDials = errors.New("p2p: parallel dial limit reached")
	// ErrNodeStopped is returned by operations attempted after Stop.
	ErrNodeStopped = errors.New("p2p: node stopped")
	// ErrInvalidIdentify indicates an identify envelope without an id.
	ErrInvalidIdentify = errors.New("p2p: invalid identify payload")
)

// IsCapacityError reports whether err is an admission-control rejection.
func IsCapacityError(err error) bool {
	return errors.Is(err, ErrTooManyConnections) || errors.Is(err, ErrTooManyDials)
}
