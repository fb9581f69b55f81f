package endpoint

import "errors"

var (
	// ErrPeerUnset is returned by Send when called before the peer endpoint
	// has been assigned via SetPeer (spec.md §4.2).
	ErrPeerUnset = errors.New("endpoint: peer not set")

	// ErrPeerAlreadySet is returned by SetPeer on a second call; the peer
	// endpoint is assigned exactly once (spec.md §3 invariant).
	ErrPeerAlreadySet = errors.New("endpoint: peer already set")

	// ErrClosed is returned by Recv/Send once the underlying socket has
	// been closed, letting pump loops exit cleanly.
	ErrClosed = errors.New("endpoint: closed")
)
