// Package endpoint owns the one UDP socket a tunnel peer uses for both STUN
// keepalive and the peer-to-peer channel, and drives the hole-punch state
// machine against it (spec.md §4.2).
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodebridge/p2ptun/pkg/natprobe"
)

const recvBufferSize = 4096

// Endpoint is the sole owner of socket S. It is safe for concurrent Send and
// Recv calls, matching the documented semantics of net.UDPConn on the
// platforms this tunnel targets (spec.md §5).
type Endpoint struct {
	conn     *net.UDPConn
	nodeID   string
	stunAddr *net.UDPAddr
	log      *logrus.Entry

	peerMu sync.RWMutex
	peer   *net.UDPAddr

	confirmed   chan struct{}
	confirmOnce sync.Once

	state   State
	stateMu sync.RWMutex

	keepaliveStop chan struct{}
	keepaliveDone chan struct{}

	syncMu       sync.Mutex
	syncOverride *time.Time

	closeOnce sync.Once
}

// New wraps an already-bound UDP socket. It immediately starts the
// NAT-mapping keepalive and the peer-confirmation receiver task — both run
// "from the moment the endpoint is created" per spec.md §4.2, independent of
// whether SetPeer has been called yet.
func New(conn *net.UDPConn, nodeID string, stunAddr *net.UDPAddr, log *logrus.Entry) *Endpoint {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	e := &Endpoint{
		conn:          conn,
		nodeID:        nodeID,
		stunAddr:      stunAddr,
		log:           log.WithField("component", "endpoint"),
		confirmed:     make(chan struct{}),
		state:         StateIdle,
		keepaliveStop: make(chan struct{}),
		keepaliveDone: make(chan struct{}),
	}

	e.applyLowDelayTOS()

	go e.keepaliveLoop()
	go e.receiverLoop()

	return e
}

// LocalAddr returns the address the socket is bound to.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// NodeID returns this endpoint's published identifier.
func (e *Endpoint) NodeID() string {
	return e.nodeID
}

// SetPeer assigns the peer endpoint exactly once (spec.md §3 invariant).
func (e *Endpoint) SetPeer(addr *net.UDPAddr) error {
	e.peerMu.Lock()
	defer e.peerMu.Unlock()
	if e.peer != nil {
		return ErrPeerAlreadySet
	}
	e.peer = addr
	return nil
}

// Peer returns the assigned peer address, or nil if unset.
func (e *Endpoint) Peer() *net.UDPAddr {
	e.peerMu.RLock()
	defer e.peerMu.RUnlock()
	return e.peer
}

// PeerConfirmed reports whether a PUNCH or ACK has ever been observed from
// the peer. It is monotonic: once true, it never reverts (spec.md §3).
func (e *Endpoint) PeerConfirmed() bool {
	select {
	case <-e.confirmed:
		return true
	default:
		return false
	}
}

func (e *Endpoint) markConfirmed() {
	e.confirmOnce.Do(func() { close(e.confirmed) })
}

// Send transmits data to the configured peer.
func (e *Endpoint) Send(data []byte) error {
	peer := e.Peer()
	if peer == nil {
		return ErrPeerUnset
	}
	_, err := e.conn.WriteToUDP(data, peer)
	if err != nil && errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

// Recv blocks for at most timeout waiting for one datagram. On a datagram it
// invokes handler(data, from); on timeout it returns nil without calling
// handler; on a transient transport error it logs and returns nil so the
// caller's loop re-enters (spec.md §4.2, §5). It returns ErrClosed once the
// socket has been closed, so pump loops can stop.
func (e *Endpoint) Recv(handler func(data []byte, from *net.UDPAddr), timeout time.Duration) error {
	if err := e.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		e.log.WithError(err).Debug("recv: failed to set read deadline")
		return nil
	}

	buf := make([]byte, recvBufferSize)
	n, from, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		// ConnectionReset and other transient recv errors are recoverable:
		// log and let the caller re-enter its loop (spec.md §5, §7).
		e.log.WithError(err).Debug("recv: transient error, continuing")
		return nil
	}

	handler(buf[:n], from)
	return nil
}

// Close closes the socket and stops the keepalive task. Blocked Recv/Send
// calls unblock with ErrClosed.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.stopKeepalive()
		err = e.conn.Close()
		<-e.keepaliveDone
	})
	return err
}

// receiverLoop is the dedicated receiver task of spec.md §4.2: it runs from
// construction until peer_confirmed, accepting only datagrams whose source
// equals the assigned peer, and recognizing the PUNCH/ACK markers.
func (e *Endpoint) receiverLoop() {
	for !e.PeerConfirmed() {
		err := e.Recv(e.handlePunchDatagram, 300*time.Millisecond)
		if errors.Is(err, ErrClosed) {
			return
		}
	}
}

func (e *Endpoint) handlePunchDatagram(data []byte, from *net.UDPAddr) {
	peer := e.Peer()
	if peer == nil || from.String() != peer.String() {
		if natprobe.IsSTUNMessage(data) {
			e.log.Trace("receiver: dropped STUN-shaped datagram from non-peer source")
		}
		return
	}

	text := string(data)
	switch {
	case containsToken(text, "PUNCH"):
		e.log.WithField("from", from).Debug("received PUNCH from peer")
		ack := []byte(fmt.Sprintf("ACK from %s", e.nodeID))
		if _, err := e.conn.WriteToUDP(ack, from); err != nil {
			e.log.WithError(err).Warn("failed to send ACK")
		}
		e.markConfirmed()
	case containsToken(text, "ACK"):
		e.log.WithField("from", from).Debug("received ACK from peer")
		e.markConfirmed()
	}
}

// containsToken is a plain substring match, not the tightened prefix/token
// discriminator session.Classify uses (spec.md §9 open question 2): a
// substring match is enough for these short, fixed markers because they
// never collide with the session multiplexer's own control tokens
// (CONNECT/CONNECT_ACK/DISCONNECT/HEARTBEAT).
func containsToken(s, token string) bool {
	for i := 0; i+len(token) <= len(s); i++ {
		if s[i:i+len(token)] == token {
			return true
		}
	}
	return false
}
