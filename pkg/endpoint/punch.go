package endpoint

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"
)

// State is the hole-punch state machine of spec.md §4.2.1.
type State int

const (
	StateIdle State = iota
	StateWaitingSync
	StateSending
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingSync:
		return "waiting_sync"
	case StateSending:
		return "sending"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	punchInterval    = 200 * time.Millisecond
	punchIterations  = 180
	punchOverallWait = 30 * time.Second
	syncGrid         = 10 * time.Second
)

// State returns the punch state machine's current state, for diagnostics.
func (e *Endpoint) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Endpoint) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// SetSyncOverride pins the punch burst's synchronization point to an
// operator-supplied absolute instant instead of the next 10-second
// wall-clock boundary (spec.md §4.2.1, §9 open question 3). Both mechanisms
// are supported; this is the external-collaborator CLI hook that chooses
// between them.
func (e *Endpoint) SetSyncOverride(t time.Time) {
	e.syncMu.Lock()
	e.syncOverride = &t
	e.syncMu.Unlock()
}

func (e *Endpoint) syncPoint() time.Time {
	e.syncMu.Lock()
	override := e.syncOverride
	e.syncMu.Unlock()
	if override != nil {
		return *override
	}

	now := time.Now()
	return now.Truncate(syncGrid).Add(syncGrid)
}

// Punch runs the IDLE → WAITING_SYNC → SENDING → (DONE | FAILED) state
// machine of spec.md §4.2.1. It reports success only if peer_confirmed
// became true within 30s of entry. The wait for the synchronization point
// is not cut short by that deadline, so with a sync override more than 30s
// away Punch blocks until that instant and then fails unless the peer was
// already confirmed.
func (e *Endpoint) Punch() (bool, error) {
	peer := e.Peer()
	if peer == nil {
		return false, ErrPeerUnset
	}

	deadline := time.Now().Add(punchOverallWait)

	e.setState(StateWaitingSync)
	wait := time.Until(e.syncPoint())
	if wait > 0 {
		e.log.WithField("wait", wait).Info("punch: waiting for synchronization point")
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-e.confirmed:
			timer.Stop()
		}
	}

	if e.PeerConfirmed() {
		e.setState(StateDone)
		e.stopKeepalive()
		return true, nil
	}

	e.setState(StateSending)
	stopBurst := make(chan struct{})
	burstDone := make(chan struct{})
	go func() {
		defer close(burstDone)
		e.sendPunchBurst(peer, stopBurst)
	}()

	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}

	select {
	case <-e.confirmed:
		close(stopBurst)
		<-burstDone
		e.setState(StateDone)
		e.stopKeepalive()
		return true, nil
	case <-time.After(remaining):
		close(stopBurst)
		<-burstDone
		e.setState(StateFailed)
		return false, fmt.Errorf("endpoint: punch timed out after %s waiting for peer %s", punchOverallWait, peer)
	}
}

// sendPunchBurst transmits "PUNCH from <node_id>" once every 200ms for up to
// 180 iterations (~36s), stopping early on stop or peer_confirmed
// (spec.md §4.2.1).
func (e *Endpoint) sendPunchBurst(peer *net.UDPAddr, stop <-chan struct{}) {
	payload := []byte(fmt.Sprintf("PUNCH from %s", e.nodeID))
	limiter := rate.NewLimiter(rate.Every(punchInterval), 1)

	for i := 0; i < punchIterations; i++ {
		if e.PeerConfirmed() {
			return
		}
		select {
		case <-stop:
			return
		default:
		}

		reservation := limiter.Reserve()
		if !reservation.OK() {
			return
		}
		select {
		case <-time.After(reservation.Delay()):
		case <-stop:
			reservation.Cancel()
			return
		case <-e.confirmed:
			reservation.Cancel()
			return
		}

		if _, err := e.conn.WriteToUDP(payload, peer); err != nil {
			e.log.WithError(err).Debug("punch: send failed")
		}
	}
}
