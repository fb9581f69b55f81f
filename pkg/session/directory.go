package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrFlowIDExhausted is returned once NextFlowId would wrap past the 8-bit
// space; IDs are never reused. The client pipeline stops its local→peer
// pump on it and reports it on ClientPipeline.Fatal().
var ErrFlowIDExhausted = errors.New("session: flow id space exhausted")

// EventKind classifies a FlowEvent for journal/diagnostics consumers.
type EventKind int

const (
	EventCreated EventKind = iota
	EventAcked
	EventRetired
	EventEvicted
	EventServerSocketOpened
	EventServerSocketClosed
)

// ParseEventKind inverts EventKind.String, for consumers (e.g. the flow
// journal) that persist the kind as text and need to read it back.
func ParseEventKind(s string) EventKind {
	switch s {
	case "created":
		return EventCreated
	case "acked":
		return EventAcked
	case "retired":
		return EventRetired
	case "evicted":
		return EventEvicted
	case "server_socket_opened":
		return EventServerSocketOpened
	case "server_socket_closed":
		return EventServerSocketClosed
	default:
		return EventCreated
	}
}

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventAcked:
		return "acked"
	case EventRetired:
		return "retired"
	case EventEvicted:
		return "evicted"
	case EventServerSocketOpened:
		return "server_socket_opened"
	case EventServerSocketClosed:
		return "server_socket_closed"
	default:
		return "unknown"
	}
}

// FlowEvent is a pure observability record: it never gates or alters the
// directory invariants, it only reports on them (SPEC_FULL.md §3 addition).
type FlowEvent struct {
	FlowID    uint8
	Kind      EventKind
	LocalAddr string
	Time      time.Time
}

type pendingEntry struct {
	addr      *net.UDPAddr
	createdAt time.Time
}

type liveEntry struct {
	addr         *net.UDPAddr
	lastActivity time.Time
}

type serverSocketEntry struct {
	conn         *net.UDPConn
	lastActivity time.Time
}

// Table holds the four flow directories of spec.md §3: AddrIndex,
// PendingFlows, LiveFlows (client-only) and ServerSockets (server-only),
// plus the NextFlowId counter. A process only ever populates one side's
// directories (mode is client XOR server), so the client-only directories
// share one lock and ServerSockets owns a second, independent lock — this
// satisfies spec.md §5's "single lock per directory" recommendation without
// forcing every client-side transition to juggle three separate locks for
// what is always one logical transaction (AddrIndex+PendingFlows+NextFlowId
// change together or not at all).
type Table struct {
	clientMu     sync.Mutex
	addrIndex    map[string]uint8
	pendingFlows map[uint8]*pendingEntry
	liveFlows    map[uint8]*liveEntry
	nextFlowID   uint8

	serverMu      sync.Mutex
	serverSockets map[uint8]*serverSocketEntry

	events chan FlowEvent
	log    *logrus.Entry
}

// NewTable constructs an empty directory set. events is a buffered channel
// the caller drains (journal, diagnostics, or both); if nil a channel with
// reasonable headroom is created so emission never blocks the data path.
func NewTable(log *logrus.Entry, events chan FlowEvent) *Table {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if events == nil {
		events = make(chan FlowEvent, 256)
	}
	return &Table{
		addrIndex:     make(map[string]uint8),
		pendingFlows:  make(map[uint8]*pendingEntry),
		liveFlows:     make(map[uint8]*liveEntry),
		nextFlowID:    1, // first allocation yields 2; 0 and 1 are reserved.
		serverSockets: make(map[uint8]*serverSocketEntry),
		events:        events,
		log:           log.WithField("component", "session"),
	}
}

// Events returns the channel FlowEvents are published on.
func (t *Table) Events() <-chan FlowEvent {
	return t.events
}

func (t *Table) emit(ev FlowEvent) {
	select {
	case t.events <- ev:
	default:
		t.log.WithField("kind", ev.Kind).Warn("flow event channel full, dropping event")
	}
}

// LookupOrCreate implements the client-side local-listener step 1 of
// spec.md §4.3: look up A in AddrIndex; if absent, allocate a new flow ID
// and insert it into both AddrIndex and PendingFlows atomically. Returns
// created=true when a CONNECT frame must be sent for this flow.
func (t *Table) LookupOrCreate(addr *net.UDPAddr) (id uint8, created bool, err error) {
	key := addr.String()

	t.clientMu.Lock()
	if existing, ok := t.addrIndex[key]; ok {
		id = existing
		t.clientMu.Unlock()
		return id, false, nil
	}

	if t.nextFlowID == 255 {
		t.clientMu.Unlock()
		return 0, false, ErrFlowIDExhausted
	}
	t.nextFlowID++
	id = t.nextFlowID
	now := time.Now()
	t.addrIndex[key] = id
	t.pendingFlows[id] = &pendingEntry{addr: addr, createdAt: now}
	t.clientMu.Unlock()

	t.emit(FlowEvent{FlowID: id, Kind: EventCreated, LocalAddr: key, Time: now})
	return id, true, nil
}

// AckPending handles a CONNECT_ACK: pop PendingFlows[id], insert
// LiveFlows[id]. Returns false if id was not pending (a late or duplicate
// ACK, which is dropped).
func (t *Table) AckPending(id uint8) bool {
	t.clientMu.Lock()
	entry, ok := t.pendingFlows[id]
	if !ok {
		t.clientMu.Unlock()
		return false
	}
	delete(t.pendingFlows, id)
	now := time.Now()
	t.liveFlows[id] = &liveEntry{addr: entry.addr, lastActivity: now}
	t.clientMu.Unlock()

	t.emit(FlowEvent{FlowID: id, Kind: EventAcked, LocalAddr: entry.addr.String(), Time: now})
	return true
}

// LiveAddr looks up the local-app address for a live flow id and refreshes
// last_activity_ts. Returns ok=false if the flow is not live (dropped per
// spec.md §4.3 "peer receiver" data-frame handling).
func (t *Table) LiveAddr(id uint8) (*net.UDPAddr, bool) {
	t.clientMu.Lock()
	defer t.clientMu.Unlock()
	entry, ok := t.liveFlows[id]
	if !ok {
		return nil, false
	}
	entry.lastActivity = time.Now()
	return entry.addr, true
}

// TouchLive refreshes last_activity_ts for a live flow without returning
// its address (used on the local→peer direction, where the address is
// already known to the caller).
func (t *Table) TouchLive(id uint8) {
	t.clientMu.Lock()
	if entry, ok := t.liveFlows[id]; ok {
		entry.lastActivity = time.Now()
	}
	t.clientMu.Unlock()
}

// RemoveClientFlow retires a flow (PendingFlows or LiveFlows) on
// DISCONNECT or shutdown, removing it from AddrIndex too. Returns true if
// an entry was actually removed (DISCONNECT is idempotent per spec.md §8
// property 6: a no-op on a nonexistent flow).
func (t *Table) RemoveClientFlow(id uint8) bool {
	t.clientMu.Lock()
	_, inPending := t.pendingFlows[id]
	live, inLive := t.liveFlows[id]
	if !inPending && !inLive {
		t.clientMu.Unlock()
		return false
	}

	var addr string
	if inPending {
		addr = t.pendingFlows[id].addr.String()
		delete(t.pendingFlows, id)
	} else {
		addr = live.addr.String()
		delete(t.liveFlows, id)
	}
	for k, v := range t.addrIndex {
		if v == id {
			delete(t.addrIndex, k)
			break
		}
	}
	t.clientMu.Unlock()

	t.emit(FlowEvent{FlowID: id, Kind: EventRetired, LocalAddr: addr, Time: time.Now()})
	return true
}

// clientIdleEntry is a snapshot of one idle client-side flow, produced
// under lock and acted on (peer notification) after the lock is released,
// per spec.md §5's "critical sections must not perform I/O".
type clientIdleEntry struct {
	id      uint8
	addr    string
	pending bool
}

// SweepClientIdle removes client-side directory entries idle beyond
// threshold and returns a snapshot for the caller to act on (emitting
// repeated DISCONNECT frames), satisfying spec.md §4.3's janitor policy.
func (t *Table) SweepClientIdle(threshold time.Duration) []clientIdleEntry {
	now := time.Now()
	var evicted []clientIdleEntry

	t.clientMu.Lock()
	for id, e := range t.pendingFlows {
		if now.Sub(e.createdAt) > threshold {
			evicted = append(evicted, clientIdleEntry{id: id, addr: e.addr.String(), pending: true})
			delete(t.pendingFlows, id)
		}
	}
	for id, e := range t.liveFlows {
		if now.Sub(e.lastActivity) > threshold {
			evicted = append(evicted, clientIdleEntry{id: id, addr: e.addr.String(), pending: false})
			delete(t.liveFlows, id)
		}
	}
	for _, ev := range evicted {
		for k, v := range t.addrIndex {
			if v == ev.id {
				delete(t.addrIndex, k)
				break
			}
		}
	}
	t.clientMu.Unlock()

	for _, ev := range evicted {
		t.emit(FlowEvent{FlowID: ev.id, Kind: EventEvicted, LocalAddr: ev.addr, Time: now})
	}
	return evicted
}

// EnsureServerSocket implements the server-side CONNECT handling: if
// ServerSockets[id] is absent, open creates the ephemeral socket, registers
// it, and returns created=true so the caller knows a CONNECT_ACK is the
// first ack (a CONNECT_ACK is sent unconditionally either way, per
// spec.md §4.3).
func (t *Table) EnsureServerSocket(id uint8, open func() (*net.UDPConn, error)) (conn *net.UDPConn, created bool, err error) {
	t.serverMu.Lock()
	if entry, ok := t.serverSockets[id]; ok {
		conn = entry.conn
		t.serverMu.Unlock()
		return conn, false, nil
	}
	t.serverMu.Unlock()

	newConn, err := open()
	if err != nil {
		return nil, false, fmt.Errorf("session: open ephemeral socket for flow %d: %w", id, err)
	}

	t.serverMu.Lock()
	if entry, ok := t.serverSockets[id]; ok {
		// Lost the race to a concurrent CONNECT for the same id; keep the
		// winner's socket and close ours.
		t.serverMu.Unlock()
		_ = newConn.Close()
		return entry.conn, false, nil
	}
	now := time.Now()
	t.serverSockets[id] = &serverSocketEntry{conn: newConn, lastActivity: now}
	t.serverMu.Unlock()

	t.emit(FlowEvent{FlowID: id, Kind: EventServerSocketOpened, LocalAddr: newConn.LocalAddr().String(), Time: now})
	return newConn, true, nil
}

// ServerSocket looks up the ephemeral socket for id and refreshes
// last_activity_ts.
func (t *Table) ServerSocket(id uint8) (*net.UDPConn, bool) {
	t.serverMu.Lock()
	defer t.serverMu.Unlock()
	entry, ok := t.serverSockets[id]
	if !ok {
		return nil, false
	}
	entry.lastActivity = time.Now()
	return entry.conn, true
}

// TouchServerSocket refreshes last_activity_ts without returning the conn.
func (t *Table) TouchServerSocket(id uint8) {
	t.serverMu.Lock()
	if entry, ok := t.serverSockets[id]; ok {
		entry.lastActivity = time.Now()
	}
	t.serverMu.Unlock()
}

// RemoveServerSocket closes and deregisters the ephemeral socket for id,
// exclusively: invariant 3 of spec.md §3 requires the close happen exactly
// once under the directory lock. Returns false if id was absent
// (DISCONNECT is idempotent).
func (t *Table) RemoveServerSocket(id uint8) bool {
	t.serverMu.Lock()
	entry, ok := t.serverSockets[id]
	if !ok {
		t.serverMu.Unlock()
		return false
	}
	delete(t.serverSockets, id)
	_ = entry.conn.Close()
	t.serverMu.Unlock()

	t.emit(FlowEvent{FlowID: id, Kind: EventServerSocketClosed, Time: time.Now()})
	return true
}

// FlowSnapshot is a point-in-time view of one directory entry, returned by
// Snapshot for diagnostics consumers that must not reach into the
// directories (or their locks) directly.
type FlowSnapshot struct {
	FlowID   uint8
	Addr     string
	State    string // "pending" | "live" | "server_socket"
	IdleSecs int
}

// Snapshot returns every directory entry as a FlowSnapshot, for the
// diagnostics server's GET /flows. PendingFlows and LiveFlows are read under
// one clientMu acquisition and ServerSockets under serverMu, with clientMu
// released before serverMu is taken — the same no-I/O-under-lock discipline
// SweepClientIdle/SweepServerIdle already follow.
func (t *Table) Snapshot() []FlowSnapshot {
	now := time.Now()
	var out []FlowSnapshot

	t.clientMu.Lock()
	for id, e := range t.pendingFlows {
		out = append(out, FlowSnapshot{FlowID: id, Addr: e.addr.String(), State: "pending", IdleSecs: int(now.Sub(e.createdAt).Seconds())})
	}
	for id, e := range t.liveFlows {
		out = append(out, FlowSnapshot{FlowID: id, Addr: e.addr.String(), State: "live", IdleSecs: int(now.Sub(e.lastActivity).Seconds())})
	}
	t.clientMu.Unlock()

	t.serverMu.Lock()
	for id, e := range t.serverSockets {
		out = append(out, FlowSnapshot{FlowID: id, Addr: e.conn.LocalAddr().String(), State: "server_socket", IdleSecs: int(now.Sub(e.lastActivity).Seconds())})
	}
	t.serverMu.Unlock()

	return out
}

// Counts returns the live/pending/server-socket directory sizes for the
// diagnostics server's GET /status, under the same per-directory locks as
// Snapshot.
func (t *Table) Counts() (live, pending, serverSockets int) {
	t.clientMu.Lock()
	live = len(t.liveFlows)
	pending = len(t.pendingFlows)
	t.clientMu.Unlock()

	t.serverMu.Lock()
	serverSockets = len(t.serverSockets)
	t.serverMu.Unlock()

	return live, pending, serverSockets
}

// ServerSocketsSnapshot returns a copy of the live id→conn map, so callers
// (the supervisor's shutdown) can act on the sockets without holding
// serverMu (spec.md §5).
func (t *Table) ServerSocketsSnapshot() map[uint8]*net.UDPConn {
	t.serverMu.Lock()
	defer t.serverMu.Unlock()
	out := make(map[uint8]*net.UDPConn, len(t.serverSockets))
	for id, e := range t.serverSockets {
		out[id] = e.conn
	}
	return out
}

// SweepServerIdle closes and deregisters ephemeral sockets idle beyond
// threshold. No peer notification is sent for this directory (spec.md
// §4.3 eviction policy).
func (t *Table) SweepServerIdle(threshold time.Duration) []uint8 {
	now := time.Now()
	var evicted []uint8
	var conns []*net.UDPConn

	t.serverMu.Lock()
	for id, e := range t.serverSockets {
		if now.Sub(e.lastActivity) > threshold {
			evicted = append(evicted, id)
			conns = append(conns, e.conn)
			delete(t.serverSockets, id)
		}
	}
	t.serverMu.Unlock()

	for i, id := range evicted {
		_ = conns[i].Close()
		t.emit(FlowEvent{FlowID: id, Kind: EventEvicted, Time: now})
	}
	return evicted
}
