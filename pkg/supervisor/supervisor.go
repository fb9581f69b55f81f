// Package supervisor implements the Tunnel Supervisor of spec.md §4.4: it
// bootstraps NAT discovery, the signaling handshake, and the hole punch,
// then starts the mode-appropriate pumps, heartbeat, and the optional
// journal/diagnostics consumers, owning cooperative shutdown of all of it.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodebridge/p2ptun/pkg/config"
	"github.com/nodebridge/p2ptun/pkg/diagnostics"
	"github.com/nodebridge/p2ptun/pkg/endpoint"
	"github.com/nodebridge/p2ptun/pkg/journal"
	"github.com/nodebridge/p2ptun/pkg/natprobe"
	"github.com/nodebridge/p2ptun/pkg/session"
	"github.com/nodebridge/p2ptun/pkg/signaling"
)

// peerPollRounds and peerPollInterval implement spec.md §6/§7's "peer
// fetch up to 20 rounds" retry budget, at 5s per round (~100s worst case,
// matching the Python original's cli.py loop). peerPollInterval is a var,
// not a const, so tests can shrink it instead of waiting out the real
// budget.
const peerPollRounds = 20

var peerPollInterval = 5 * time.Second

// Supervisor owns the whole tunnel lifecycle for one process.
type Supervisor struct {
	cfg *config.Config
	log *logrus.Entry

	sig signaling.Port

	conn *net.UDPConn
	ep   *endpoint.Endpoint

	table   *session.Table
	client  *session.ClientPipeline
	server  *session.ServerPipeline
	janitor *session.Janitor

	journ *journal.Journal
	diag  *diagnostics.Server

	natResult *natprobe.Result

	// syncAt, when set via SetSyncAt, pins the punch burst's
	// synchronization point to an operator-supplied absolute instant
	// instead of the next 10s wall-clock boundary (SPEC_FULL.md §12 open
	// question 3; cmd/tunnel's -sync-at flag is the CLI surface for it).
	syncAt *time.Time

	stop    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// New constructs a Supervisor from a loaded, validated config.
func New(cfg *config.Config, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		cfg:  cfg,
		log:  log.WithField("component", "supervisor"),
		stop: make(chan struct{}),
	}
}

// SetSyncAt pins the punch burst's synchronization point to t instead of
// the next 10s wall-clock boundary. It must be called before Bootstrap;
// Bootstrap applies it to the endpoint once the endpoint exists.
func (s *Supervisor) SetSyncAt(t time.Time) {
	s.syncAt = &t
}

// Bootstrap runs the control flow of spec.md §4.4: NAT Probe → publish via
// Signaling → poll peer endpoint via Signaling → Endpoint.punch(). It
// returns a non-nil error for every fatal case spec.md §7 lists (STUN
// unreachable, signaling budget exhausted, stale peer blob, punch
// timeout) — the caller maps that to exit code 1.
func (s *Supervisor) Bootstrap() error {
	conn, err := endpoint.Bind()
	if err != nil {
		return fmt.Errorf("supervisor: bind peer socket: %w", err)
	}
	s.conn = conn

	probeCfg := natprobe.DefaultConfig(s.cfg.STUN.Addr())
	if s.cfg.STUN.SecondaryHost != "" {
		probeCfg.SecondaryServer = fmt.Sprintf("%s:%d", s.cfg.STUN.SecondaryHost, s.cfg.STUN.Port)
	}
	result, err := natprobe.Probe(conn, probeCfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("supervisor: STUN unreachable: %w", err)
	}
	s.natResult = result
	s.log.WithField("nat", result.String()).Info("NAT probe complete")

	s.sig, err = newSignalingPort(s.cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("supervisor: signaling setup: %w", err)
	}

	payload := signaling.FormatPayload(result.PublicIP.String(), result.PublicPort, time.Now())
	if err := s.sig.Upload(s.cfg.ID, payload); err != nil {
		conn.Close()
		return fmt.Errorf("supervisor: signaling upload failed: %w", err)
	}

	peerAddr, err := s.pollPeer()
	if err != nil {
		conn.Close()
		return err
	}

	stunAddr, err := net.ResolveUDPAddr("udp4", s.cfg.STUN.Addr())
	if err != nil {
		conn.Close()
		return fmt.Errorf("supervisor: resolve STUN addr: %w", err)
	}

	s.ep = endpoint.New(conn, s.cfg.ID, stunAddr, s.log)
	if err := s.ep.SetPeer(peerAddr); err != nil {
		return fmt.Errorf("supervisor: set peer: %w", err)
	}
	if s.syncAt != nil {
		s.log.WithField("sync_at", *s.syncAt).Info("using operator-supplied punch synchronization point")
		s.ep.SetSyncOverride(*s.syncAt)
	}

	ok, err := s.ep.Punch()
	if err != nil || !ok {
		return fmt.Errorf("supervisor: punch failed: %w", err)
	}

	return nil
}

func (s *Supervisor) pollPeer() (*net.UDPAddr, error) {
	var lastErr error
	for i := 0; i < peerPollRounds; i++ {
		blob, err := s.sig.Download(s.cfg.Peer)
		if err != nil {
			lastErr = err
			time.Sleep(peerPollInterval)
			continue
		}

		ip, port, _, err := signaling.ParsePayload(blob)
		if err != nil {
			lastErr = err
			time.Sleep(peerPollInterval)
			continue
		}
		return &net.UDPAddr{IP: net.ParseIP(ip), Port: port}, nil
	}
	return nil, fmt.Errorf("supervisor: peer endpoint unavailable after %d rounds: %w", peerPollRounds, lastErr)
}

func newSignalingPort(cfg *config.Config) (signaling.Port, error) {
	switch cfg.Signaling.Kind {
	case "http":
		return signaling.NewHTTPStore(cfg.Signaling.Addr, cfg.Signaling.HMACSecret), nil
	case "memory", "":
		return signaling.NewMemory(), nil
	default:
		return nil, fmt.Errorf("supervisor: unknown signaling kind %q", cfg.Signaling.Kind)
	}
}

// Start starts the mode-appropriate pumps, heartbeat, janitor, and the
// optional journal/diagnostics consumers. Bootstrap must have succeeded
// first.
func (s *Supervisor) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("supervisor: already running")
	}

	events := make(chan session.FlowEvent, 256)
	s.table = session.NewTable(s.log, events)

	isClient := s.cfg.Mode == config.ModeClient
	s.janitor = session.NewJanitor(s.table, s.ep, isClient, s.log)

	if isClient {
		local, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.cfg.Port})
		if err != nil {
			return fmt.Errorf("supervisor: bind local listener on port %d: %w", s.cfg.Port, err)
		}
		s.client = session.NewClient(s.ep, local, s.table, s.log)
	} else {
		serviceAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.cfg.Port}
		s.server = session.NewServer(s.ep, s.table, serviceAddr, s.log)
	}

	if s.cfg.Journal.Path != "" {
		j, err := journal.Open(s.cfg.Journal.Path, s.log)
		if err != nil {
			s.log.WithError(err).Warn("failed to open flow journal, disabling it")
		} else {
			s.journ = j
		}
	}

	if s.cfg.Diagnostics.Addr != "" {
		d := diagnostics.NewServer(s.cfg.Diagnostics.Addr, s.cfg.Diagnostics.Username, s.cfg.Diagnostics.PasswordHash,
			s.statusSnapshot, s.flowSnapshots, s.log)
		if err := d.Start(); err != nil {
			s.log.WithError(err).Warn("failed to bind diagnostics server, disabling it")
		} else {
			s.diag = d
		}
	}

	if isClient {
		s.wg.Add(1)
		go func() { defer s.wg.Done(); s.client.Run(s.stop) }()
	} else {
		s.wg.Add(1)
		go func() { defer s.wg.Done(); s.server.Run(s.stop) }()
	}

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.janitor.Run(s.stop) }()

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.heartbeatLoop() }()

	if s.journ != nil {
		s.wg.Add(1)
		go func() { defer s.wg.Done(); s.journ.Run(events, s.stop) }()
	}
	if s.diag != nil {
		s.wg.Add(1)
		go func() { defer s.wg.Done(); s.diag.Run(events, s.stop) }()
	}

	return nil
}

// heartbeatLoop sends "HEARTBEAT " to the peer every 1s indefinitely,
// spec.md §4.4.
func (s *Supervisor) heartbeatLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.ep.Send(session.EncodeHeartbeat()); err != nil {
				s.log.WithError(err).Debug("failed to send heartbeat")
			}
		}
	}
}

// Shutdown closes the stop flag, waits for the pump, janitor, heartbeat,
// journal and diagnostics goroutines to join, closes every server-side
// ephemeral socket (which ends that socket's reader goroutine), and closes
// the underlying socket — spec.md §4.4's cooperative termination. The
// client's local listener is not closed.
func (s *Supervisor) Shutdown(ctx context.Context) {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
	s.wg.Wait()

	for id := range s.table.ServerSocketsSnapshot() {
		s.table.RemoveServerSocket(id)
	}
	if s.ep != nil {
		s.ep.Close()
	}
	if s.journ != nil {
		s.journ.Close()
	}
	if s.diag != nil {
		s.diag.Stop(ctx)
	}
}

func (s *Supervisor) statusSnapshot() diagnostics.StatusSnapshot {
	snap := diagnostics.StatusSnapshot{
		Mode:   string(s.cfg.Mode),
		NodeID: s.cfg.ID,
		PeerID: s.cfg.Peer,
	}
	if s.natResult != nil {
		snap.NATClass = string(s.natResult.Class)
	}
	if s.ep != nil {
		snap.PunchState = s.ep.State().String()
	}
	if s.table != nil {
		live, pending, serverSockets := s.table.Counts()
		snap.LiveFlowCount = live
		snap.PendingFlowCount = pending
		snap.ServerSocketCount = serverSockets
	}
	return snap
}

func (s *Supervisor) flowSnapshots() []diagnostics.FlowSnapshot {
	if s.table == nil {
		return nil
	}
	entries := s.table.Snapshot()
	out := make([]diagnostics.FlowSnapshot, len(entries))
	for i, e := range entries {
		out[i] = diagnostics.FlowSnapshot{
			FlowID:   e.FlowID,
			Addr:     e.Addr,
			State:    e.State,
			IdleSecs: e.IdleSecs,
		}
	}
	return out
}
