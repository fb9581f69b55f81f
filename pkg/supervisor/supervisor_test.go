package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodebridge/p2ptun/pkg/config"
	"github.com/nodebridge/p2ptun/pkg/endpoint"
	"github.com/nodebridge/p2ptun/pkg/session"
)

// newPopulatedTable builds a Table with one pending and one live client
// flow, for the status/flow snapshot tests.
func newPopulatedTable(t *testing.T) *session.Table {
	t.Helper()
	tbl := session.NewTable(discardLog(), nil)

	if _, _, err := tbl.LookupOrCreate(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}); err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}

	liveID, _, err := tbl.LookupOrCreate(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50001})
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}
	tbl.AckPending(liveID)

	return tbl
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

var errFakeNotFound = errors.New("fake signaling: key not found")

// fakeSignaling is a minimal signaling.Port stand-in, used so these tests
// control timing directly instead of going through the real staleness
// window.
type fakeSignaling struct {
	blobs map[string]string
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{blobs: make(map[string]string)}
}

func (f *fakeSignaling) Upload(key, value string) error {
	f.blobs[key] = value
	return nil
}

func (f *fakeSignaling) Download(key string) (string, error) {
	v, ok := f.blobs[key]
	if !ok {
		return "", errFakeNotFound
	}
	return v, nil
}

func TestSetSyncAtStoresOverride(t *testing.T) {
	cfg := &config.Config{Mode: config.ModeClient, ID: "alice", Peer: "bob", Port: 19000}
	s := New(cfg, discardLog())

	if s.syncAt != nil {
		t.Fatal("syncAt should be nil before SetSyncAt is called")
	}

	when := time.Now().Add(time.Hour)
	s.SetSyncAt(when)

	if s.syncAt == nil || !s.syncAt.Equal(when) {
		t.Fatalf("syncAt = %v, want %v", s.syncAt, when)
	}
}

func TestStatusAndFlowSnapshotsReflectTable(t *testing.T) {
	cfg := &config.Config{Mode: config.ModeClient, ID: "alice", Peer: "bob", Port: 19003}
	s := New(cfg, discardLog())
	s.table = newPopulatedTable(t)

	status := s.statusSnapshot()
	if status.LiveFlowCount != 1 || status.PendingFlowCount != 1 || status.ServerSocketCount != 0 {
		t.Fatalf("status = %+v, want live=1 pending=1 serverSockets=0", status)
	}

	flows := s.flowSnapshots()
	if len(flows) != 2 {
		t.Fatalf("flowSnapshots() returned %d entries, want 2: %+v", len(flows), flows)
	}
}

func TestPollPeerSucceedsOnFirstRound(t *testing.T) {
	cfg := &config.Config{Mode: config.ModeClient, ID: "alice", Peer: "bob", Port: 19001}
	s := New(cfg, discardLog())

	mem := newFakeSignaling()
	mem.blobs["bob"] = fmt.Sprintf("127.0.0.1:40000:%d", time.Now().Unix())
	s.sig = mem

	addr, err := s.pollPeer()
	if err != nil {
		t.Fatalf("pollPeer: %v", err)
	}
	if addr.Port != 40000 {
		t.Fatalf("addr.Port = %d, want 40000", addr.Port)
	}
}

func TestPollPeerExhaustsBudget(t *testing.T) {
	orig := peerPollInterval
	peerPollInterval = time.Millisecond
	defer func() { peerPollInterval = orig }()

	cfg := &config.Config{Mode: config.ModeClient, ID: "alice", Peer: "bob", Port: 19002}
	s := New(cfg, discardLog())
	s.sig = newFakeSignaling() // never populated

	done := make(chan struct{})
	go func() {
		if _, err := s.pollPeer(); err == nil {
			t.Error("pollPeer: expected error, got nil")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pollPeer did not return in time")
	}
}

// TestStartAndShutdownEndToEnd drives two Supervisors (client and server)
// through the post-Bootstrap lifecycle: it punches two loopback endpoints
// directly (skipping the real STUN round trip, which Bootstrap's own
// logic doesn't affect), then calls Start/Shutdown exactly as Bootstrap's
// caller would and confirms a local app datagram round-trips through
// both multiplexers.
func TestStartAndShutdownEndToEnd(t *testing.T) {
	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	serverConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen server: %v", err)
	}

	clientEP := endpoint.New(clientConn, "alice", nil, discardLog())
	serverEP := endpoint.New(serverConn, "bob", nil, discardLog())

	if err := clientEP.SetPeer(serverConn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("client SetPeer: %v", err)
	}
	if err := serverEP.SetPeer(clientConn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("server SetPeer: %v", err)
	}

	future := time.Now().Add(30 * time.Millisecond)
	clientEP.SetSyncOverride(future)
	serverEP.SetSyncOverride(future)

	type punchResult struct {
		ok  bool
		err error
	}
	clientDone := make(chan punchResult, 1)
	serverDone := make(chan punchResult, 1)
	go func() { ok, err := clientEP.Punch(); clientDone <- punchResult{ok, err} }()
	go func() { ok, err := serverEP.Punch(); serverDone <- punchResult{ok, err} }()

	cr := <-clientDone
	sr := <-serverDone
	if cr.err != nil || !cr.ok {
		t.Fatalf("client punch failed: ok=%v err=%v", cr.ok, cr.err)
	}
	if sr.err != nil || !sr.ok {
		t.Fatalf("server punch failed: ok=%v err=%v", sr.ok, sr.err)
	}

	clientSup := New(&config.Config{Mode: config.ModeClient, ID: "alice", Peer: "bob", Port: 19101}, discardLog())
	clientSup.ep = clientEP
	serverSup := New(&config.Config{Mode: config.ModeServer, ID: "bob", Peer: "alice", Port: 19102}, discardLog())
	serverSup.ep = serverEP

	if err := clientSup.Start(); err != nil {
		t.Fatalf("client Start: %v", err)
	}
	if err := serverSup.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	defer clientSup.Shutdown(context.Background())
	defer serverSup.Shutdown(context.Background())

	appConn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 19101})
	if err != nil {
		t.Fatalf("dial local app: %v", err)
	}
	defer appConn.Close()

	service, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 19102})
	if err != nil {
		t.Fatalf("listen forward target: %v", err)
	}
	defer service.Close()

	if _, err := appConn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	service.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, from, err := service.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("service read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("service got %q, want hello", buf[:n])
	}

	if _, err := service.WriteToUDP([]byte("world"), from); err != nil {
		t.Fatalf("service reply: %v", err)
	}

	appConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = appConn.Read(buf)
	if err != nil {
		t.Fatalf("app read: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("app got %q, want world", buf[:n])
	}
}
