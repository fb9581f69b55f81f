package session

import (
	"net"
	"testing"
	"time"

	"github.com/nodebridge/p2ptun/pkg/endpoint"
)

// punchedPair returns two loopback Endpoints that have already completed a
// successful hole punch against each other, matching the real bootstrap
// order (punch succeeds, then the mux pipelines start) so neither
// Endpoint's own receiverLoop is still competing for ReadFromUDP once the
// pipelines begin.
func punchedPair(t *testing.T) (client, server *endpoint.Endpoint) {
	t.Helper()

	newConn := func() *net.UDPConn {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		return conn
	}

	client = endpoint.New(newConn(), "client", nil, nil)
	server = endpoint.New(newConn(), "server", nil, nil)

	if err := client.SetPeer(server.LocalAddr()); err != nil {
		t.Fatalf("client.SetPeer: %v", err)
	}
	if err := server.SetPeer(client.LocalAddr()); err != nil {
		t.Fatalf("server.SetPeer: %v", err)
	}

	sync := time.Now().Add(30 * time.Millisecond)
	client.SetSyncOverride(sync)
	server.SetSyncOverride(sync)

	okc := make(chan bool, 1)
	oks := make(chan bool, 1)
	go func() { ok, _ := client.Punch(); okc <- ok }()
	go func() { ok, _ := server.Punch(); oks <- ok }()

	select {
	case ok := <-okc:
		if !ok {
			t.Fatal("client punch failed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client punch")
	}
	select {
	case ok := <-oks:
		if !ok {
			t.Fatal("server punch failed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server punch")
	}

	return client, server
}

func readWithTimeout(t *testing.T, conn *net.UDPConn, timeout time.Duration) []byte {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf[:n]
}

func readFromWithTimeout(t *testing.T, conn *net.UDPConn, timeout time.Duration) ([]byte, *net.UDPAddr) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	buf := make([]byte, 4096)
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf[:n], from
}

// TestColdStartAndReversePath covers spec.md §8 scenarios S1 and S2: a
// local app datagram reaches the local service via the peer channel
// (cold start, allocating flow ID 2 with CONNECT/CONNECT_ACK), and the
// service's reply reaches back to the originating local app address
// (reverse path).
func TestColdStartAndReversePath(t *testing.T) {
	clientEp, serverEp := punchedPair(t)
	defer clientEp.Close()
	defer serverEp.Close()

	localListener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("local listener: %v", err)
	}
	defer localListener.Close()

	service, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("service listener: %v", err)
	}
	defer service.Close()
	serviceAddr := service.LocalAddr().(*net.UDPAddr)

	clientTable := NewTable(nil, nil)
	serverTable := NewTable(nil, nil)

	client := NewClient(clientEp, localListener, clientTable, nil)
	server := NewServer(serverEp, serverTable, serviceAddr, nil)

	stop := make(chan struct{})
	defer close(stop)
	go client.Run(stop)
	go server.Run(stop)

	app, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("app socket: %v", err)
	}
	defer app.Close()

	if _, err := app.WriteToUDP([]byte("hello"), localListener.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("app write: %v", err)
	}

	data, ephemeralAddr := readFromWithTimeout(t, service, 2*time.Second)
	if string(data) != "hello" {
		t.Fatalf("service received %q, want %q", data, "hello")
	}

	id, created, _ := clientTable.LookupOrCreate(app.LocalAddr().(*net.UDPAddr))
	if created || id != 2 {
		t.Fatalf("expected existing flow id 2, got id=%d created=%v", id, created)
	}

	if _, err := service.WriteToUDP([]byte("world"), ephemeralAddr); err != nil {
		t.Fatalf("service reply: %v", err)
	}

	reply := readWithTimeout(t, app, 2*time.Second)
	if string(reply) != "world" {
		t.Fatalf("app received %q, want %q", reply, "world")
	}
}

// TestMultiFlowIndependentDelivery is spec.md §8 scenario S3: two distinct
// local app addresses get two distinct flow IDs, and delivery for each is
// independent of the other.
func TestMultiFlowIndependentDelivery(t *testing.T) {
	clientEp, serverEp := punchedPair(t)
	defer clientEp.Close()
	defer serverEp.Close()

	localListener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("local listener: %v", err)
	}
	defer localListener.Close()

	service, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("service listener: %v", err)
	}
	defer service.Close()
	serviceAddr := service.LocalAddr().(*net.UDPAddr)

	clientTable := NewTable(nil, nil)
	serverTable := NewTable(nil, nil)

	client := NewClient(clientEp, localListener, clientTable, nil)
	server := NewServer(serverEp, serverTable, serviceAddr, nil)

	stop := make(chan struct{})
	defer close(stop)
	go client.Run(stop)
	go server.Run(stop)

	appA, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("appA socket: %v", err)
	}
	defer appA.Close()
	appB, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("appB socket: %v", err)
	}
	defer appB.Close()

	if _, err := appA.WriteToUDP([]byte("a"), localListener.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("appA write: %v", err)
	}
	first := readWithTimeout(t, service, 2*time.Second)
	if string(first) != "a" {
		t.Fatalf("service received %q first, want %q", first, "a")
	}

	if _, err := appB.WriteToUDP([]byte("b"), localListener.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("appB write: %v", err)
	}
	second := readWithTimeout(t, service, 2*time.Second)
	if string(second) != "b" {
		t.Fatalf("service received %q second, want %q", second, "b")
	}

	idA, createdA, _ := clientTable.LookupOrCreate(appA.LocalAddr().(*net.UDPAddr))
	idB, createdB, _ := clientTable.LookupOrCreate(appB.LocalAddr().(*net.UDPAddr))
	if createdA || createdB {
		t.Fatal("both flows should already exist by now")
	}
	if idA == idB {
		t.Fatalf("expected distinct flow ids, got %d and %d", idA, idB)
	}
}
