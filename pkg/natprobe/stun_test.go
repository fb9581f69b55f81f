package natprobe

import (
	"net"
	"testing"
	"time"

	"github.com/pion/stun"
)

// fakeSTUNServer answers every Binding Request with a Binding Success
// Response carrying the source address as XOR-MAPPED-ADDRESS, exactly like a
// real STUN server observing a NAT mapping.
func fakeSTUNServer(t *testing.T) (addr string, stop func()) {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 1500)
		for {
			select {
			case <-done:
				return
			default:
			}
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				continue
			}

			var req stun.Message
			req.Raw = append(req.Raw, buf[:n]...)
			if err := req.Decode(); err != nil {
				continue
			}

			resp := &stun.Message{TransactionID: req.TransactionID}
			resp.SetType(stun.BindingSuccess)
			xorAddr := &stun.XORMappedAddress{IP: raddr.IP, Port: raddr.Port}
			if err := xorAddr.AddTo(resp); err != nil {
				continue
			}
			resp.WriteHeader()

			conn.WriteToUDP(resp.Raw, raddr)
		}
	}()

	return conn.LocalAddr().String(), func() {
		close(done)
		conn.Close()
	}
}

func TestProbeReturnsMappedAddress(t *testing.T) {
	stunAddr, stop := fakeSTUNServer(t)
	defer stop()

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer client.Close()

	cfg := DefaultConfig(stunAddr)
	cfg.RequestTimeout = 500 * time.Millisecond

	result, err := Probe(client, cfg)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	if !result.PublicIP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Errorf("PublicIP = %v, want 127.0.0.1", result.PublicIP)
	}
	local := client.LocalAddr().(*net.UDPAddr)
	if result.PublicPort != local.Port {
		t.Errorf("PublicPort = %d, want %d (loopback has no real NAT)", result.PublicPort, local.Port)
	}
	if result.Class != ClassOpen {
		t.Errorf("Class = %s, want %s (identical local/public addr)", result.Class, ClassOpen)
	}
}

func TestProbeUnreachable(t *testing.T) {
	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer client.Close()

	// Nothing listens on this port.
	unusedAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	probe, err := net.ListenUDP("udp4", nil)
	if err == nil {
		probe.Close()
	}

	cfg := Config{
		PrimaryServer:  unusedAddr.String(),
		Retries:        2,
		RequestTimeout: 50 * time.Millisecond,
	}

	if _, err := Probe(client, cfg); err == nil {
		t.Fatal("expected Probe to fail against an address nobody is listening on")
	}
}
