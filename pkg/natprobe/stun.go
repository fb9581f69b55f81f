package natprobe

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
)

// BuildBindingRequest encodes a fresh STUN Binding Request. The endpoint's
// NAT-mapping keepalive (spec.md §4.2) reuses this so both the probe and the
// keepalive speak byte-identical, well-formed STUN on the wire.
func BuildBindingRequest() (*stun.Message, error) {
	return stun.Build(stun.TransactionID, stun.BindingRequest)
}

// Probe performs a STUN Binding exchange on conn against cfg.PrimaryServer,
// returning the reflexive address the NAT has mapped conn's local port to.
// It runs synchronously and does not start any background goroutines — the
// caller (the supervisor, constructing the Endpoint next) owns conn's
// receive loop once Probe returns.
func Probe(conn *net.UDPConn, cfg Config) (*Result, error) {
	primaryAddr, err := net.ResolveUDPAddr("udp4", cfg.PrimaryServer)
	if err != nil {
		return nil, fmt.Errorf("natprobe: resolve primary STUN server: %w", err)
	}

	mapped, err := bindingRequest(conn, primaryAddr, cfg.Retries, cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	result := &Result{
		PublicIP:   mapped.IP,
		PublicPort: mapped.Port,
		Class:      ClassUnknown,
	}

	local := conn.LocalAddr().(*net.UDPAddr)
	if mapped.IP.Equal(local.IP) && mapped.Port == local.Port {
		result.Class = ClassOpen
		return result, nil
	}

	result.Class = ClassPortRestrictedCone // conservative default, refined below

	if cfg.SecondaryServer != "" {
		if secondaryAddr, err := net.ResolveUDPAddr("udp4", cfg.SecondaryServer); err == nil {
			if mapped2, err := bindingRequest(conn, secondaryAddr, cfg.Retries, cfg.RequestTimeout); err == nil {
				if mapped2.Port != mapped.Port {
					result.Class = ClassSymmetric
				} else {
					result.Class = ClassFullCone
				}
			}
		}
	}

	return result, nil
}

// bindingRequest sends up to retries STUN Binding Requests to addr, one at a
// time, until a well-formed response carrying a mapped address arrives.
func bindingRequest(conn *net.UDPConn, addr *net.UDPAddr, retries int, timeout time.Duration) (*net.UDPAddr, error) {
	if retries <= 0 {
		retries = 1
	}

	msg, err := BuildBindingRequest()
	if err != nil {
		return nil, fmt.Errorf("build binding request: %w", err)
	}

	buf := make([]byte, 1500)

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if _, err := conn.WriteToUDP(msg.Raw, addr); err != nil {
			lastErr = fmt.Errorf("send binding request: %w", err)
			continue
		}

		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			lastErr = err
			continue
		}

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			lastErr = err
			continue
		}
		if from.String() != addr.String() {
			// Not our STUN server's reply (e.g. stray peer traffic before
			// the endpoint's receiver task exists); ignore and keep waiting
			// within this attempt's budget by retrying.
			attempt--
			continue
		}

		mapped, parseErr := parseMappedAddress(buf[:n], msg.TransactionID)
		if parseErr != nil {
			lastErr = parseErr
			continue
		}
		return mapped, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no response after %d attempts", retries)
	}
	return nil, lastErr
}

// parseMappedAddress decodes a STUN Binding Response and extracts the
// XOR-MAPPED-ADDRESS (falling back to the plain MAPPED-ADDRESS).
func parseMappedAddress(raw []byte, wantTxID [stun.TransactionIDSize]byte) (*net.UDPAddr, error) {
	var m stun.Message
	m.Raw = append(m.Raw, raw...)
	if err := m.Decode(); err != nil {
		return nil, fmt.Errorf("decode STUN message: %w", err)
	}
	if m.TransactionID != wantTxID {
		return nil, fmt.Errorf("STUN transaction ID mismatch")
	}
	if m.Type != stun.BindingSuccess {
		return nil, fmt.Errorf("unexpected STUN message type %s", m.Type)
	}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(&m); err == nil {
		return &net.UDPAddr{IP: append(net.IP(nil), xor.IP...), Port: xor.Port}, nil
	}

	var plain stun.MappedAddress
	if err := plain.GetFrom(&m); err == nil {
		return &net.UDPAddr{IP: append(net.IP(nil), plain.IP...), Port: plain.Port}, nil
	}

	return nil, fmt.Errorf("no mapped address attribute in STUN response")
}

// IsSTUNMessage reports whether data looks like a STUN message, letting
// callers that share a socket between STUN and application traffic tell
// them apart (used defensively; the endpoint itself demultiplexes by peer
// address, not by payload shape, per spec.md §4.2).
func IsSTUNMessage(data []byte) bool {
	return stun.IsMessage(data)
}
