package session

import (
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodebridge/p2ptun/pkg/endpoint"
)

const ephemeralRecvTimeout = 200 * time.Millisecond

// ServerPipeline is the server-side half of the Session Multiplexer
// (spec.md §4.3 "Server-side pipeline"): a peer receiver opens one
// ephemeral socket per flow ID and relays datagrams to/from the local
// service at serviceAddr.
//
// The "readiness-driven loop [that] waits for readable events across all
// ServerSockets" of spec.md §4.3 is realized here as one reader goroutine
// per live ephemeral socket rather than a single selector: Go's scheduler
// multiplexes blocking reads across OS threads natively, so a goroutine per
// socket is the idiomatic equivalent of the Python original's
// selectors.DefaultSelector() pool, without re-implementing readiness
// polling by hand.
type ServerPipeline struct {
	ep          *endpoint.Endpoint
	table       *Table
	serviceAddr *net.UDPAddr
	log         *logrus.Entry
}

// NewServer builds a server pipeline forwarding to the local service at
// serviceAddr (typically 127.0.0.1:PORT).
func NewServer(ep *endpoint.Endpoint, table *Table, serviceAddr *net.UDPAddr, log *logrus.Entry) *ServerPipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ServerPipeline{
		ep:          ep,
		table:       table,
		serviceAddr: serviceAddr,
		log:         log.WithField("component", "server-pipeline"),
	}
}

// Run drives the peer receiver until stop is closed.
func (s *ServerPipeline) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		err := s.ep.Recv(s.handlePeerDatagram, peerRecvTimeout)
		if errors.Is(err, endpoint.ErrClosed) {
			return
		}
	}
}

func (s *ServerPipeline) handlePeerDatagram(data []byte, _ *net.UDPAddr) {
	frame := Classify(data)
	switch frame.Kind {
	case FrameConnect:
		s.handleConnect(frame.FlowID)
	case FrameDisconnect:
		s.table.RemoveServerSocket(frame.FlowID)
	case FrameHeartbeat:
		// ignored, per spec.md §4.3.
	case FrameData:
		conn, ok := s.table.ServerSocket(frame.FlowID)
		if !ok {
			s.log.WithField("flow_id", frame.FlowID).Debug("data frame for unknown flow, dropping")
			return
		}
		if _, err := conn.WriteToUDP(frame.Payload, s.serviceAddr); err != nil {
			s.log.WithError(err).Debug("failed to forward payload to local service")
		}
	}
}

func (s *ServerPipeline) handleConnect(id uint8) {
	conn, created, err := s.table.EnsureServerSocket(id, func() (*net.UDPConn, error) {
		return net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	})
	if err != nil {
		s.log.WithError(err).WithField("flow_id", id).Error("failed to open ephemeral socket")
		return
	}
	if created {
		go s.ephemeralReader(id, conn)
	}

	if err := s.ep.Send(EncodeConnectAck(id)); err != nil {
		s.log.WithError(err).Debug("failed to send CONNECT_ACK")
	}
}

// ephemeralReader drains one ephemeral socket, relaying local-service
// replies back to the peer as data frames (spec.md §4.3 "Ephemeral reader
// pool"). It exits once the socket is closed by RemoveServerSocket.
func (s *ServerPipeline) ephemeralReader(id uint8, conn *net.UDPConn) {
	buf := make([]byte, localBufferSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(ephemeralRecvTimeout)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.log.WithError(err).Debug("ephemeral reader: transient recv error")
			continue
		}

		s.table.TouchServerSocket(id)
		if err := s.ep.Send(EncodeData(id, buf[:n])); err != nil {
			s.log.WithError(err).Debug("failed to relay local-service reply to peer")
		}
	}
}
