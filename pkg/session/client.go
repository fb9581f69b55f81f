package session

import (
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodebridge/p2ptun/pkg/endpoint"
)

const (
	localRecvTimeout = 100 * time.Millisecond
	peerRecvTimeout  = 100 * time.Millisecond
	localBufferSize  = 4096
)

// ClientPipeline is the client-side half of the mode-asymmetric Session
// Multiplexer (spec.md §4.3 "Client-side pipeline"): a local listener fans
// many local-app flows into the single peer channel owned by ep.
type ClientPipeline struct {
	ep    *endpoint.Endpoint
	local *net.UDPConn
	table *Table
	log   *logrus.Entry

	fatal chan error
}

// NewClient builds a client pipeline. local must already be bound to
// 0.0.0.0:PORT (spec.md §4.3's "Local listener").
func NewClient(ep *endpoint.Endpoint, local *net.UDPConn, table *Table, log *logrus.Entry) *ClientPipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ClientPipeline{
		ep:    ep,
		local: local,
		table: table,
		log:   log.WithField("component", "client-pipeline"),
		fatal: make(chan error, 1),
	}
}

// Fatal reports ErrFlowIDExhausted once the ID space is exhausted; the
// local→peer pump stops at that point. The Supervisor does not read this
// channel, so the rest of the tunnel keeps running after exhaustion.
func (c *ClientPipeline) Fatal() <-chan error {
	return c.fatal
}

// Run starts both pump loops and blocks until stop is closed and both have
// returned.
func (c *ClientPipeline) Run(stop <-chan struct{}) {
	done := make(chan struct{}, 2)
	go func() { c.localToPeerLoop(stop); done <- struct{}{} }()
	go func() { c.peerToLocalLoop(stop); done <- struct{}{} }()
	<-done
	<-done
}

func (c *ClientPipeline) localToPeerLoop(stop <-chan struct{}) {
	buf := make([]byte, localBufferSize)
	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := c.local.SetReadDeadline(time.Now().Add(localRecvTimeout)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		n, from, err := c.local.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			c.log.WithError(err).Debug("local listener: transient recv error")
			continue
		}
		payload := append([]byte(nil), buf[:n]...)

		id, created, err := c.table.LookupOrCreate(from)
		if err != nil {
			c.log.WithError(err).Error("flow id space exhausted")
			select {
			case c.fatal <- err:
			default:
			}
			return
		}
		if created {
			if err := c.ep.Send(EncodeConnect(id)); err != nil {
				c.log.WithError(err).Warn("failed to send CONNECT")
			}
		} else {
			c.table.TouchLive(id)
		}

		if err := c.ep.Send(EncodeData(id, payload)); err != nil {
			c.log.WithError(err).Debug("failed to send data frame to peer")
		}
	}
}

func (c *ClientPipeline) peerToLocalLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		err := c.ep.Recv(c.handlePeerDatagram, peerRecvTimeout)
		if errors.Is(err, endpoint.ErrClosed) {
			return
		}
	}
}

func (c *ClientPipeline) handlePeerDatagram(data []byte, _ *net.UDPAddr) {
	frame := Classify(data)
	switch frame.Kind {
	case FrameConnectAck:
		c.table.AckPending(frame.FlowID)
	case FrameHeartbeat:
		// ignored, per spec.md §4.3.
	case FrameData:
		addr, ok := c.table.LiveAddr(frame.FlowID)
		if !ok {
			return
		}
		if _, err := c.local.WriteToUDP(frame.Payload, addr); err != nil {
			c.log.WithError(err).Debug("failed to deliver payload to local app")
		}
	default:
		// CONNECT/DISCONNECT are not expected from the peer in client mode.
	}
}
