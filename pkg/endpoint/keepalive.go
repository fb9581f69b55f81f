package endpoint

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/nodebridge/p2ptun/pkg/natprobe"
)

const keepaliveInterval = time.Second

// keepaliveLoop transmits a well-formed STUN Binding Request to the
// configured STUN server once per second, from construction until Punch
// succeeds (spec.md §4.2: "prevents the NAT mapping for S from expiring
// between probe and punch"). Failures are logged and ignored.
func (e *Endpoint) keepaliveLoop() {
	defer close(e.keepaliveDone)

	if e.stunAddr == nil {
		return
	}

	limiter := rate.NewLimiter(rate.Every(keepaliveInterval), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-e.keepaliveStop
		cancel()
	}()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		select {
		case <-e.keepaliveStop:
			return
		default:
		}

		msg, err := natprobe.BuildBindingRequest()
		if err != nil {
			e.log.WithError(err).Debug("keepalive: failed to build STUN request")
			continue
		}
		if _, err := e.conn.WriteToUDP(msg.Raw, e.stunAddr); err != nil {
			e.log.WithError(err).Debug("keepalive: failed to send STUN request")
		}
	}
}

func (e *Endpoint) stopKeepalive() {
	select {
	case <-e.keepaliveStop:
		// already stopped
	default:
		close(e.keepaliveStop)
	}
}
