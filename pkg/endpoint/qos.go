package endpoint

import "golang.org/x/net/ipv4"

// lowDelayTOS is the classic IPTOS_LOWDELAY value, applied to S so the
// punch burst and keepalive traffic are marked for low-latency handling
// by any router that honors it (SPEC_FULL.md §4.2 domain-stack wiring).
const lowDelayTOS = 0x10

// applyLowDelayTOS is best-effort: plenty of networks strip or ignore the
// ToS byte, and some platforms reject SetTOS outright, so a failure here
// is logged and never fatal.
func (e *Endpoint) applyLowDelayTOS() {
	if err := ipv4.NewConn(e.conn).SetTOS(lowDelayTOS); err != nil {
		e.log.WithError(err).Debug("failed to set low-delay DSCP, continuing without it")
	}
}
