package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodebridge/p2ptun/pkg/endpoint"
)

const (
	janitorPeriod     = 5 * time.Second
	idleThreshold     = 30 * time.Second
	disconnectRepeats = 5
)

// Janitor is the periodic eviction task of spec.md §4.3 "Eviction
// (janitor)": every 5s it walks the directories and removes entries idle
// beyond 30s, notifying the peer of client-side evictions with a repeated
// DISCONNECT burst for datagram-loss tolerance.
type Janitor struct {
	table    *Table
	ep       *endpoint.Endpoint
	isClient bool
	log      *logrus.Entry
}

// NewJanitor builds a janitor for the given side. On the client side it
// sweeps PendingFlows/LiveFlows; on the server side it sweeps
// ServerSockets.
func NewJanitor(table *Table, ep *endpoint.Endpoint, isClient bool, log *logrus.Entry) *Janitor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Janitor{table: table, ep: ep, isClient: isClient, log: log.WithField("component", "janitor")}
}

// Run sleeps janitorPeriod between sweeps until stop is closed.
func (j *Janitor) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(janitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	if j.isClient {
		evicted := j.table.SweepClientIdle(idleThreshold)
		for _, e := range evicted {
			j.log.WithField("flow_id", e.id).Debug("evicting idle client flow")
			for i := 0; i < disconnectRepeats; i++ {
				if err := j.ep.Send(EncodeDisconnect(e.id)); err != nil {
					j.log.WithError(err).Debug("janitor: failed to send DISCONNECT")
				}
			}
		}
		return
	}

	evicted := j.table.SweepServerIdle(idleThreshold)
	for _, id := range evicted {
		j.log.WithField("flow_id", id).Debug("evicting idle server socket")
	}
}
