// Package journal provides an optional, append-only SQLite log of flow
// lifecycle events, for postmortem diagnostics (SPEC_FULL.md §6). It is
// purely additive: the tunnel operates identically whether or not a
// journal is configured.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/nodebridge/p2ptun/pkg/session"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS flow_events (
	ts         INTEGER NOT NULL,
	flow_id    INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	local_addr TEXT NOT NULL
)`

const insertEventSQL = `INSERT INTO flow_events (ts, flow_id, kind, local_addr) VALUES (?, ?, ?, ?)`

// Journal appends FlowEvents to a SQLite-backed table. A failure to open
// the database is logged once by the caller and the journal is simply not
// constructed — this type never panics or exits on its own.
type Journal struct {
	db  *sql.DB
	log *logrus.Entry
}

// Open opens (creating if absent) the SQLite database at path and ensures
// the flow_events table exists.
func Open(path string, log *logrus.Entry) (*Journal, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping %s: %w", path, err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create table: %w", err)
	}

	return &Journal{db: db, log: log.WithField("component", "journal")}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record inserts one FlowEvent. Write failures are logged and swallowed —
// a broken journal must never affect tunnel operation.
func (j *Journal) Record(ev session.FlowEvent) {
	_, err := j.db.Exec(insertEventSQL, ev.Time.Unix(), ev.FlowID, ev.Kind.String(), ev.LocalAddr)
	if err != nil {
		j.log.WithError(err).Warn("failed to write flow event")
	}
}

// Run drains events off the channel (typically Table.Events()) until it is
// closed or stop fires.
func (j *Journal) Run(events <-chan session.FlowEvent, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			j.Record(ev)
		}
	}
}

// Query returns the most recent n flow events, newest first.
func (j *Journal) Query(n int) ([]session.FlowEvent, error) {
	rows, err := j.db.Query(`SELECT ts, flow_id, kind, local_addr FROM flow_events ORDER BY ts DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []session.FlowEvent
	for rows.Next() {
		var ts int64
		var flowID uint8
		var kind, addr string
		if err := rows.Scan(&ts, &flowID, &kind, &addr); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		out = append(out, session.FlowEvent{
			FlowID:    flowID,
			Kind:      session.ParseEventKind(kind),
			LocalAddr: addr,
			Time:      time.Unix(ts, 0),
		})
	}
	return out, rows.Err()
}
