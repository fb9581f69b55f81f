// Package diagnostics implements the optional local status/flow/event HTTP
// server of SPEC_FULL.md §7: a read-only operator convenience surface that
// never mutates tunnel state.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/nodebridge/p2ptun/pkg/session"
)

// StatusSnapshot is the JSON body of GET /status.
type StatusSnapshot struct {
	Mode              string `json:"mode"`
	NodeID            string `json:"node_id"`
	PeerID            string `json:"peer_id"`
	NATClass          string `json:"nat_class"`
	PunchState        string `json:"punch_state"`
	LiveFlowCount     int    `json:"live_flow_count"`
	PendingFlowCount  int    `json:"pending_flow_count"`
	ServerSocketCount int    `json:"server_socket_count"`
}

// FlowSnapshot is one entry of GET /flows.
type FlowSnapshot struct {
	FlowID   uint8  `json:"flow_id"`
	Addr     string `json:"addr"`
	State    string `json:"state"`
	IdleSecs int    `json:"idle_seconds"`
}

// StatusProvider and FlowsProvider are supplied by the Tunnel Supervisor;
// diagnostics never reaches into supervisor state directly.
type StatusProvider func() StatusSnapshot
type FlowsProvider func() []FlowSnapshot

// Server is the optional diagnostics HTTP+WebSocket server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	username     string
	passwordHash string
	log          *logrus.Entry

	statusFn StatusProvider
	flowsFn  FlowsProvider

	wsMu      sync.RWMutex
	wsClients map[*wsClient]bool
}

// NewServer builds a diagnostics server bound to addr. If username and
// passwordHash are both non-empty, every route requires HTTP Basic auth
// checked with bcrypt against passwordHash (SPEC_FULL.md §7).
func NewServer(addr, username, passwordHash string, statusFn StatusProvider, flowsFn FlowsProvider, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		username:     username,
		passwordHash: passwordHash,
		log:          log.WithField("component", "diagnostics"),
		statusFn:     statusFn,
		flowsFn:      flowsFn,
		wsClients:    make(map[*wsClient]bool),
	}

	s.router = mux.NewRouter()
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/flows", s.handleFlows).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.authMiddleware(s.router),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and begins serving in the background. A bind
// failure is returned to the caller, who per SPEC_FULL.md §10 logs it once
// and disables diagnostics for the process rather than treating it as
// fatal.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("diagnostics: bind %s: %w", s.httpServer.Addr, err)
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("diagnostics server error")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.username == "" || s.passwordHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || user != s.username || bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="p2ptun diagnostics"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.statusFn())
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	flows := s.flowsFn()
	if flows == nil {
		flows = make([]FlowSnapshot, 0)
	}
	s.writeJSON(w, flows)
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Debug("failed to encode diagnostics response")
	}
}

// PublishEvent fans a FlowEvent out to every connected WebSocket client.
func (s *Server) PublishEvent(ev session.FlowEvent) {
	msg := wsMessage{
		FlowID:    ev.FlowID,
		Kind:      ev.Kind.String(),
		LocalAddr: ev.LocalAddr,
		Time:      ev.Time,
	}

	s.wsMu.RLock()
	defer s.wsMu.RUnlock()
	for client := range s.wsClients {
		select {
		case client.send <- msg:
		default:
			// slow client, drop the event rather than block the publisher.
		}
	}
}

// Run drains events (typically Table.Events()) and republishes them to
// WebSocket clients until events closes or stop fires.
func (s *Server) Run(events <-chan session.FlowEvent, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.PublishEvent(ev)
		}
	}
}
