package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// HTTPServer is the small blob-store backend an HTTPStore client talks to.
// It never interprets or verifies the JWT it stores — Download's caller
// verifies the signature, not the store — so the server can be a cheap
// sidecar that only keeps the latest token per key in memory
// (SPEC_FULL.md §5).
type HTTPServer struct {
	mu     sync.Mutex
	blobs  map[string]string
	router *mux.Router
	server *http.Server
}

// NewHTTPServer builds a blob-store server bound to addr.
func NewHTTPServer(addr string) *HTTPServer {
	s := &HTTPServer{blobs: make(map[string]string)}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/blobs/{key}", s.handlePut).Methods(http.MethodPut)
	s.router.HandleFunc("/blobs/{key}", s.handleGet).Methods(http.MethodGet)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("signaling: bind blob server: %w", err)
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			fmt.Printf("signaling: blob server error: %v\n", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handlePut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var env blobEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.blobs[key] = env.Token
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	s.mu.Lock()
	token, ok := s.blobs[key]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(blobEnvelope{Token: token})
}
