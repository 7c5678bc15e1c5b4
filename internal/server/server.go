// Package server exposes the tablet server's operational HTTP endpoints:
// the maintenance status dump and a health check.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/karst-db/karst/internal/logging"
	"github.com/karst-db/karst/internal/maintenance"
)

// DumpSource produces a maintenance status snapshot. Implemented by
// maintenance.Manager.
type DumpSource interface {
	StatusDump() maintenance.StatusDump
}

// StatusServer serves /maintenancez and /healthz.
type StatusServer struct {
	mu        sync.RWMutex
	addr      string
	boundAddr string
	server    *http.Server
	source    DumpSource
	logger    *logging.Logger
}

// NewStatusServer creates a status server over the given dump source.
func NewStatusServer(addr string, source DumpSource, logger *logging.Logger) *StatusServer {
	if logger == nil {
		logger = logging.Global()
	}
	return &StatusServer{
		addr:   addr,
		source: source,
		logger: logger,
	}
}

// Start begins serving. Non-blocking.
func (s *StatusServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/maintenancez", s.handleMaintenance)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("status server stopped", map[string]any{"error": err.Error()})
		}
	}()

	return nil
}

// Addr returns the actual bound address of the server.
// Returns the configured address if the server hasn't started yet.
func (s *StatusServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.addr
}

// Close shuts down the status server.
func (s *StatusServer) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *StatusServer) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dump := s.source.StatusDump()
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		s.logger.Errorf("status dump encode failed", map[string]any{"error": err.Error()})
	}
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
