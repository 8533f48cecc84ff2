// Package server exposes a participant over HTTP: the document id exchange,
// the peer trigger, a debug view of the replicated state, health and
// metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/bakery/internal/bakery"
	"github.com/dreamware/bakery/internal/cluster"
	"github.com/dreamware/bakery/internal/repo"
)

// Cycler runs one acquire, increment, release cycle. *bakery.Coordinator
// satisfies it.
type Cycler interface {
	RunCycle(ctx context.Context) (uint64, error)
}

// DriverStats reports driver progress. *driver.Driver satisfies it.
type DriverStats interface {
	Last() uint64
	Cycles() uint64
}

// PeerHealth reports the last known health of each peer.
// *cluster.HealthMonitor satisfies it.
type PeerHealth interface {
	All() map[string]cluster.PeerHealth
}

// State is the body of GET /state.
type State struct {
	Driver     *DriverState                  `json:"driver,omitempty"`
	Peers      map[string]cluster.PeerHealth `json:"peers,omitempty"`
	Bakery     bakery.Bakery                 `json:"bakery"`
	ID         string                        `json:"id"`
	DocumentID string                        `json:"document_id"`
	Version    uint64                        `json:"version"`
}

// DriverState is the driver section of State.
type DriverState struct {
	Last   uint64 `json:"last"`
	Cycles uint64 `json:"cycles"`
}

// Server serves one participant's HTTP surface.
type Server struct {
	handle  *repo.DocHandle
	cycler  Cycler
	driver  DriverStats
	peers   PeerHealth
	metrics http.Handler
	logger  *zap.Logger
	onFatal func(error)
	id      string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithDriver adds driver progress to /state.
func WithDriver(d DriverStats) Option {
	return func(s *Server) { s.driver = d }
}

// WithPeerHealth adds peer health to /state.
func WithPeerHealth(p PeerHealth) Option {
	return func(s *Server) { s.peers = p }
}

// WithFatal sets the hook called after an invariant violation has been
// reported to the client. The process is expected to stop.
func WithFatal(f func(error)) Option {
	return func(s *Server) { s.onFatal = f }
}

// New returns a server for participant id.
func New(id string, h *repo.DocHandle, c Cycler, opts ...Option) *Server {
	s := &Server{
		id:      id,
		handle:  h,
		cycler:  c,
		logger:  zap.NewNop(),
		metrics: http.NotFoundHandler(),
		onFatal: func(error) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/doc-id", s.handleDocumentID)
	mux.HandleFunc("/increment", s.handleIncrement)
	mux.HandleFunc("/state", s.handleState)
	mux.Handle("/metrics", s.metrics)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": s.id})
}

func (s *Server) handleDocumentID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, cluster.DocumentIDResponse{DocumentID: s.handle.DocumentID().String()})
}

// handleIncrement runs a cycle to completion even if the caller goes away,
// since abandoning it mid-protocol would leave our ticket held.
func (s *Server) handleIncrement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	output, err := s.cycler.RunCycle(context.WithoutCancel(r.Context()))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, cluster.IncrementResponse{Output: output})
	case bakery.IsShutdown(err):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
	case errors.Is(err, bakery.ErrInvariantViolation):
		s.logger.Error("invariant violated during cycle", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		s.onFatal(err)
	default:
		s.logger.Warn("cycle failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	b, err := bakery.Snapshot(s.handle)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	st := State{
		ID:         s.id,
		DocumentID: s.handle.DocumentID().String(),
		Version:    s.handle.Version(),
		Bakery:     b,
	}
	if s.driver != nil {
		st.Driver = &DriverState{Last: s.driver.Last(), Cycles: s.driver.Cycles()}
	}
	if s.peers != nil {
		st.Peers = s.peers.All()
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
