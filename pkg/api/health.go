package api

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/clusterkit/netprov/pkg/metrics"
)

// HealthServer exposes liveness, readiness and Prometheus metrics endpoints
// for a long-running provisioning process (currently the partition-key
// daemon).
type HealthServer struct {
	mux   *http.ServeMux
	ready atomic.Bool
}

// NewHealthServer creates a health check HTTP server. The process starts
// unready; /readyz reports ready once SetReady(true) has been called.
func NewHealthServer() *HealthServer {
	hs := &HealthServer{mux: http.NewServeMux()}
	hs.mux.HandleFunc("/healthz", hs.healthHandler)
	hs.mux.HandleFunc("/readyz", hs.readyHandler)
	hs.mux.Handle("/metrics", metrics.Handler())
	return hs
}

// SetReady flips the readiness flag the /readyz endpoint reports.
func (hs *HealthServer) SetReady(ready bool) { hs.ready.Store(ready) }

// Start starts the HTTP server. It blocks until the server stops.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// GetHandler returns the HTTP handler for embedding in another server.
func (hs *HealthServer) GetHandler() http.Handler { return hs.mux }

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "healthy", Timestamp: time.Now()})
}

func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := "ready"
	code := http.StatusOK
	if !hs.ready.Load() {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(healthResponse{Status: status, Timestamp: time.Now()})
}
