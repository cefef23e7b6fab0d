package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/vfhost/pkg/host"
	"github.com/cuemby/vfhost/pkg/log"
	"github.com/cuemby/vfhost/pkg/metrics"
	"github.com/cuemby/vfhost/pkg/security"
)

// StatsProvider is the part of a host the status server reads.
type StatsProvider interface {
	Stats() host.Stats
	SecurityStatus() (security.Status, bool)
}

// HealthServer provides the HTTP status endpoints
type HealthServer struct {
	host   StatsProvider
	mux    *http.ServeMux
	server *http.Server
}

// NewHealthServer creates a status server. A nil provider serves only
// the health and metrics endpoints.
func NewHealthServer(h StatsProvider) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		host: h,
		mux:  mux,
	}

	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.HandleFunc("/stats", hs.statsHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start serves on addr until Stop is called.
func (hs *HealthServer) Start(addr string) error {
	hs.server = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("Status server listening")

	err := hs.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down, waiting up to 5s for open requests.
func (hs *HealthServer) Stop() error {
	if hs.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.server.Shutdown(ctx)
}

// StatsResponse is the body of /stats
type StatsResponse struct {
	Timestamp  time.Time       `json:"timestamp"`
	Version    string          `json:"version"`
	Namespaces bool            `json:"namespaces"`
	Security   *SecurityReport `json:"security,omitempty"`
	Pools      []PoolReport    `json:"pools"`
}

// SecurityReport lists the hardening features of the last handshake
type SecurityReport struct {
	Complete bool     `json:"complete"`
	Missing  []string `json:"missing,omitempty"`
}

// PoolReport describes one worker pool
type PoolReport struct {
	Kind    string         `json:"kind"`
	Size    int            `json:"size"`
	Workers map[string]int `json:"workers"`
	Waiters int            `json:"waiters"`
	Spawned uint64         `json:"spawned"`
	Killed  uint64         `json:"killed"`
}

func (hs *HealthServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hs.host == nil {
		http.Error(w, "Host not initialized", http.StatusServiceUnavailable)
		return
	}

	stats := hs.host.Stats()
	response := StatsResponse{
		Timestamp:  time.Now(),
		Version:    stats.Version,
		Namespaces: stats.Namespaces,
		Pools:      make([]PoolReport, 0, len(stats.Pools)),
	}
	if status, ok := hs.host.SecurityStatus(); ok {
		response.Security = &SecurityReport{Complete: status.Complete(), Missing: status.Missing()}
	}
	for _, ps := range stats.Pools {
		workers := make(map[string]int, len(ps.Workers))
		for state, n := range ps.Workers {
			workers[string(state)] = n
		}
		response.Pools = append(response.Pools, PoolReport{
			Kind:    string(ps.Kind),
			Size:    ps.Size,
			Workers: workers,
			Waiters: ps.Waiters,
			Spawned: ps.Spawned,
			Killed:  ps.Killed,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
