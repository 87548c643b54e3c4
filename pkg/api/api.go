// Package api exposes a small JSON-over-HTTP API for the hostd daemon.
// It listens on a Unix domain socket (path comes from config) and delegates
// all resolution to a hostdns.Resolver. Prometheus metrics are served on
// the same socket under /metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lc/hostd/internal/buildinfo"
	"github.com/lc/hostd/internal/engine"
	"github.com/lc/hostd/internal/log"
	"github.com/lc/hostd/internal/record"
	"github.com/lc/hostd/internal/socket"
	"github.com/lc/hostd/pkg/hostdns"
)

// Resolver is what the API serves. *hostdns.Resolver implements it.
type Resolver interface {
	Lookup(ctx context.Context, hostname string) *record.Host
	Resolve(ctx context.Context, hostname string) string
	Stats() hostdns.Stats
	Clear() error
	Persist(ctx context.Context, hostname string) error
	EnableBackend(origin record.Origin, enabled bool) error
	SetNetworkState(state hostdns.NetworkState) error
}

var _ Resolver = (*hostdns.Resolver)(nil)

// ResolveResponse is the best address of a host.
type ResolveResponse struct {
	Host    string `json:"host"`
	Address string `json:"address"`
}

// AddressesResponse is the ranked record of a host.
type AddressesResponse struct {
	Host       string           `json:"host"`
	Origin     string           `json:"origin"`
	UpdateTime int64            `json:"update_time"`
	Addresses  []record.Address `json:"addresses"`
}

// NetworkRequest reports a connectivity change.
type NetworkRequest struct {
	State hostdns.NetworkState `json:"state"`
}

// BackendRequest turns one resolution backend on or off.
type BackendRequest struct {
	Backend string `json:"backend"`
	Enabled bool   `json:"enabled"`
}

// StatusResponse represents the server status response.
type StatusResponse struct {
	Records int                  `json:"records"`
	Running bool                 `json:"running"`
	Network hostdns.NetworkState `json:"network"`
	Uptime  time.Duration        `json:"uptime"`
	Version string               `json:"version"`
	Commit  string               `json:"commit"`
}

// Server handles HTTP API requests over a Unix domain socket.
type Server struct {
	res     Resolver
	start   time.Time
	mux     *http.ServeMux
	srv     *http.Server
	metrics *metrics
}

// New creates an API server over res with its own metrics registry.
func New(res Resolver) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newStatsCollector(res))

	s := &Server{
		res:     res,
		start:   time.Now(),
		mux:     http.NewServeMux(),
		metrics: newMetrics(reg),
	}

	s.handle("/v1/resolve", http.MethodGet, s.handleResolve)
	s.handle("/v1/addresses", http.MethodGet, s.handleAddresses)
	s.handle("/v1/stats", http.MethodGet, s.handleStats)
	s.handle("/v1/clear", http.MethodPost, s.handleClear)
	s.handle("/v1/persist", http.MethodPost, s.handlePersist)
	s.handle("/v1/backend", http.MethodPost, s.handleBackend)
	s.handle("/v1/network", http.MethodPost, s.handleNetwork)
	s.handle("/v1/status", http.MethodGet, s.handleStatus)
	s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts the Unix-socket HTTP server.
func (s *Server) ListenAndServe(path string) error {
	ln, err := socket.Listen(path)
	if err != nil {
		return err
	}
	return s.srv.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

// handle registers fn for path, enforcing method and counting requests.
func (s *Server) handle(path, method string, fn http.HandlerFunc) {
	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		s.metrics.requestsInflight.Inc()
		defer s.metrics.requestsInflight.Dec()

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		if r.Method != method {
			http.Error(rec, "method not allowed", http.StatusMethodNotAllowed)
		} else {
			fn(rec, r)
		}
		s.metrics.requests.WithLabelValues(path, strconv.Itoa(rec.code)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func hostParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	host := strings.TrimSpace(r.URL.Query().Get("host"))
	if host == "" {
		http.Error(w, "host required", http.StatusBadRequest)
		return "", false
	}
	return host, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("Error encoding response: %v", err), http.StatusInternalServerError)
	}
}

// handleResolve returns the best address of a host.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	host, ok := hostParam(w, r)
	if !ok {
		return
	}
	start := time.Now()
	addr := s.res.Resolve(r.Context(), host)
	s.metrics.resolveDuration.Observe(time.Since(start).Seconds())
	if addr == "" {
		http.Error(w, fmt.Sprintf("no address for %s", host), http.StatusNotFound)
		return
	}
	writeJSON(w, ResolveResponse{Host: host, Address: addr})
}

// handleAddresses returns the ranked record of a host.
func (s *Server) handleAddresses(w http.ResponseWriter, r *http.Request) {
	host, ok := hostParam(w, r)
	if !ok {
		return
	}
	h := s.res.Lookup(r.Context(), host)
	if h == nil {
		http.Error(w, fmt.Sprintf("no address for %s", host), http.StatusNotFound)
		return
	}
	writeJSON(w, AddressesResponse{
		Host:       h.Hostname,
		Origin:     h.Origin.String(),
		UpdateTime: h.UpdateTime,
		Addresses:  h.Addresses,
	})
}

// handleStats returns the resolver stats snapshot.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.res.Stats())
}

// handleClear drops every cached record.
func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	if err := s.res.Clear(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Info("api: cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

// handlePersist writes a host's record to disk.
func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	host, ok := hostParam(w, r)
	if !ok {
		return
	}
	if err := s.res.Persist(r.Context(), host); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, engine.ErrNotFound) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBackend enables or disables a resolution backend.
func (s *Server) handleBackend(w http.ResponseWriter, r *http.Request) {
	var req BackendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	origin, err := record.ParseOrigin(req.Backend)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.res.EnableBackend(origin, req.Enabled); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Infof("api: %s backend enabled=%t", origin, req.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

// handleNetwork records a connectivity change.
func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var req NetworkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.res.SetNetworkState(req.State); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus returns the server status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.res.Stats()
	writeJSON(w, StatusResponse{
		Records: st.Registry.Total,
		Running: st.Running,
		Network: st.Network,
		Uptime:  time.Since(s.start),
		Version: buildinfo.Version,
		Commit:  buildinfo.Commit,
	})
}
