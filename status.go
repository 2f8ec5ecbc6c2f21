package devhost

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// StatusServer exposes read-only JSON endpoints about the running devhost
// instance on a loopback address:
//
//	GET /healthz       liveness
//	GET /readyz        readiness
//	GET /metrics       Prometheus metrics
//	GET /status        summary
//	GET /routes        route table
//	GET /certificates  stored leaf certificates
//	GET /hosts         managed hosts entries
//
// It uses [chi] for routing. Nothing here mutates state.
type StatusServer struct {
	// Addr is the address to listen on (default "127.0.0.1:9180").
	Addr string

	// Router whose routes and listeners are reported.
	Router *Router

	// CA whose certificates are listed (optional).
	CA *CertificateAuthority

	// Hosts registry whose managed entries are listed (optional).
	Hosts *HostRegistry

	// Health backs /healthz and /readyz. Created if nil.
	Health *HealthChecker

	// Metrics backs /metrics (optional).
	Metrics *Metrics

	// Backend reports transport counters (optional).
	Backend *BackendTransport

	// Logger for status server events.
	Logger *slog.Logger

	mu  sync.Mutex
	srv *http.Server
}

// NewStatusServer creates a StatusServer for router.
func NewStatusServer(addr string, router *Router) *StatusServer {
	return &StatusServer{
		Addr:   addr,
		Router: router,
		Health: NewHealthChecker(),
		Logger: slog.Default(),
	}
}

// Handler returns the chi router serving every endpoint.
func (s *StatusServer) Handler() http.Handler {
	if s.Health == nil {
		s.Health = NewHealthChecker()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Compress(DefaultCompressionConfig()))

	r.Get("/healthz", s.Health.HandleHealthz)
	r.Get("/readyz", s.Health.HandleReadyz)
	r.Get("/metrics", s.handleMetrics)

	r.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Get("/status", s.handleStatus)
		r.Get("/routes", s.handleRoutes)
		r.Get("/certificates", s.handleCertificates)
		r.Get("/hosts", s.handleHosts)
	})

	return r
}

// Serve serves the status endpoints on ln until Shutdown.
func (s *StatusServer) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	s.Health.SetAlive(true)
	s.Logger.Info("status server listening", "addr", ln.Addr().String())

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe binds Addr and serves.
func (s *StatusServer) ListenAndServe() error {
	addr := s.Addr
	if addr == "" {
		addr = "127.0.0.1:9180"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return newError(KindListen, "status server", "", err)
	}
	return s.Serve(ln)
}

// Shutdown gracefully stops the status server.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	if s.Health != nil {
		s.Health.SetReady(false)
		s.Health.SetAlive(false)
	}
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Response types

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status           string        `json:"status"`
	Uptime           string        `json:"uptime"`
	RoutesRegistered int           `json:"routes_registered"`
	RoutesRunning    int           `json:"routes_running"`
	Ports            []int         `json:"ports"`
	ServedDomains    []string      `json:"served_domains"`
	Certificates     int           `json:"certificates"`
	Backend          *BackendStats `json:"backend,omitempty"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *StatusServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.Metrics == nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "metrics not enabled"})
		return
	}
	s.Metrics.Handler().ServeHTTP(w, r)
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Status:        "ok",
		Uptime:        s.Health.Uptime().Truncate(time.Second).String(),
		Ports:         []int{},
		ServedDomains: []string{},
	}

	if s.Router != nil {
		routes := s.Router.Routes()
		resp.RoutesRegistered = len(routes)
		for _, rt := range routes {
			if rt.IsRunning {
				resp.RoutesRunning++
			}
		}
		resp.Ports = s.Router.Ports()
		resp.ServedDomains = s.Router.SNI().Domains()
	}

	if s.CA != nil {
		certs, err := s.CA.List()
		if err != nil {
			s.Logger.Warn("status: list certificates", "error", err)
		}
		resp.Certificates = len(certs)
	}

	if s.Backend != nil {
		stats := s.Backend.Stats()
		resp.Backend = &stats
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *StatusServer) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	if s.Router == nil {
		s.writeJSON(w, http.StatusOK, []Route{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.Router.Routes())
}

func (s *StatusServer) handleCertificates(w http.ResponseWriter, _ *http.Request) {
	if s.CA == nil {
		s.writeJSON(w, http.StatusOK, []CertificateInfo{})
		return
	}
	certs, err := s.CA.List()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, certs)
}

func (s *StatusServer) handleHosts(w http.ResponseWriter, _ *http.Request) {
	if s.Hosts == nil {
		s.writeJSON(w, http.StatusOK, []HostEntry{})
		return
	}
	entries, err := s.Hosts.Read()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	managed := make([]HostEntry, 0, len(entries))
	for _, e := range entries {
		if e.Managed {
			managed = append(managed, e)
		}
	}
	s.writeJSON(w, http.StatusOK, managed)
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("status write error", "error", err)
	}
}
