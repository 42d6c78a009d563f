package ipc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// AuxHTTPServer is the loopback-only diagnostic surface (/healthz,
// /metrics) served alongside the Unix socket, grounded on the teacher's
// internal/api/server.go chi-based server.
type AuxHTTPServer struct {
	router  chi.Router
	manager interface {
		UptimeS() float64
		ActiveRunCount() int
	}
}

// NewAuxHTTPServer builds the router. manager supplies liveness data.
func NewAuxHTTPServer(manager interface {
	UptimeS() float64
	ActiveRunCount() int
}) *AuxHTTPServer {
	s := &AuxHTTPServer{manager: manager}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Loopback-only diagnostic endpoint: deny all cross-origin requests
	// (rs/cors defaults an empty allow-list to "*", so pin it to a sentinel
	// that never matches a real Origin header) unlike the teacher's
	// public-facing API CORS policy.
	corsHandler := cors.New(cors.Options{AllowedOrigins: []string{"null"}})
	r.Use(corsHandler.Handler)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *AuxHTTPServer) Handler() http.Handler { return s.router }

func (s *AuxHTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":           "ok",
		"uptime_s":         s.manager.UptimeS(),
		"active_run_count": s.manager.ActiveRunCount(),
	})
}

// ListenAndServe starts the HTTP server, shutting down when ctx is cancelled.
func (s *AuxHTTPServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv.ListenAndServe()
}
