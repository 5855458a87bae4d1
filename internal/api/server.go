// Package api serves the energy query surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"vmenergy/internal/attribution"
	"vmenergy/internal/inventory"
	"vmenergy/internal/logging"
)

// Aggregator computes attributed energy for a request.
type Aggregator interface {
	Aggregate(ctx context.Context, resources map[string][]attribution.VM, start, end string) (float64, error)
}

// InventoryLoader returns the current server inventory.
type InventoryLoader interface {
	Load() (*inventory.Inventory, error)
}

// Recorder receives request and query observations.
type Recorder interface {
	ObserveRequest(route string, code int, seconds float64)
	ObserveQuery(ok bool)
}

// Options configure a Server.
type Options struct {
	Addr           string
	AllowedOrigins []string
	Inventory      InventoryLoader
	Engine         Aggregator
	Recorder       Recorder
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	// Health reports readiness on /healthz; nil means always healthy.
	Health func(ctx context.Context) error
	// AccessLog receives combined-format access lines when set.
	AccessLog io.Writer
	Logger    *logging.Logger
}

// Server is the HTTP query surface.
type Server struct {
	opts    Options
	handler http.Handler
}

// NewServer builds the router and middleware chain.
func NewServer(opts Options) *Server {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	s := &Server{opts: opts}

	r := mux.NewRouter()
	r.Use(s.observe)
	r.HandleFunc("/servers", s.handleServers).Methods(http.MethodGet)
	r.HandleFunc("/vms", s.handleVMs).Methods(http.MethodGet)
	r.HandleFunc("/energy", s.handleEnergy).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	var h http.Handler = r
	h = handlers.CORS(
		handlers.AllowedOrigins(opts.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(panicLogger{opts.Logger}))(h)
	if opts.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(opts.AccessLog, h)
	}
	s.handler = h
	return s
}

// Handler returns the complete handler chain.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.opts.Logger.Info("api.started", "Serving energy API", map[string]interface{}{
		"listen": s.opts.Addr,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.opts.Logger.Info("api.stopped", "Energy API stopped", nil)
	return nil
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Recorder == nil {
			next.ServeHTTP(w, r)
			return
		}
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		s.opts.Recorder.ObserveRequest(route, sw.status, time.Since(start).Seconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type panicLogger struct {
	logger *logging.Logger
}

func (p panicLogger) Println(v ...interface{}) {
	p.logger.Error("api.panic", "Recovered from handler panic", map[string]interface{}{
		"panic": fmt.Sprint(v...),
	})
}
