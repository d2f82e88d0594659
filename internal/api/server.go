package api

import (
	"context"
	"net/http"
	"sync"

	"transit-poll-store/internal/sink"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// BackendFactory opens a fresh storage session. Every submitted document
// gets its own session, so sessions never share a writer.
type BackendFactory func(ctx context.Context) (sink.Backend, error)

// Server encapsulates the HTTP server, router and job registry.
type Server struct {
	mux        *http.ServeMux
	mu         sync.RWMutex
	jobs       map[string]*jobEntry
	wg         sync.WaitGroup
	newBackend BackendFactory
	commitOpts []sink.CommitOption
	log        logrus.FieldLogger
}

type jobEntry struct {
	status *JobStatus
	cancel context.CancelFunc // allows cancellation via DELETE /sessions/{id}
}

// NewServer builds a server with basic logging and panic recovery middlewares.
// gatherer backs GET /metrics; nil leaves the route out.
func NewServer(newBackend BackendFactory, log logrus.FieldLogger, gatherer prometheus.Gatherer, commitOpts ...sink.CommitOption) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		jobs:       make(map[string]*jobEntry),
		newBackend: newBackend,
		commitOpts: commitOpts,
		log:        log,
	}
	s.registerRoutes(gatherer)
	return s
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.mux.HandleFunc("/sessions", s.handleSessions)     // POST /sessions
	s.mux.HandleFunc("/sessions/", s.handleSessionByID) // GET/DELETE /sessions/{id}
	if gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the routed handler wrapped in the middlewares.
func (s *Server) Handler() http.Handler {
	return s.recoveryMiddleware(s.loggingMiddleware(s.mux))
}

// Run starts the HTTP server on the provided address.
func (s *Server) Run(addr string) error {
	s.log.Infof("HTTP server running on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// Wait blocks until every background job has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Simple request logger middleware.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debugf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware catches panics and returns 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Errorf("panic recovered: %v", rec)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
