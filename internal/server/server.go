// Package server exposes the HTTP/WebSocket surface: the compile
// endpoint, the sandbox status probe, sketch CRUD, and the per-client
// simulation session.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/michaelbrown/breadboard/internal/board"
	"github.com/michaelbrown/breadboard/internal/build"
	"github.com/michaelbrown/breadboard/internal/compile"
	"github.com/michaelbrown/breadboard/internal/config"
	"github.com/michaelbrown/breadboard/internal/storage"
)

// Server is the HTTP server for the breadboard API.
type Server struct {
	cfg        *config.Config
	store      storage.Store
	builder    build.Builder
	probe      build.Probe
	profile    *board.Profile
	compileSvc *compile.Service
	sessions   *SessionManager
	router     chi.Router
	http       *http.Server

	sweepStop chan struct{}
}

// New creates a new Server.
func New(cfg *config.Config, store storage.Store, builder build.Builder, probe build.Probe, profile *board.Profile) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		builder:    builder,
		probe:      probe,
		profile:    profile,
		compileSvc: compile.NewService(builder, cfg.Cache.TTL),
		sessions:   NewSessionManager(),
		router:     chi.NewRouter(),
		sweepStop:  make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Post("/compile", s.handleCompile)
		r.Get("/status", s.handleStatus)

		// Sketches
		r.Get("/sketches", s.handleListSketches)
		r.Post("/sketches", s.handleCreateSketch)
		r.Get("/sketches/{id}", s.handleGetSketch)
		r.Put("/sketches/{id}", s.handleUpdateSketch)
		r.Delete("/sketches/{id}", s.handleDeleteSketch)

		// WebSocket (no JSON content-type)
		r.Get("/session/ws", s.handleWebSocket)
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go s.sweepLoop()

	log.Printf("breadboard server starting on http://localhost%s (execution mode: %s)", addr, s.probe.Mode)
	return s.http.ListenAndServe()
}

// sweepLoop periodically evicts expired compile cache entries. Lookup
// purges lazily; this bounds memory when keys churn without repeats.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.Cache.TTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.compileSvc.Cache().Sweep(); n > 0 {
				log.Printf("compile cache: evicted %d expired entries", n)
			}
		case <-s.sweepStop:
			return
		}
	}
}

// Shutdown gracefully shuts down the server, tearing every live
// session (and its execution) down first.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("shutting down server...")
	close(s.sweepStop)
	s.sessions.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
