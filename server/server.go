// Package server exposes the orchestrator over HTTP so several sessions can
// drive their own runs against one process.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"media-publish-pipeline/config"
	"media-publish-pipeline/orchestrator"
)

// Server owns the live runs. Each run belongs to the session that created it.
type Server struct {
	cfg  config.ServerConfig
	orch *orchestrator.Orchestrator
	log  zerolog.Logger

	maxAssetBytes int64

	mu   sync.RWMutex
	runs map[string]*orchestrator.Run
}

// New creates a server; call Handler or ListenAndServe.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, log zerolog.Logger) *Server {
	return &Server{
		cfg:           cfg.Server,
		orch:          orch,
		log:           log,
		maxAssetBytes: cfg.Assets.MaxBytes,
		runs:          make(map[string]*orchestrator.Run),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, s.requestLogger)
	if s.cfg.WriteTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.WriteTimeout))
	}

	r.Get("/healthz", s.health)

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.createRun)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getRun)
			r.Delete("/", s.deleteRun)
			r.Post("/reset", s.resetRun)
			r.Put("/assets/{kind}", s.putAsset)
			r.Put("/effect", s.putEffect)
			r.Post("/step", s.goTo)
			r.Post("/render", s.render)
			r.Post("/describe", s.describe)
			r.Put("/metadata", s.putMetadata)
			r.Post("/publish", s.publish)
		})
	})

	r.Route("/credentials/{name}", func(r chi.Router) {
		r.Put("/", s.supplyCredential)
		r.Delete("/", s.forgetCredential)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully and
// closes every run.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("🚀 pipeline server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeAll()
	s.log.Info().Msg("server stopped")
	return err
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, run := range s.runs {
		s.orch.Close(run)
		delete(s.runs, id)
	}
}

func (s *Server) lookup(id string) (*orchestrator.Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		ev := s.log.Info()
		if ww.Status() >= 500 {
			ev = s.log.Error()
		}
		ev.Str("req_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
