// Package api is the operator-facing HTTP surface: carrier management,
// queue intake, stats, health, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smsdispatch/internal/dispatch"
	"smsdispatch/internal/storage"
	"smsdispatch/pkg/logx"
)

type Config struct {
	Addr string
}

type Server struct {
	cfg    Config
	engine *dispatch.Engine
	store  storage.Store
	log    logx.Logger

	srv *http.Server
}

func NewServer(cfg Config, engine *dispatch.Engine, store storage.Store, gatherer prometheus.Gatherer, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}

	s := &Server{cfg: cfg, engine: engine, store: store, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/carriers", s.handleListCarriers)
	r.Post("/carriers", s.handleAddCarrier)
	r.Post("/carriers/{name}/enable", s.handleEnableCarrier)
	r.Get("/carriers/{name}/stats", s.handleCarrierStats)
	r.Post("/messages", s.handleEnqueue)
	r.Get("/messages/{id}", s.handleGetMessage)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) Start() {
	go func() {
		s.log.Info("ops api listening", logx.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops api server failed", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("ops api shutdown", logx.Err(err))
	}
}
