// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"net/http"

	"github.com/flyingrobots/jono/internal/config"
	"github.com/flyingrobots/jono/internal/queue"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server is the operator-facing HTTP surface over every configured
// topic: submit, abort, status, stats, peek and purge, nothing more.
// Authn/z, rate limiting and audit logging are left to a fronting
// proxy rather than reimplemented here.
type Server struct {
	cfg    config.AdminAPI
	log    *zap.Logger
	server *http.Server
}

// NewServer builds a Server bound to one queue.Context per topic.
func NewServer(cfg config.AdminAPI, contexts map[string]queue.Context, log *zap.Logger) *Server {
	return &Server{cfg: cfg, log: log, server: &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      buildRouter(contexts, log),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}}
}

func buildRouter(contexts map[string]queue.Context, log *zap.Logger) http.Handler {
	h := NewHandler(contexts, log)
	r := mux.NewRouter()
	r.Use(RecoveryMiddleware(log))
	r.Use(RequestIDMiddleware())

	api := r.PathPrefix("/api/v1/topics/{topic}").Subrouter()
	api.HandleFunc("/jobs", h.Submit).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", h.Status).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", h.Abort).Methods(http.MethodDelete)
	api.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	api.HandleFunc("/peek/{status}", h.Peek).Methods(http.MethodGet)
	api.HandleFunc("/state/{status}", h.PurgeState).Methods(http.MethodDelete)
	api.HandleFunc("/state", h.PurgeAll).Methods(http.MethodDelete)

	return r
}

// Start runs the server until it errors or is shut down.
func (s *Server) Start() error {
	s.log.Info("starting admin api server", zap.String("addr", s.cfg.ListenAddr))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
