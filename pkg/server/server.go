// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package server exposes the HTTP API: log ingestion, the device
// onboarding handshake, app summaries and the operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"expvar"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/logsentry/logsentry/pkg/deviceauth"
	"github.com/logsentry/logsentry/pkg/keys"
	"github.com/logsentry/logsentry/pkg/processor"
	"github.com/logsentry/logsentry/pkg/store"
)

// Error codes surfaced in JSON error bodies.
const (
	codeBadRequest      = "BAD_REQUEST"
	codeUnauthorized    = "UNAUTHORIZED"
	codeForbidden       = "FORBIDDEN"
	codeNotFound        = "NOT_FOUND"
	codePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	codeBackpressure    = "BACKPRESSURE"
	codeRateLimited     = "RATE_LIMITED"
	codeSessionExpired  = "SESSION_EXPIRED"
	codeSessionConsumed = "SESSION_CONSUMED"
	codeDraining        = "DRAINING"
	codeInternal        = "INTERNAL"
)

// Config holds the server's listen address and the public URLs it
// advertises during onboarding.
type Config struct {
	Addr string
	// ReadTimeout bounds how long a request body read may take.
	ReadTimeout time.Duration
}

// Server wires the HTTP handlers to the pipeline components.
type Server struct {
	cfg    Config
	log    *zap.Logger
	store  store.Store
	keys   *keys.Registry
	procs  *processor.Registry
	device *deviceauth.Service

	srv      *http.Server
	draining atomic.Bool
}

// New builds the server. Start must be called to begin serving.
func New(cfg Config, st store.Store, keyRegistry *keys.Registry, procs *processor.Registry, device *deviceauth.Service, log *zap.Logger) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		log:    log,
		store:  st,
		keys:   keyRegistry,
		procs:  procs,
		device: device,
	}
	s.srv = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.Router(),
		ReadTimeout: cfg.ReadTimeout,
	}
	return s
}

// Router returns the route table. Exposed so tests can drive handlers
// through httptest without binding a socket.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/sdk/device/start", s.handleDeviceStart).Methods(http.MethodPost)
	r.HandleFunc("/sdk/device/complete", s.handleDeviceComplete).Methods(http.MethodPost)
	r.HandleFunc("/sdk/device/poll", s.handleDevicePoll).Methods(http.MethodGet)
	r.HandleFunc("/summary/{app_id}", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Handle("/debug/vars", expvar.Handler()).Methods(http.MethodGet)
	return r
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server stopped", zap.Error(err))
		}
	}()
	s.log.Info("http server listening", zap.String("addr", s.cfg.Addr))
}

// Drain flips the server into drain mode: ingest refuses new batches
// with 503 while in-flight processing continues.
func (s *Server) Drain() {
	s.draining.Store(true)
	s.log.Info("entering drain mode")
}

// Stop drains and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.Drain()
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
