// Copyright 2026 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package palaver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/antflydb/palaver/pkg/palaver/lib/generation"
)

// ServerConfig holds the HTTP service configuration.
type ServerConfig struct {
	Addr  string
	Queue RequestQueueConfig
}

// Server exposes the generation service over HTTP: POST /v1/generate for
// token-id sequences, GET /healthz for liveness, GET /metrics for
// Prometheus.
type Server struct {
	cfg     ServerConfig
	pool    *generation.Pooled
	queue   *RequestQueue
	metrics *Metrics
	logger  *zap.Logger

	registry *prometheus.Registry
	httpSrv  *http.Server
}

// NewServer assembles the service around a generator pool.
func NewServer(cfg ServerConfig, pool *generation.Pooled, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	queue := NewRequestQueue(cfg.Queue, logger)
	registry := prometheus.NewRegistry()
	return &Server{
		cfg:      cfg,
		pool:     pool,
		queue:    queue,
		metrics:  NewMetrics(registry, queue),
		logger:   logger,
		registry: registry,
	}
}

// Queue returns the admission queue (exposed for stats).
func (s *Server) Queue() *RequestQueue {
	return s.queue
}

// Handler builds the HTTP routing for the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe runs the HTTP server until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("serving", zap.String("addr", s.cfg.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// GenerateRequest is the /v1/generate request body. The service speaks
// token ids; tokenization happens client-side.
type GenerateRequest struct {
	InputIDs []int64 `json:"input_ids"`
}

// GenerateResponse is the /v1/generate response body.
type GenerateResponse struct {
	TokenIDs     []int64 `json:"token_ids"`
	StoppedAtEOS bool    `json:"stopped_at_eos"`
	Steps        int     `json:"steps"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.Requests.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.InputIDs) == 0 {
		s.metrics.Requests.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "input_ids must not be empty")
		return
	}

	release, err := s.queue.Acquire(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, ErrQueueFull):
			s.metrics.Requests.WithLabelValues("rejected").Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "service overloaded, please retry later")
		case errors.Is(err, ErrRequestTimeout):
			s.metrics.Requests.WithLabelValues("timeout").Inc()
			writeError(w, http.StatusGatewayTimeout, "request timeout exceeded")
		default:
			s.metrics.Requests.WithLabelValues("cancelled").Inc()
			writeError(w, http.StatusServiceUnavailable, "request cancelled")
		}
		return
	}

	result, err := s.pool.Generate(r.Context(), req.InputIDs)
	if err != nil {
		release(0)
		s.metrics.Requests.WithLabelValues("error").Inc()
		s.logger.Error("generation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "generation failed")
		return
	}
	release(len(result.TokenIDs))

	s.metrics.Requests.WithLabelValues("ok").Inc()
	s.metrics.GeneratedTokens.Add(float64(len(result.TokenIDs)))
	s.metrics.Duration.Observe(time.Since(start).Seconds())
	s.logger.Debug("generation served",
		zap.Int("input_tokens", len(req.InputIDs)),
		zap.Int("output_tokens", len(result.TokenIDs)),
		zap.Duration("elapsed", time.Since(start)))

	writeJSON(w, http.StatusOK, GenerateResponse{
		TokenIDs:     result.TokenIDs,
		StoppedAtEOS: result.StoppedAtEOS,
		Steps:        result.Steps,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pool":   s.pool.Size(),
		"queue":  s.queue.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
