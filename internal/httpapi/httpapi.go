// Package httpapi provides the minimal interface-only HTTP surface
// spec.md §6 calls for: just enough routing to make the pipeline,
// registry, and publisher reachable end-to-end. Grounded on the
// teacher's chi+cors wiring and internal/api/middleware/logger.go's
// request-logging middleware; the rest of the teacher's route surface
// (auth, multi-tenant routing, RAG, workflow orchestration) is
// explicitly out of scope and not built here.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/control-plane/internal/pipeline"
	"github.com/agentoven/agentoven/control-plane/internal/publisher"
	"github.com/agentoven/agentoven/control-plane/internal/registry"
	"github.com/agentoven/agentoven/control-plane/internal/sandbox"
	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

// Server wires the pipeline and registry behind four routes.
type Server struct {
	router *chi.Mux
	pl     *pipeline.Pipeline
	reg    *registry.Registry
}

// New builds the router. The publisher argument is accepted but not
// stored or used (its own Run loop drives the backend push, independent
// of HTTP traffic).
func New(pl *pipeline.Pipeline, reg *registry.Registry, _ *publisher.Publisher) *Server {
	s := &Server{router: chi.NewRouter(), pl: pl, reg: reg}

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))
	s.router.Use(requestLogger)

	s.router.Post("/v1/infer", s.handleInfer)
	s.router.Get("/v1/health/live", s.handleLive)
	s.router.Get("/v1/health/ready", s.handleReady)
	s.router.Get("/v1/capabilities", s.handleCapabilities)

	return s
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.router }

type inferRequestBody struct {
	RequestID string          `json:"request_id"`
	ModelID   string          `json:"model_id"`
	Version   string          `json:"version"`
	Input     json.RawMessage `json:"input"`
	InputKind string          `json:"input_kind"`
	BatchN    int             `json:"batch_n"`
	Frames    int             `json:"frames"`
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	var body inferRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	req := pipeline.Request{
		RequestID: body.RequestID,
		ModelID:   body.ModelID,
		Version:   body.Version,
		Input: sandbox.Input{
			Kind:    model.InputKind(body.InputKind),
			BatchN:  body.BatchN,
			Frames:  body.Frames,
			Payload: body.Input,
		},
	}

	resp := s.pl.Submit(r.Context(), req)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"alive"}`))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	for _, v := range s.reg.GetVersionsByState(model.StateReady) {
		if v.Health == model.HealthHealthy || v.Health == model.HealthDegraded {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ready"}`))
			return
		}
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"status":"not_ready"}`))
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.reg.Snapshot())
}

// responseWriter wraps http.ResponseWriter capturing the status code,
// mirroring internal/api/middleware/logger.go.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		dur := time.Since(start)

		ev := log.Info()
		if rw.statusCode >= 500 {
			ev = log.Error()
		} else if rw.statusCode >= 400 {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", rw.statusCode).Dur("duration", dur).
			Str("remote", r.RemoteAddr).Msg("http request")
	})
}
