// Package web is the thin HTTP surface over the broker command contract.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/screwdriver-cd/queue-broker/internal/breaker"
	"github.com/screwdriver-cd/queue-broker/model"
)

// Broker is the command surface the server fronts.
type Broker interface {
	Start(ctx context.Context, cfg model.BuildConfig) error
	Stop(ctx context.Context, cfg model.StopConfig) error
	StartPeriodic(ctx context.Context, cfg model.PeriodicConfig) error
	StopPeriodic(ctx context.Context, jobID int64) error
	StartFrozen(ctx context.Context, cfg model.BuildConfig) error
	StopFrozen(ctx context.Context, jobID int64) error
	StartTimer(ctx context.Context, cfg model.TimerConfig) error
	StopTimer(ctx context.Context, buildID int64) error
	Stats() breaker.Stats
}

type Server struct {
	router chi.Router
	broker Broker
}

func NewServer(b Broker) *Server {
	s := &Server{
		router: chi.NewRouter(),
		broker: b,
	}

	s.routes()
	return s
}

// Expose the router for main.go
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/v1/queue/message", s.handleMessage)
	r.Post("/v1/queue/message/periodic", s.handleStartPeriodic)
	r.Delete("/v1/queue/message/periodic", s.handleStopPeriodic)
	r.Post("/v1/queue/message/frozen", s.handleStartFrozen)
	r.Delete("/v1/queue/message/frozen", s.handleStopFrozen)
	r.Get("/v1/queue/stats", s.handleStats)
	r.Get("/v1/status", s.handleStatus)
}

type messageRequest struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

type jobRequest struct {
	JobID int64 `json:"jobId"`
}

type buildRequest struct {
	BuildID int64 `json:"buildId"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	switch req.Type {
	case "start":
		var cfg model.BuildConfig
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			http.Error(w, "invalid config: "+err.Error(), http.StatusBadRequest)
			return
		}
		err = s.broker.Start(ctx, cfg)
	case "stop":
		var cfg model.StopConfig
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			http.Error(w, "invalid config: "+err.Error(), http.StatusBadRequest)
			return
		}
		err = s.broker.Stop(ctx, cfg)
	case "startTimer":
		var cfg model.TimerConfig
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			http.Error(w, "invalid config: "+err.Error(), http.StatusBadRequest)
			return
		}
		err = s.broker.StartTimer(ctx, cfg)
	case "stopTimer":
		var cfg buildRequest
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			http.Error(w, "invalid config: "+err.Error(), http.StatusBadRequest)
			return
		}
		err = s.broker.StopTimer(ctx, cfg.BuildID)
	default:
		http.Error(w, "unknown message type: "+req.Type, http.StatusBadRequest)
		return
	}

	if err != nil {
		http.Error(w, "failed to process message: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeOK(w)
}

func (s *Server) handleStartPeriodic(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var cfg model.PeriodicConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.broker.StartPeriodic(ctx, cfg); err != nil {
		http.Error(w, "failed to start periodic: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeOK(w)
}

func (s *Server) handleStopPeriodic(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.broker.StopPeriodic(ctx, req.JobID); err != nil {
		http.Error(w, "failed to stop periodic: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeOK(w)
}

func (s *Server) handleStartFrozen(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var cfg model.BuildConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.broker.StartFrozen(ctx, cfg); err != nil {
		http.Error(w, "failed to start frozen: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeOK(w)
}

func (s *Server) handleStopFrozen(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.broker.StopFrozen(ctx, req.JobID); err != nil {
		http.Error(w, "failed to stop frozen: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeOK(w)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.broker.Stats())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}
