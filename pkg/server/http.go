package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raterudder/optimshine/pkg/log"
)

type healthResponse struct {
	Status  string   `json:"status"`
	Pending int      `json:"pending"`
	Running []string `json:"running"`
	Missed  []string `json:"missed"`
}

type jobResponse struct {
	ID      string    `json:"id"`
	NextRun time.Time `json:"nextRun"`
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/plan", s.handlePlan)
	mux.Handle("GET /metrics", promhttp.Handler())
	return gziphandler.GzipHandler(s.securityHeadersMiddleware(mux))
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{
		Status:  "ok",
		Pending: s.sched.Pending(),
		Running: s.sched.Running(),
		Missed:  s.sched.Missed(),
	}
	code := http.StatusOK
	if s.sched.Stopping() {
		res.Status = "stopping"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, res)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := []jobResponse{}
	for id, at := range s.sched.Jobs() {
		jobs = append(jobs, jobResponse{ID: id, NextRun: at})
	}
	writeJSON(w, r, http.StatusOK, jobs)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.judge.Status())
}
