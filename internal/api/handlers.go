package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"conductor/internal/breaker"
	"conductor/internal/job"
	"conductor/internal/jobstore"
	"conductor/internal/logging"
	"conductor/internal/orchestrator"
	"conductor/internal/services"
)

const maxRequestBody = 1 << 20

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		message := "request body must be a JSON object with an input field"
		if errors.Is(err, io.EOF) {
			message = "request body is empty"
		}
		s.writeError(w, services.Wrap(services.KindClient, "api", "submit", message, err))
		return
	}

	res, err := s.pipeline.Submit(r.Context(), req.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusAccepted
	if res.Existing {
		code = http.StatusOK
	}
	writeJSON(w, s.logger, code, SubmitResponse{
		JobID:    res.Job.ID,
		Status:   res.Job.Status,
		Existing: res.Existing,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	j, err := s.pipeline.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, j)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jobs, err := s.pipeline.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []job.Summary{}
	}
	writeJSON(w, s.logger, http.StatusOK, JobListResponse{Jobs: jobs})
}

// parseFilter reads ?limit= and any number of ?status= values, each of which
// may hold a comma-separated list.
func parseFilter(r *http.Request) (jobstore.Filter, error) {
	query := r.URL.Query()
	filter := jobstore.Filter{Limit: jobstore.DefaultListLimit}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, services.Wrap(services.KindClient, "api", "list", fmt.Sprintf("limit %q must be a positive integer", raw), err)
		}
		filter.Limit = min(limit, jobstore.MaxListLimit)
	}
	for _, value := range query["status"] {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status, ok := job.ParseStatus(part)
			if !ok {
				return filter, services.Wrap(services.KindClient, "api", "list", fmt.Sprintf("unknown status %q", part), nil)
			}
			filter.Status = append(filter.Status, status)
		}
	}
	return filter, nil
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	j, err := s.pipeline.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, j)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	purged, err := s.pipeline.PurgeExpired(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, PurgeResponse{Purged: purged})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	if err := s.pipeline.ClearBreaker(target); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, BreakerResetResponse{Target: target, State: breaker.StateClosed})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	removed, err := s.pipeline.ResetAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, ResetResponse{Removed: removed})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, FromStatusSummary(s.pipeline.Status(r.Context())))
}

// FromStatusSummary converts the orchestrator summary into its wire form.
func FromStatusSummary(summary orchestrator.StatusSummary) StatusResponse {
	return StatusResponse{
		Running:    summary.Running,
		ActiveJobs: summary.ActiveJobs,
		JobStats:   summary.JobStats,
		Breakers:   summary.Breakers,
		Health:     summary.Health,
		LastError:  summary.LastError,
	}
}

// StatusFor maps an error kind to the HTTP status the API answers with.
func StatusFor(kind services.Kind) int {
	switch kind {
	case services.KindClient:
		return http.StatusBadRequest
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindCircuitOpen, services.KindTransient, services.KindInterrupted:
		return http.StatusServiceUnavailable
	case services.KindPollTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := services.KindOf(err)
	if kind == "" {
		kind = services.KindInternal
	}
	code := StatusFor(kind)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("api request failed", logging.Args(logging.ErrorAttrs(err)...)...)
	}
	writeJSON(w, s.logger, code, ErrorResponse{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode response", logging.Error(err))
	}
}
