package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"conductor/internal/job"
	"conductor/internal/jobstore"
	"conductor/internal/logging"
	"conductor/internal/orchestrator"
	"conductor/internal/services"
)

// Pipeline is the orchestrator surface the API drives.
type Pipeline interface {
	Submit(ctx context.Context, input job.Input) (orchestrator.SubmitResult, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, filter jobstore.Filter) ([]job.Summary, error)
	Cancel(ctx context.Context, id string) (*job.Job, error)
	PurgeExpired(ctx context.Context) (int, error)
	ClearBreaker(name string) error
	ResetAll(ctx context.Context) (int, error)
	Status(ctx context.Context) orchestrator.StatusSummary
}

// Server routes control API requests to a Pipeline.
type Server struct {
	pipeline Pipeline
	stream   http.Handler
	logger   *slog.Logger
}

// NewServer builds the control API. stream serves GET /ws and may be nil.
func NewServer(pipeline Pipeline, stream http.Handler, logger *slog.Logger) *Server {
	return &Server{
		pipeline: pipeline,
		stream:   stream,
		logger:   logging.NewComponentLogger(logger, "api"),
	}
}

// Handler returns the chi router for the control API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Post("/pipeline", s.handleSubmit)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Get("/{jobID}", s.handleGet)
		r.Post("/{jobID}/cancel", s.handleCancel)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Post("/purge", s.handlePurge)
		r.Post("/breakers/{target}/reset", s.handleBreakerReset)
		r.Post("/reset", s.handleReset)
	})
	r.Get("/status", s.handleStatus)
	if s.stream != nil {
		r.Get("/ws", s.stream.ServeHTTP)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, services.Wrap(services.KindNotFound, "api", "route", "no such route", nil))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, s.logger, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed", Kind: services.KindClient})
	})
	return r
}

// requestLogger tags the request context with the chi request id and logs
// each request at debug level once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = services.WithRequestID(ctx, id)
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		logging.WithContext(ctx, s.logger).Debug("api request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", ww.Status()),
			logging.Duration("duration", time.Since(start)),
		)
	})
}
