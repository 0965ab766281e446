package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/auth"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/curve"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/models"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/service"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/store"
)

const (
	maxBodyBytes = 1 << 20

	DefaultRequestTimeout = 30 * time.Second
)

type Server struct {
	service           *service.Service
	verifier          *auth.Verifier
	gatherer          prometheus.Gatherer
	logger            *zap.Logger
	requestTimeout    time.Duration
	simulationTimeout time.Duration
}

type Options struct {
	Verifier *auth.Verifier
	// Gatherer backs /metrics; the route is omitted when nil.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	// RequestTimeout applies to every route except POST /api/simulation.
	RequestTimeout time.Duration
	// SimulationTimeout applies to POST /api/simulation and must cover
	// rounds.MaxRounds paced rounds. Defaults to RequestTimeout.
	SimulationTimeout time.Duration
}

func New(svc *service.Service, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.SimulationTimeout <= 0 {
		opts.SimulationTimeout = opts.RequestTimeout
	}
	return &Server{
		service:           svc,
		verifier:          opts.Verifier,
		gatherer:          opts.Gatherer,
		logger:            opts.Logger.Named("http"),
		requestTimeout:    opts.RequestTimeout,
		simulationTimeout: opts.SimulationTimeout,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))
		r.Get("/health", s.handleHealth)
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout))
			r.Get("/tasks", s.handleListTasks)
			r.Get("/tasks/{id}", s.handleGetTask)
			r.Get("/contributions", s.handleListContributions)
			r.Get("/simulation", s.handleSimulationStatus)
			r.Get("/train", s.handleTrainingInfo)

			r.Group(func(r chi.Router) {
				s.requireAuth(r)
				r.Post("/tasks", s.handleCreateTask)
				r.Post("/contributions", s.handleSubmitContribution)
				r.Post("/train", s.handleTrain)
			})
		})

		// Simulations pace every round, so they get their own deadline.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.simulationTimeout))
			s.requireAuth(r)
			r.Post("/simulation", s.handleSimulate)
		})
	})
	return r
}

func (s *Server) requireAuth(r chi.Router) {
	if s.verifier != nil {
		r.Use(s.verifier.Middleware)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.service.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := paging(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks, err := s.service.ListTasks(r.Context(), store.ListTasksFilter{
		Status:    models.TaskStatus(q.Get("status")),
		CreatorID: q.Get("creatorId"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.service.GetTask(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"task": task})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req service.CreateTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.service.CreateTask(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"task": task})
}

func (s *Server) handleListContributions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := paging(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.ListContributionsFilter{
		ContributorID: q.Get("contributorId"),
		Limit:         limit,
		Offset:        offset,
	}
	if raw := q.Get("taskId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid taskId")
			return
		}
		filter.TaskID = &id
	}
	out, err := s.service.ListContributions(r.Context(), filter)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"contributions": out})
}

func (s *Server) handleSubmitContribution(w http.ResponseWriter, r *http.Request) {
	var req service.ContributionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.service.SubmitContribution(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"contribution": c})
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req service.SimulateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.service.Simulate(r.Context(), req)
	if err != nil {
		if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			// The timeout middleware answers 504 once the handler returns.
			s.logger.Error("simulation exceeded request deadline",
				zap.String("task_id", req.TaskID.String()),
				zap.Int("rounds_committed", len(res.Results)),
				zap.Error(err))
			return
		}
		if len(res.Results) > 0 {
			s.logger.Error("simulation interrupted",
				zap.String("task_id", req.TaskID.String()),
				zap.Int("rounds_committed", len(res.Results)),
				zap.Error(err))
			respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"error":  err.Error(),
				"result": res,
			})
			return
		}
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  res,
		"message": res.Message,
	})
}

func (s *Server) handleSimulationStatus(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("taskId")
	if raw == "" {
		respondError(w, http.StatusBadRequest, "taskId required")
		return
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid taskId")
		return
	}
	status, err := s.service.SimulationStatus(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var cfg curve.Config
	if err := decodeJSON(w, r, &cfg); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.service.Train(r.Context(), cfg)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleTrainingInfo serves the training catalog, or the status of one model
// when modelId is given.
func (s *Server) handleTrainingInfo(w http.ResponseWriter, r *http.Request) {
	if modelID := r.URL.Query().Get("modelId"); modelID != "" {
		status, err := s.service.TrainingStatusFor(modelID)
		if err != nil {
			s.respondServiceError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, status)
		return
	}
	respondJSON(w, http.StatusOK, s.service.TrainingCatalog())
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, curve.ErrUnsupportedTaskType):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func paging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			return 0, 0, errors.New("invalid limit")
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			return 0, 0, errors.New("invalid offset")
		}
	}
	return limit, offset, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
