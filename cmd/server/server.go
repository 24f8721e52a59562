package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/liamcoop/rulegate/internal/logger"
	"github.com/liamcoop/rulegate/internal/metrics"
	"github.com/liamcoop/rulegate/multitenantengine"
	"github.com/liamcoop/rulegate/rules"
	"github.com/liamcoop/rulegate/rules/mirror"
)

const maxBodyBytes = 1 << 20

type engineKey struct{}

type Server struct {
	manager *multitenantengine.Manager
	metrics *metrics.Metrics
	logger  *slog.Logger
	router  *chi.Mux
}

func NewServer(manager *multitenantengine.Manager, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		manager: manager,
		metrics: m,
		logger:  log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Get("/api/v1/health", s.handleHealth)

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			r.Use(s.tenantEngine)

			r.Get("/", s.handleGetTenant)
			r.Delete("/", s.handleDeleteTenant)

			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules", s.handleListRules)
			r.Get("/rules/{name}", s.handleGetRule)
			r.Put("/rules/{name}", s.handleUpdateRule)
			r.Delete("/rules/{name}", s.handleDeleteRule)
			r.Get("/rules/{name}/dependents", s.handleDependents)

			r.Post("/validate", s.handleValidate)
			r.Post("/evaluate", s.handleEvaluate)
			r.Post("/evaluate/batch", s.handleEvaluateBatch)
			r.Post("/evaluate/batches", s.handleEvaluateBatches)
			r.Post("/preview", s.handlePreview)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logger.HTTPStatus(status)
		s.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// tenantEngine resolves {tenantId} and stores its engine in the request context
func (s *Server) tenantEngine(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		engine, err := s.manager.GetEngine(chi.URLParam(r, "tenantId"))
		if err != nil {
			s.respondError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), engineKey{}, engine)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func engineFrom(r *http.Request) *rules.Engine {
	return r.Context().Value(engineKey{}).(*rules.Engine)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		TenantsLoaded: len(s.manager.ListTenants()),
		LogLevel:      logger.GetLevel().String(),
		Counters:      logger.Counters(),
	}
	if err := s.manager.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, TenantsListResponse{Tenants: s.manager.ListTenants()})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if !s.decode(w, r, &req) {
		return
	}

	tenant, err := s.manager.CreateTenant(r.Context(), req.ID, req.Name)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, tenant)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.manager.GetTenant(chi.URLParam(r, "tenantId"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.RemoveTenant(r.Context(), chi.URLParam(r, "tenantId")); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !s.decode(w, r, &req) {
		return
	}

	rule, report, err := engineFrom(r).Store().Create(r.Context(), req.toRule())
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, RuleResponse{Rule: rule, Warnings: report.Warnings})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	result, err := engineFrom(r).Store().List(r.Context(), opts)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	store := engineFrom(r).Store()
	name := chi.URLParam(r, "name")

	rule, err := store.Get(r.Context(), name)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RuleResponse{Rule: rule, Stats: store.Stats(name)})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !s.decode(w, r, &req) {
		return
	}

	rule, report, err := engineFrom(r).Store().Update(r.Context(), chi.URLParam(r, "name"), req.toRule())
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RuleResponse{Rule: rule, Warnings: report.Warnings})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	err := engineFrom(r).Store().Delete(r.Context(), chi.URLParam(r, "name"), rules.DeleteOptions{Force: force})
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDependents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	deps, err := engineFrom(r).Store().Dependents(r.Context(), name)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if deps == nil {
		deps = []string{}
	}
	respondJSON(w, http.StatusOK, DependentsResponse{Rule: name, Dependents: deps})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !s.decode(w, r, &req) {
		return
	}
	respondJSON(w, http.StatusOK, engineFrom(r).Validate(req.toRule()))
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !s.decode(w, r, &req) {
		return
	}

	engine := engineFrom(r)
	rc := withTimestamp(req.Context)

	var (
		result *rules.RuleResult
		err    error
	)
	switch {
	case req.Definition != nil:
		result, err = engine.EvaluateDefinition(r.Context(), req.Definition.toRule(), rc, req.Options.evaluate())
	case req.Rule != "":
		result, err = engine.EvaluateRule(r.Context(), req.Rule, rc, req.Options.evaluate())
	default:
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "rule or definition is required"})
		return
	}

	if err != nil {
		if result != nil {
			status := statusFor(err)
			s.logFailure(status, "evaluation failed", err)
			respondJSON(w, status, ErrorResponse{Error: err.Error(), Details: result})
			return
		}
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchEvaluateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Rules) == 0 {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "rules are required"})
		return
	}

	result := engineFrom(r).EvaluateMany(r.Context(), req.Rules, withTimestamp(req.Context), req.Options.batch())
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvaluateBatches(w http.ResponseWriter, r *http.Request) {
	var req BatchesEvaluateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Batches) == 0 {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "batches are required"})
		return
	}

	requests := make([]rules.BatchRequest, len(req.Batches))
	for i, b := range req.Batches {
		requests[i] = rules.BatchRequest{Rules: b.Rules, Context: withTimestamp(b.Context), Options: b.Options.batch()}
	}
	results := engineFrom(r).EvaluateBatches(r.Context(), requests)
	respondJSON(w, http.StatusOK, BatchesEvaluateResponse{Results: results})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if !s.decode(w, r, &req) {
		return
	}

	engine := engineFrom(r)
	rc := withTimestamp(req.Context)

	var rule *rules.Rule
	switch {
	case req.Definition != nil:
		rule = req.Definition.toRule()
	case req.Rule != "":
		stored, err := engine.Store().Get(r.Context(), req.Rule)
		if err != nil {
			s.respondError(w, err)
			return
		}
		rule = stored
	default:
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "rule or definition is required"})
		return
	}

	resp := PreviewResponse{Preview: mirror.Evaluate(rule, rc)}
	if req.Compare {
		authoritative, err := engine.EvaluateDefinition(r.Context(), rule, rc, rules.EvaluateOptions{SkipCache: true})
		if err != nil && authoritative == nil {
			s.respondError(w, err)
			return
		}
		resp.Authoritative = authoritative
		resp.Diverges = mirror.Diverges(resp.Preview, authoritative)
	}
	respondJSON(w, http.StatusOK, resp)
}

func parseListOptions(r *http.Request) (rules.ListOptions, error) {
	q := r.URL.Query()
	opts := rules.ListOptions{
		Type:     rules.RuleType(q.Get("type")),
		Category: q.Get("category"),
		Query:    q.Get("q"),
	}

	intParam := func(key string) (*int, error) {
		raw := q.Get(key)
		if raw == "" {
			return nil, nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %q", key, raw)
		}
		return &v, nil
	}

	var err error
	if opts.MinPriority, err = intParam("minPriority"); err != nil {
		return opts, err
	}
	if opts.MaxPriority, err = intParam("maxPriority"); err != nil {
		return opts, err
	}
	if v, err := intParam("offset"); err != nil {
		return opts, err
	} else if v != nil {
		opts.Offset = *v
	}
	if v, err := intParam("limit"); err != nil {
		return opts, err
	} else if v != nil {
		opts.Limit = *v
	}

	if raw := q.Get("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, fmt.Errorf("invalid enabled: %q", raw)
		}
		opts.Enabled = &enabled
	}
	opts.IncludeStats, _ = strconv.ParseBool(q.Get("stats"))

	return opts, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, rules.ErrValidation), errors.Is(err, multitenantengine.ErrInvalidTenant):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrNotFound), errors.Is(err, multitenantengine.ErrTenantNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrAlreadyExists), errors.Is(err, rules.ErrDependency),
		errors.Is(err, multitenantengine.ErrTenantExists):
		return http.StatusConflict
	case errors.Is(err, rules.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, rules.ErrEvaluation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var validation *rules.ValidationError
	var dependency *rules.DependencyError
	switch {
	case errors.As(err, &validation):
		resp.Details = validation.Issues
	case errors.As(err, &dependency):
		resp.Details = map[string]any{"dependents": dependency.Dependents}
	}

	s.logFailure(status, "request failed", err)
	respondJSON(w, status, resp)
}

func (s *Server) logFailure(status int, msg string, err error) {
	if status >= http.StatusInternalServerError {
		logger.Error(msg, "status", status, "error", err)
		return
	}
	s.logger.Debug(msg, "status", status, "error", err)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
