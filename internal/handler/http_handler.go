package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/pesio-ai/be-lo-verification/internal/errors"
	"github.com/pesio-ai/be-lo-verification/internal/logger"
	"github.com/pesio-ai/be-lo-verification/internal/metrics"
	"github.com/pesio-ai/be-lo-verification/internal/service"
	"github.com/pesio-ai/be-lo-verification/internal/validation"
)

const maxBodyBytes = 1 << 20

// HTTPOptions configures the HTTP surface.
type HTTPOptions struct {
	RequestTimeout time.Duration
	// Health, when set, is called by GET /health; an error reports 503.
	Health func(ctx context.Context) error
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	pipeline *service.PipelineController
	log      *logger.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
	opts     HTTPOptions
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(pipeline *service.PipelineController, log *logger.Logger, m *metrics.Metrics, opts HTTPOptions) *HTTPHandler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &HTTPHandler{
		pipeline: pipeline,
		log:      log,
		metrics:  m,
		validate: newValidator(),
		opts:     opts,
	}
}

// Routes builds the router.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.opts.RequestTimeout))

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Route("/api/v1/applications", func(api chi.Router) {
		api.Use(h.requireSession)
		api.Get("/queue", h.ListQueue)
		api.Route("/{id}", func(app chi.Router) {
			app.Get("/review", h.LoadForReview)
			app.Put("/review/draft", h.SaveDraft)
			app.Delete("/review/draft", h.DiscardDraft)
			app.Post("/review/steps/{step}/validate", h.ValidateStep)
			app.Post("/review/submit", h.Submit)
			app.Get("/audit-trail", h.AuditTrail)
		})
	})
	return r
}

// Health reports liveness and, if configured, store reachability.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.opts.Health != nil {
		if err := h.opts.Health(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("Health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListQueue handles GET /api/v1/applications/queue
func (h *HTTPHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())

	var branchID *string
	if b := r.URL.Query().Get("branch_id"); b != "" {
		branchID = &b
	}

	apps, err := h.pipeline.ListQueue(r.Context(), session, branchID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	out := make([]applicationResponse, 0, len(apps))
	for _, app := range apps {
		out = append(out, toApplicationResponse(app))
	}
	respondJSON(w, http.StatusOK, map[string]any{"applications": out, "count": len(out)})
}

// LoadForReview handles GET /api/v1/applications/{id}/review
func (h *HTTPHandler) LoadForReview(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())

	rc, err := h.pipeline.LoadForReview(r.Context(), chi.URLParam(r, "id"), session)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toReviewContextResponse(rc))
}

// SaveDraft handles PUT /api/v1/applications/{id}/review/draft
func (h *HTTPHandler) SaveDraft(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())

	req, ok := h.decodeDraft(w, r)
	if !ok {
		return
	}

	saved, err := h.pipeline.SaveDraft(r.Context(), chi.URLParam(r, "id"), session, req.toDraft())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toDraftResponse(saved))
}

// DiscardDraft handles DELETE /api/v1/applications/{id}/review/draft
func (h *HTTPHandler) DiscardDraft(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())

	if err := h.pipeline.DiscardDraft(r.Context(), chi.URLParam(r, "id"), session); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ValidateStep handles POST /api/v1/applications/{id}/review/steps/{step}/validate
func (h *HTTPHandler) ValidateStep(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())

	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil || step < validation.StepCustomer || step > validation.StepCount {
		h.respondError(w, r, errors.InvalidInput("step", "step must be between 1 and 8"))
		return
	}

	req, ok := h.decodeDraft(w, r)
	if !ok {
		return
	}

	fieldErrs, err := h.pipeline.ValidateStep(r.Context(), chi.URLParam(r, "id"), session, step, req.toDraft())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if fieldErrs == nil {
		fieldErrs = []validation.FieldError{}
	}
	respondJSON(w, http.StatusOK, validateResponse{Step: step, Valid: len(fieldErrs) == 0, Errors: fieldErrs})
}

// Submit handles POST /api/v1/applications/{id}/review/submit
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())

	req, ok := h.decodeDraft(w, r)
	if !ok {
		return
	}

	rec, err := h.pipeline.Submit(r.Context(), chi.URLParam(r, "id"), session, req.toDraft())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toRecordResponse(rec))
}

// AuditTrail handles GET /api/v1/applications/{id}/audit-trail
func (h *HTTPHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())

	entries, err := h.pipeline.BuildTrail(r.Context(), chi.URLParam(r, "id"), session)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ── middleware ────────────────────────────────────────────────────────────────

func (h *HTTPHandler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := sessionFromHeaders(r)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), session)))
	})
}

func (h *HTTPHandler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		h.metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		h.metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", elapsed).
			Msg("HTTP request")
	})
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) decodeDraft(w http.ResponseWriter, r *http.Request) (*draftRequest, bool) {
	var req draftRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code:    string(errors.ErrCodeInvalidInput),
			Message: "invalid request body",
		}})
		return nil, false
	}
	if err := h.validate.Struct(&req); err != nil {
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: errorBody{
			Code:    string(errors.ErrCodeInvalidInput),
			Message: "request failed validation",
			Fields:  requestFieldErrors(err),
		}})
		return nil, false
	}
	return &req, true
}

func (h *HTTPHandler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	body := errorBody{Code: string(code), Message: err.Error()}

	var status int
	switch code {
	case errors.ErrCodeInvalidInput:
		status = http.StatusUnprocessableEntity
		var verr *validation.Error
		if errors.As(err, &verr) {
			body.Message = "review failed validation"
			body.Fields = verr.Fields
		}
		var appErr *errors.AppError
		if errors.As(err, &appErr) && appErr.Field != "" {
			body.Fields = []validation.FieldError{{Field: appErr.Field, Message: appErr.Message}}
		}
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeConflict:
		status = http.StatusConflict
	case errors.ErrCodeUnauthorized:
		status = http.StatusUnauthorized
	default:
		status = http.StatusInternalServerError
		body.Message = "internal server error"
		h.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}

	respondJSON(w, status, errorResponse{Error: body})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
