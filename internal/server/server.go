// Package server is the HTTP API: evaluate a unit's outcomes and administer
// the rule document. Requests carry no session or authentication.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"lobuilder/internal/evaluation"
	"lobuilder/internal/logging"
	"lobuilder/internal/rules"
	"lobuilder/internal/store"
	"lobuilder/internal/transparency"
)

// Config configures the HTTP API.
type Config struct {
	ListenAddr     string
	RequestTimeout time.Duration
}

// Evaluator runs one evaluation from caller-supplied text.
type Evaluator interface {
	EvaluateText(ctx context.Context, level, unitName, creditPoints, outcomesText string) *evaluation.Outcome
}

// History lists recorded evaluations.
type History interface {
	ListEvaluations(ctx context.Context, limit int) ([]store.EvaluationRecord, error)
}

// Server is the HTTP API surface.
type Server struct {
	cfg     Config
	rules   *rules.Store
	eval    Evaluator
	history History
	router  chi.Router
}

// New creates a Server. history may be nil.
func New(cfg Config, rs *rules.Store, eval Evaluator, history History) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 180 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		rules:   rs,
		eval:    eval,
		history: history,
		router:  chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))

		r.Post("/evaluate", s.handleEvaluate)
		r.Get("/evaluations", s.handleListEvaluations)

		r.Get("/rules", s.handleGetRules)
		r.Put("/rules", s.handleApplyForm)
		r.Post("/rules/reset", s.handleReset)
		r.Get("/rules/words/{level}", s.handleWords)
		r.Get("/rules/{key}", s.handleGetRule)
		r.Put("/rules/{key}", s.handleReplace)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Server("%s %s -> %d in %v (req %s)",
			r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: 15 * time.Second,
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps an error to an HTTP status by its classification.
func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch transparency.Classify(err).Category {
	case transparency.ErrorCategoryValidation:
		return http.StatusBadRequest
	case transparency.ErrorCategoryService:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// --- HTTP handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	res := s.rules.LoadResult()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ok",
		"rules_status": res.Status.String(),
		"rules_source": res.Source,
	})
}

// Evaluation

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var body EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	out := s.eval.EvaluateText(r.Context(), body.Level.String(), body.UnitName,
		body.CreditPoints.String(), body.OutcomesText())

	resp := newEvaluateResponse(out)
	status := http.StatusOK
	if out.Err != nil {
		status = statusFor(out.Err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history store disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.history.ListEvaluations(r.Context(), limit)
	if err != nil {
		logging.Get(logging.CategoryServer).Error("listing evaluations: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []store.EvaluationRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// Rules

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, redact(s.rules.Get()))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, ok := redact(s.rules.Get()).Value(key)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown rule key: "+key)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": v})
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Value) == 0 {
		writeError(w, http.StatusBadRequest, `body must be {"value": ...}`)
		return
	}
	if key == "API_key" && isRedactedKey(body.Value) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if err := s.rules.Replace(key, body.Value); err != nil {
		status := statusFor(err)
		if errors.Is(err, transparency.ErrUnknownRuleKey) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleApplyForm(w http.ResponseWriter, r *http.Request) {
	var body FormBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.APIKey == redactedKey {
		body.APIKey = s.rules.Get().APIKey
	}
	if err := s.rules.ApplyForm(body.Form()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.ResetToDefault(); err != nil {
		logging.Get(logging.CategoryServer).Error("resetting rules: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed To Reset To Default")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWords(w http.ResponseWriter, r *http.Request) {
	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil {
		writeError(w, http.StatusBadRequest, transparency.ErrInvalidLevel.Error())
		return
	}
	words, err := s.rules.WordsForLevel(level)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"level": level, "words": words})
}

const redactedKey = "********"

// isRedactedKey reports whether a raw value is the placeholder redact hands
// out, which must never be stored as the key.
func isRedactedKey(raw json.RawMessage) bool {
	var v string
	return json.Unmarshal(raw, &v) == nil && v == redactedKey
}

// redact hides a literal API key.
func redact(cfg *rules.EvaluationConfig) *rules.EvaluationConfig {
	if cfg.APIKey != "" && cfg.APIKey != rules.EnvironSentinel {
		cfg.APIKey = redactedKey
	}
	return cfg
}
