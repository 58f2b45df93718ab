package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/intake"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	intake  *intake.Service
	rules   *rules.Manager
	version string
	started time.Time
}

// NewHandler creates a new API handler.
func NewHandler(svc *intake.Service, manager *rules.Manager, version string) *Handler {
	return &Handler{
		intake:  svc,
		rules:   manager,
		version: version,
		started: time.Now(),
	}
}

// SubmitTransaction handles POST /transactions.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); key != "" {
		req.IdempotencyKey = key
	}

	rec, err := h.intake.Submit(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// ListTransactions handles GET /transactions?page=&limit=&riskLevel=.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	page, err := h.intake.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

func parseFilter(r *http.Request) (domain.TransactionFilter, error) {
	q := r.URL.Query()
	verr := &domain.ValidationError{}

	var filter domain.TransactionFilter
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			verr.Add("page", "must be an integer")
		}
		filter.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			verr.Add("limit", "must be an integer")
		}
		filter.Limit = n
	}
	if v := q.Get("riskLevel"); v != "" {
		level, err := domain.ParseRiskLevel(v)
		if err != nil {
			verr.Add("riskLevel", err.Error())
		}
		filter.RiskLevel = level
	}

	return filter, verr.OrNil()
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	rec, err := h.intake.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Stats handles GET /stats?riskLevel=.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	var level domain.RiskLevel
	if v := r.URL.Query().Get("riskLevel"); v != "" {
		parsed, err := domain.ParseRiskLevel(v)
		if err != nil {
			verr := &domain.ValidationError{}
			verr.Add("riskLevel", err.Error())
			h.writeServiceError(w, r, verr)
			return
		}
		level = parsed
	}

	stats, err := h.intake.Stats(r.Context(), level)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// UpdateAlertRequest is the request body for PATCH /alerts/{id}.
type UpdateAlertRequest struct {
	Status domain.AlertStatus `json:"status"`
}

// UpdateAlert handles PATCH /alerts/{id}.
func (h *Handler) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	var req UpdateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	alert, err := h.intake.UpdateAlertStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// ListRules returns the rules of the serving engine in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	active := h.rules.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": active,
		"count": len(active),
	})
}

// CreateRuleRequest is the request body for POST /rules.
type CreateRuleRequest struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Expression  string           `json:"expression"`
	ScoreDelta  float64          `json:"scoreDelta"`
	AlertType   domain.AlertType `json:"alertType"`
	Severity    domain.Severity  `json:"severity"`

	// Enabled defaults to true.
	Enabled *bool `json:"enabled,omitempty"`
}

// CreateRule compiles and stores an expression rule.
// The serving engine changes only after POST /rules/reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	cfg := &domain.RuleConfig{
		ID:          strings.TrimSpace(req.ID),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Expression:  req.Expression,
		ScoreDelta:  req.ScoreDelta,
		AlertType:   req.AlertType,
		Severity:    req.Severity,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}

	if err := h.rules.Save(r.Context(), cfg); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    cfg,
		"message": "Rule saved. Call POST /rules/reload to apply changes.",
	})
}

// DisableRule handles DELETE /rules/{id}.
func (h *Handler) DisableRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if rules.IsReferenceRule(ruleID) {
		writeError(w, http.StatusBadRequest, "built-in rules are toggled by configuration")
		return
	}

	if err := h.rules.Disable(r.Context(), ruleID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Rule disabled. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules rebuilds the engine from configuration and stored rules.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	engine, err := h.rules.Reload(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   engine.RulesCount(),
		"rules":   engine.Rules(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if err := h.intake.Ping(r.Context()); err != nil {
		slog.Warn("health check degraded", "error", err)
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"version":       h.version,
		"rules":         h.rules.Registry().Engine().RulesCount(),
		"uptimeSeconds": int64(time.Since(h.started).Seconds()),
	})
}

// Ready reports whether the backing stores are reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.intake.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeServiceError maps domain errors to HTTP responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *domain.ValidationError
		cerr *domain.ConfigurationError
		perr *domain.PersistenceError
	)

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation failed",
			"details": verr.Fields,
		})
	case errors.As(err, &cerr):
		writeError(w, http.StatusBadRequest, cerr.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &perr):
		slog.Error("persistence failure",
			"op", perr.Op,
			"error", perr.Err,
			"request_id", GetRequestID(r.Context()),
		)
		writeError(w, http.StatusInternalServerError, "failed to record transaction")
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", GetRequestID(r.Context()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
