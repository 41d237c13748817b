package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/osprey-graph/internal/alerts"
	"github.com/opensource-finance/osprey-graph/internal/calibration"
	"github.com/opensource-finance/osprey-graph/internal/domain"
	"github.com/opensource-finance/osprey-graph/internal/ingest"
	"github.com/opensource-finance/osprey-graph/internal/investigate"
	"github.com/opensource-finance/osprey-graph/internal/pipeline"
	"github.com/opensource-finance/osprey-graph/internal/rules"
	"github.com/opensource-finance/osprey-graph/internal/scoring"
)

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// Handler holds dependencies for API handlers.
type Handler struct {
	repo         domain.Repository
	cache        domain.Cache
	engine       *rules.Engine
	processor    *pipeline.Processor
	investigator investigate.Investigator
	version      string
}

// Deps are the collaborators of the API. Repo, Cache, Engine and
// Investigator may be nil; the endpoints that need them answer 503.
type Deps struct {
	Repo         domain.Repository
	Cache        domain.Cache
	Engine       *rules.Engine
	Processor    *pipeline.Processor
	Investigator investigate.Investigator
	Version      string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		repo:         deps.Repo,
		cache:        deps.Cache,
		engine:       deps.Engine,
		processor:    deps.Processor,
		investigator: deps.Investigator,
		version:      deps.Version,
	}
}

// errUnavailable marks a dependency that is not configured.
var errUnavailable = errors.New("not available")

// GraphRequest carries a transaction table and its edge list. Transaction
// rows keep every column; the label is read from the configured column.
type GraphRequest struct {
	Transactions []map[string]any `json:"transactions"`
	Edges        []domain.Edge    `json:"edges"`
}

func (h *Handler) snapshot(req *GraphRequest) (*domain.GraphSnapshot, error) {
	txs, err := ingest.FromRows(req.Transactions, h.processor.Config().LabelColumn)
	if err != nil {
		return nil, err
	}
	return &domain.GraphSnapshot{Transactions: txs, Edges: req.Edges}, nil
}

// SaveGraph handles POST /graph. The snapshot replaces the tenant's graph.
func (h *Handler) SaveGraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeError(w, errUnavailable, "repository not available")
		return
	}

	var req GraphRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, "invalid JSON request body")
		return
	}
	if len(req.Transactions) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transactions are required",
		})
		return
	}

	snapshot, err := h.snapshot(&req)
	if err != nil {
		writeError(w, err, "invalid transaction table")
		return
	}
	if err := h.repo.SaveGraph(ctx, tenantID, snapshot); err != nil {
		slog.Error("failed to save graph", "tenant_id", tenantID, "error", err)
		writeError(w, err, "failed to save graph")
		return
	}

	slog.Info("graph saved",
		"tenant_id", tenantID,
		"transactions", len(snapshot.Transactions),
		"edges", len(snapshot.Edges),
	)
	writeJSON(w, http.StatusCreated, map[string]int{
		"transactions": len(snapshot.Transactions),
		"edges":        len(snapshot.Edges),
	})
}

// Features handles POST /features. An empty body computes the features of
// the stored graph.
func (h *Handler) Features(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	snapshot, err := h.requestGraph(r)
	if err != nil {
		writeError(w, err, "failed to load graph")
		return
	}

	records := h.processor.Features(ctx, snapshot)
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// requestGraph decodes an optional GraphRequest body, falling back to the
// tenant's stored graph.
func (h *Handler) requestGraph(r *http.Request) (*domain.GraphSnapshot, error) {
	var req GraphRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
	}
	if len(req.Transactions) > 0 {
		return h.snapshot(&req)
	}
	if h.repo == nil {
		return nil, errUnavailable
	}
	return h.repo.GetGraph(r.Context(), GetTenantID(r.Context()))
}

// RecordsRequest carries computed feature records.
type RecordsRequest struct {
	Records []domain.FeatureRecord `json:"records"`
}

// Calibrate handles POST /calibrations. Without records in the body the
// stored graph's features are used.
func (h *Handler) Calibrate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req RecordsRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err, "invalid JSON request body")
			return
		}
	}

	records := req.Records
	if len(records) == 0 {
		snapshot, err := h.requestGraph(r)
		if err != nil {
			writeError(w, err, "failed to load graph")
			return
		}
		records = h.processor.Features(ctx, snapshot)
	}

	cal, err := h.processor.Calibrate(ctx, tenantID, records)
	if err != nil {
		writeError(w, err, "calibration failed")
		return
	}

	slog.Info("calibration created",
		"tenant_id", tenantID,
		"calibration_id", cal.ID,
		"population_size", cal.PopulationSize,
	)
	writeJSON(w, http.StatusCreated, cal)
}

// LatestCalibration handles GET /calibrations/latest.
func (h *Handler) LatestCalibration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cal, err := h.processor.LatestCalibration(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, err, "calibration not found")
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

// Score handles POST /score. Records are scored under the configured
// policy; the percentile policy uses the tenant's latest calibration.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req RecordsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, "invalid JSON request body")
		return
	}

	scored, cal, err := h.processor.Score(ctx, tenantID, nil, req.Records)
	if err != nil {
		writeError(w, err, "scoring failed")
		return
	}

	resp := map[string]any{
		"records":    scored,
		"count":      len(scored),
		"bySeverity": scoring.CountBySeverity(scored),
	}
	if cal != nil {
		resp["calibrationId"] = cal.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// AlertsRequest is the request body for POST /alerts.
type AlertsRequest struct {
	Records     []domain.ScoredRecord `json:"records"`
	MinSeverity domain.Severity       `json:"minSeverity"`
	Columns     []string              `json:"columns,omitempty"`
}

// Alerts handles POST /alerts.
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AlertsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, "invalid JSON request body")
		return
	}

	_, rows, err := h.processor.SelectAlerts(ctx, req.Records, req.MinSeverity, req.Columns)
	if err != nil {
		writeError(w, err, "alert selection failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": rows,
		"count":  len(rows),
	})
}

// RunRequest is the request body for POST /pipeline/run. Every field is
// optional.
type RunRequest struct {
	Graph       *GraphRequest        `json:"graph,omitempty"`
	Policy      domain.ScoringPolicy `json:"policy,omitempty"`
	MinSeverity domain.Severity      `json:"minSeverity,omitempty"`
	Columns     []string             `json:"columns,omitempty"`
	Compute2Hop *bool                `json:"compute2Hop,omitempty"`
}

// RunPipeline handles POST /pipeline/run.
func (h *Handler) RunPipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RunRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err, "invalid JSON request body")
			return
		}
	}

	in := pipeline.RunInput{
		TenantID:    GetTenantID(ctx),
		TraceID:     GetTraceID(ctx),
		Policy:      req.Policy,
		MinSeverity: req.MinSeverity,
		Columns:     req.Columns,
		Compute2Hop: req.Compute2Hop,
	}
	if req.Graph != nil && len(req.Graph.Transactions) > 0 {
		snapshot, err := h.snapshot(req.Graph)
		if err != nil {
			writeError(w, err, "invalid transaction table")
			return
		}
		in.Graph = snapshot
	}

	res, err := h.processor.Run(ctx, in)
	if err != nil {
		writeError(w, err, "pipeline run failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetScore handles GET /transactions/{id}/score.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	txID, ok := txIDParam(w, r)
	if !ok {
		return
	}

	rec, err := h.processor.ScoredRecord(ctx, GetTenantID(ctx), txID)
	if err != nil {
		writeError(w, err, "scored transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetEvidence handles GET /transactions/{id}/evidence. The optional k query
// parameter bounds the neighbor lists.
func (h *Handler) GetEvidence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	txID, ok := txIDParam(w, r)
	if !ok {
		return
	}

	k := 0
	if v := r.URL.Query().Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "k must be a non-negative integer",
			})
			return
		}
		k = n
	}

	ev, err := h.processor.Evidence(ctx, GetTenantID(ctx), txID, k)
	if err != nil {
		writeError(w, err, "evidence not available")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// Investigate handles POST /transactions/{id}/investigate.
func (h *Handler) Investigate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	txID, ok := txIDParam(w, r)
	if !ok {
		return
	}
	if h.investigator == nil {
		writeError(w, errUnavailable, "investigator not available")
		return
	}

	report, err := h.processor.Investigate(ctx, GetTenantID(ctx), txID, h.investigator)
	if err != nil {
		writeError(w, err, "investigation failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func txIDParam(w http.ResponseWriter, r *http.Request) (domain.TxID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id must be an integer",
		})
		return 0, false
	}
	return domain.TxID(id), true
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns all loaded rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeError(w, errUnavailable, "rule engine not available")
		return
	}

	loadedRules := h.engine.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Delta       int    `json:"delta"`
	Reason      string `json:"reason"`
	Priority    int    `json:"priority"`
	Enabled     bool   `json:"enabled"`
}

// CreateRule creates a new rule and saves it to the database.
// Rules are saved globally (tenant_id = "*") so they apply to all tenants.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.engine == nil {
		writeError(w, errUnavailable, "rule engine not available")
		return
	}

	var req CreateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, "invalid JSON request body")
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Delta:       req.Delta,
		Reason:      req.Reason,
		Priority:    req.Priority,
		Enabled:     req.Enabled,
	}

	// Validate CEL expression without touching the loaded set
	if err := h.engine.ValidateRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRuleConfig(ctx, GlobalTenantID, ruleConfig); err != nil {
			slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	} else if ruleConfig.Enabled {
		// Without a repository the engine is the only store.
		if err := h.engine.LoadRule(ruleConfig); err != nil {
			writeError(w, err, "failed to load rule")
			return
		}
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeError(w, errUnavailable, "repository not available")
		return
	}
	if h.engine == nil {
		writeError(w, errUnavailable, "rule engine not available")
		return
	}

	dbRules, err := h.repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.engine.RulesCount(),
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errors.Join(domain.ErrInvalidInput, err)
	}
	return nil
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnavailable),
		errors.Is(err, investigate.ErrUnknownInvestigator),
		errors.Is(err, investigate.ErrMissingAPIKey):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, scoring.ErrNoCalibration):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrMissingColumn),
		errors.Is(err, domain.ErrUnknownSeverity),
		errors.Is(err, alerts.ErrUnknownColumn),
		errors.Is(err, calibration.ErrMissingFeature),
		errors.Is(err, calibration.ErrEmptyPopulation),
		errors.Is(err, scoring.ErrUnknownPolicy):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes {"error": msg}. Client errors include the cause.
func writeError(w http.ResponseWriter, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error(msg, "error", err)
	} else {
		msg = msg + ": " + err.Error()
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
