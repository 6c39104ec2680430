// Package api exposes the operator HTTP surface: report status, run
// history, config edits, manual runs and backfills, alerting state,
// recipient management and the run event log.
package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/usda-monitor/internal/domain"
	"github.com/ignite/usda-monitor/internal/mailer"
	"github.com/ignite/usda-monitor/internal/parser"
	"github.com/ignite/usda-monitor/internal/registry"
	"github.com/ignite/usda-monitor/internal/repository/postgres"
	"github.com/ignite/usda-monitor/internal/worker"
)

// Handlers holds the dependencies of all API endpoints.
type Handlers struct {
	db         *sql.DB
	store      *postgres.Store
	registry   *registry.Registry
	scheduler  *worker.Scheduler
	backfiller *worker.Backfiller
	mailer     *mailer.Mailer

	masterAlertEmail string
	startTime        time.Time
}

// NewHandlers wires the API against its services.
func NewHandlers(store *postgres.Store, reg *registry.Registry, sched *worker.Scheduler, backfiller *worker.Backfiller, m *mailer.Mailer, masterAlertEmail string) *Handlers {
	return &Handlers{
		db:               store.DB(),
		store:            store,
		registry:         reg,
		scheduler:        sched,
		backfiller:       backfiller,
		mailer:           m,
		masterAlertEmail: masterAlertEmail,
		startTime:        time.Now(),
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// HealthCheck is the unauthenticated liveness endpoint.
//
//	GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// APIHealth reports database reachability, scheduler state and uptime.
//
//	GET /api/health
func (h *Handlers) APIHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	var pingMS *float64
	start := time.Now()
	if err := h.db.PingContext(r.Context()); err != nil {
		dbOK = false
	} else {
		ms := float64(time.Since(start).Microseconds()) / 1000
		pingMS = &ms
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"db_ok":             dbOK,
		"db_ping_ms":        pingMS,
		"scheduler_running": h.scheduler != nil && h.scheduler.Running(),
		"uptime_seconds":    time.Since(h.startTime).Seconds(),
	})
}

func runToMap(run *domain.ReportRun) map[string]any {
	if run == nil {
		return nil
	}
	m := map[string]any{
		"id":             run.ID,
		"report_id":      run.ReportID,
		"state":          string(run.State),
		"attempt":        run.Attempt,
		"run_started_at": run.RunStartedAt.Format(time.RFC3339),
		"error_type":     run.ErrorType,
		"error_message":  run.ErrorMessage,
		"payload_hash":   run.PayloadHash,
	}
	if run.ReportDate != nil {
		m["report_date"] = run.ReportDate.Format(parser.ISODate)
	}
	if run.RunFinishedAt != nil {
		m["run_finished_at"] = run.RunFinishedAt.Format(time.RFC3339)
	}
	return m
}

func versionToMap(v *domain.ReportVersion) map[string]any {
	if v == nil {
		return nil
	}
	return map[string]any{
		"report_id":     v.ReportID,
		"report_date":   v.ReportDate.Format(parser.ISODate),
		"payload_hash":  v.PayloadHash,
		"parsed_fields": v.ParsedFields,
		"created_at":    v.CreatedAt.Format(time.RFC3339),
	}
}

// ListReports returns every configured report with its latest run and
// edition.
//
//	GET /api/reports
func (h *Handlers) ListReports(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := make([]map[string]any, 0)
	for _, cfg := range h.registry.Current().Reports {
		run, err := h.store.LatestRun(ctx, cfg.ReportID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		version, err := h.store.LatestVersion(ctx, cfg.ReportID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, map[string]any{
			"report_id":      cfg.ReportID,
			"name":           cfg.Name,
			"latest_run":     runToMap(run),
			"latest_version": versionToMap(version),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// ListReportRuns returns a report's recent runs, newest first.
//
//	GET /api/reports/{reportID}/runs?limit=50
func (h *Handlers) ListReportRuns(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportID")
	runs, err := h.store.ListRuns(r.Context(), reportID, queryInt(r, "limit", 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for i := range runs {
		out = append(out, runToMap(&runs[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

// LatestReportVersion returns the newest edition of a report with its
// source URLs.
//
//	GET /api/reports/{reportID}/latest
func (h *Handlers) LatestReportVersion(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportID")
	v, err := h.store.LatestVersion(r.Context(), reportID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if v == nil {
		respondError(w, http.StatusNotFound, "No version found")
		return
	}

	var urls []any
	if raw, ok := v.RawPayload["urls"].([]any); ok {
		urls = raw
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"report_id":     v.ReportID,
		"report_date":   v.ReportDate.Format(parser.ISODate),
		"payload_hash":  v.PayloadHash,
		"parsed_fields": v.ParsedFields,
		"source_urls":   urls,
		"created_at":    v.CreatedAt.Format(time.RFC3339),
	})
}

// ListHistoricals returns a report's editions, optionally bounded by
// date.
//
//	GET /api/reports/{reportID}/historicals?start_date=&end_date=&limit=500
func (h *Handlers) ListHistoricals(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportID")
	start, err := queryDate(r, "start_date")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := queryDate(r, "end_date")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	versions, err := h.store.ListHistoricalVersions(r.Context(), reportID, start, end, queryInt(r, "limit", 500))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(versions))
	for i := range versions {
		out = append(out, versionToMap(&versions[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

// GetReportConfig returns the stored config map of a report.
//
//	GET /api/reports/{reportID}/config
func (h *Handlers) GetReportConfig(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportID")
	cfg, err := h.store.GetReportConfig(r.Context(), reportID)
	if errors.Is(err, domain.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Report not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// UpdateReportConfig validates an operator-submitted config, persists it
// and republishes the registry. Running workers keep their snapshot; the
// next dispatch sees the new config.
//
//	PUT /api/reports/{reportID}/config
func (h *Handlers) UpdateReportConfig(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportID")
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	parsed, err := registry.FromMap(payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if parsed.ReportID != reportID {
		respondError(w, http.StatusBadRequest, "report_id mismatch")
		return
	}
	if _, ok := h.registry.Current().Get(reportID); !ok {
		respondError(w, http.StatusNotFound, "Report not found")
		return
	}

	ctx := r.Context()
	if err := h.store.UpsertReportConfig(ctx, reportID, parsed.Name, payload); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := registry.Reload(ctx, h.store, h.registry); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// RunReport executes one polling pass immediately. An optional body
// {"date": "2026-02-09"} pins the run to that calendar date.
//
//	POST /api/reports/{reportID}/run
func (h *Handlers) RunReport(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportID")

	var forced *time.Time
	var payload struct {
		Date string `json:"date"`
	}
	if r.Body != nil {
		// Body is optional; a decode error on an empty body is fine.
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	if payload.Date != "" {
		d, err := time.Parse(parser.ISODate, payload.Date)
		if err != nil {
			respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		forced = &d
	}

	success, err := h.scheduler.RunNow(r.Context(), reportID, forced)
	if err != nil {
		respondError(w, http.StatusNotFound, "Report not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "completed",
		"report_id": reportID,
		"success":   success,
	})
}

// GatherReport backfills a date range: one version per reported day,
// merged into existing editions where they already exist.
//
//	POST /api/reports/{reportID}/gather
func (h *Handlers) GatherReport(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportID")
	var payload struct {
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	start, err := time.Parse(parser.ISODate, payload.StartDate)
	if err != nil {
		respondError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse(parser.ISODate, payload.EndDate)
	if err != nil {
		respondError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
		return
	}

	cfg, ok := h.registry.Current().Get(reportID)
	if !ok {
		respondError(w, http.StatusNotFound, "Report not found")
		return
	}

	result, err := h.backfiller.Gather(r.Context(), cfg, start, end)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"inserted": result.Inserted,
		"skipped":  result.Skipped,
	})
}

// ListAlerts returns the consecutive-failure counters of all reports.
//
//	GET /api/alerts
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	states, err := h.store.ListAlertStates(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(states))
	for _, s := range states {
		m := map[string]any{
			"report_id":            s.ReportID,
			"consecutive_failures": s.ConsecutiveFailures,
			"updated_at":           s.UpdatedAt.Format(time.RFC3339),
		}
		if s.LastFailureAt != nil {
			m["last_failure_at"] = s.LastFailureAt.Format(time.RFC3339)
		}
		out = append(out, m)
	}
	respondJSON(w, http.StatusOK, out)
}

// ListLogs returns recent run events joined to their runs, newest first.
//
//	GET /api/logs?limit=200
func (h *Handlers) ListLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListRecentEvents(r.Context(), queryInt(r, "limit", 200))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []postgres.LogEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// TestAlert sends a test alert to the master alert address to verify the
// SES path end to end.
//
//	POST /api/logs/test-alert
func (h *Handlers) TestAlert(w http.ResponseWriter, r *http.Request) {
	if !h.mailer.Enabled() {
		respondError(w, http.StatusBadRequest, "Email is disabled (EMAIL_ENABLED=false)")
		return
	}
	payload, err := h.mailer.Render("alert",
		mailer.AlertContext("test", "test", "test_alert", time.Now().UTC().Format(time.RFC3339)))
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.mailer.Send(r.Context(), []string{h.masterAlertEmail}, payload)
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "sent",
		"recipient": h.masterAlertEmail,
	})
}

// ClearLogs wipes all runs, run events and report versions.
//
//	POST /api/logs/clear
func (h *Handlers) ClearLogs(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.ClearHistory(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func queryDate(r *http.Request, key string) (*time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return nil, nil
	}
	d, err := time.Parse(parser.ISODate, v)
	if err != nil {
		return nil, errors.New(key + " must be YYYY-MM-DD")
	}
	return &d, nil
}
