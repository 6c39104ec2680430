package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/usda-monitor/internal/domain"
)

func recipientToMap(rec *domain.Recipient) map[string]any {
	ids := append([]string(nil), rec.ReportIDs...)
	sort.Strings(ids)
	return map[string]any{
		"id":         rec.ID,
		"email":      rec.Email,
		"name":       rec.Name,
		"is_active":  rec.IsActive,
		"report_ids": ids,
	}
}

func (h *Handlers) validateEmail(raw any) (string, error) {
	s, _ := raw.(string)
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || !strings.Contains(s, "@") || strings.HasPrefix(s, "@") || strings.HasSuffix(s, "@") {
		return "", errors.New("invalid email address")
	}
	return s, nil
}

func (h *Handlers) validateReportIDs(raw any) ([]string, error) {
	items, ok := raw.([]any)
	if raw != nil && !ok {
		return nil, errors.New("report_ids must be a list")
	}
	snap := h.registry.Current()
	ids := make([]string, 0, len(items))
	seen := make(map[string]bool)
	for _, item := range items {
		id, _ := item.(string)
		if _, known := snap.Get(id); !known {
			return nil, errors.New("unknown report_id: " + id)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ListRecipients returns all recipients with their subscriptions.
//
//	GET /api/recipients
func (h *Handlers) ListRecipients(w http.ResponseWriter, r *http.Request) {
	recipients, err := h.store.ListRecipients(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(recipients))
	for i := range recipients {
		out = append(out, recipientToMap(&recipients[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

// CreateRecipient adds a recipient with optional subscriptions.
//
//	POST /api/recipients
func (h *Handlers) CreateRecipient(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	email, err := h.validateEmail(payload["email"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	name, _ := payload["name"].(string)
	isActive := true
	if v, ok := payload["is_active"].(bool); ok {
		isActive = v
	}
	reportIDs, err := h.validateReportIDs(payload["report_ids"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.store.CreateRecipient(r.Context(), email, strings.TrimSpace(name), isActive, reportIDs)
	if errors.Is(err, domain.ErrDuplicateEmail) {
		respondError(w, http.StatusConflict, "Recipient email already exists")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "created", "id": rec.ID})
}

// UpdateRecipient partially updates a recipient's email, name or active
// flag. Subscriptions are edited through the /reports sub-resource.
//
//	PUT /api/recipients/{recipientID}
func (h *Handlers) UpdateRecipient(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "recipientID")
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	existing, err := h.store.GetRecipient(ctx, recipientID)
	if errors.Is(err, domain.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Recipient not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	email := existing.Email
	if _, ok := payload["email"]; ok {
		if email, err = h.validateEmail(payload["email"]); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	name := existing.Name
	if v, ok := payload["name"].(string); ok {
		name = strings.TrimSpace(v)
	}
	isActive := existing.IsActive
	if v, ok := payload["is_active"].(bool); ok {
		isActive = v
	}

	if _, err := h.store.UpdateRecipient(ctx, recipientID, email, name, isActive, existing.ReportIDs); err != nil {
		if errors.Is(err, domain.ErrDuplicateEmail) {
			respondError(w, http.StatusConflict, "Recipient email already exists")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// UpdateRecipientReports replaces a recipient's subscriptions.
//
//	PUT /api/recipients/{recipientID}/reports
func (h *Handlers) UpdateRecipientReports(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "recipientID")
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	reportIDs, err := h.validateReportIDs(payload["report_ids"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	existing, err := h.store.GetRecipient(ctx, recipientID)
	if errors.Is(err, domain.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Recipient not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if _, err := h.store.UpdateRecipient(ctx, recipientID, existing.Email, existing.Name, existing.IsActive, reportIDs); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "updated", "report_ids": reportIDs})
}

// DeleteRecipient removes a recipient and its subscriptions.
//
//	DELETE /api/recipients/{recipientID}
func (h *Handlers) DeleteRecipient(w http.ResponseWriter, r *http.Request) {
	err := h.store.DeleteRecipient(r.Context(), chi.URLParam(r, "recipientID"))
	if errors.Is(err, domain.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Recipient not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
