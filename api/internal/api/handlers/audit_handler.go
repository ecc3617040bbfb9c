// api/internal/api/handlers/audit_handler.go
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/forgebridge/runner-broker/api/internal/core/domain"
)

// AuditHandler exposes the operational audit trail (connection lifecycle,
// auth failures, proxy timeouts, queue overflow) to the admin API.
type AuditHandler struct {
	repo   domain.AuditRepository
	logger *slog.Logger
}

func NewAuditHandler(repo domain.AuditRepository, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{repo: repo, logger: logger}
}

// List handles GET /api/v1/admin/audit
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := domain.AuditFilter{
		Severity:   q.Get("severity"),
		ResourceID: q.Get("resourceId"),
	}
	if v := q.Get("isAcknowledged"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			filter.IsAcknowledged = &parsed
		}
	}
	if v := q.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			filter.Limit = parsed
		}
	}
	if v := q.Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			filter.Offset = parsed
		}
	}

	events, total, err := h.repo.GetFiltered(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to fetch audit events", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"events": events, "total": total})
}

// Acknowledge handles POST /api/v1/admin/audit/{id}/acknowledge
func (h *AuditHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid audit event id", http.StatusBadRequest)
		return
	}

	if err := h.repo.Acknowledge(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
