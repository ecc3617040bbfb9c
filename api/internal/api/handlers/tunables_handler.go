// api/internal/api/handlers/tunables_handler.go
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/forgebridge/runner-broker/api/internal/broker"
	"github.com/forgebridge/runner-broker/api/internal/core/domain"
)

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// TunablesHandler manages HTTP requests for the Broker Tunables admin
// resource. It depends purely on the domain interface, unaware that
// PostgreSQL even exists.
type TunablesHandler struct {
	repo   domain.BrokerTunablesRepository
	broker *broker.Broker
	logger *slog.Logger
}

func NewTunablesHandler(repo domain.BrokerTunablesRepository, b *broker.Broker, logger *slog.Logger) *TunablesHandler {
	return &TunablesHandler{repo: repo, broker: b, logger: logger}
}

// GetTunables handles GET /api/v1/admin/tunables
func (h *TunablesHandler) GetTunables(w http.ResponseWriter, r *http.Request) {
	tunables, err := h.repo.GetActive(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrTunablesNotFound) {
			http.Error(w, "broker tunables not initialized", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to fetch tunables", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tunables)
}

// UpdateTunables handles PUT /api/v1/admin/tunables. On success, the new
// values are applied to the live broker immediately.
func (h *TunablesHandler) UpdateTunables(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var payload domain.BrokerTunables
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	if err := h.repo.Update(r.Context(), &payload); err != nil {
		switch {
		case errors.Is(err, domain.ErrConcurrencyConflict):
			http.Error(w, "conflict: tunables were modified by another administrator, refresh and retry", http.StatusConflict)
		case strings.Contains(err.Error(), "invalid tunables"):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error("failed to update tunables", slog.String("error", err.Error()))
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.broker.ApplyTunables(broker.Tunables{
		BatchDelay:          msToDuration(payload.BatchDelayMs),
		HeartbeatInterval:   msToDuration(payload.HeartbeatIntervalMs),
		RunnerStaleTimeout:  msToDuration(payload.RunnerStaleMs),
		BrowserStaleTimeout: msToDuration(payload.BrowserStaleMs),
		QueueMaxSize:        payload.QueueMaxSize,
		CommandTTL:          msToDuration(payload.CommandTTLMs),
		CommandMaxAttempts:  payload.CommandMaxAttempts,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(payload)
}
