// api/internal/api/handlers/command_handlers.go
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forgebridge/runner-broker/api/internal/broker"
	"github.com/forgebridge/runner-broker/api/internal/core/domain"
	"github.com/forgebridge/runner-broker/api/internal/protocol"
)

// CommandHandler exposes an admin-facing HTTP surface over the
// asynchronous command/event protocol, for operators and integration
// tests that would rather issue a single HTTP call than speak the
// WebSocket protocol directly. It pushes commands through
// Broker.SendCommand and the Router/Queue path; browser WebSocket clients
// cannot send commands at all.
type CommandHandler struct {
	broker *broker.Broker
	crypto domain.CryptoService
	audit  domain.AuditRepository
	logger *slog.Logger
}

func NewCommandHandler(b *broker.Broker, crypto domain.CryptoService, audit domain.AuditRepository, logger *slog.Logger) *CommandHandler {
	return &CommandHandler{broker: b, crypto: crypto, audit: audit, logger: logger}
}

func (h *CommandHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// StartBuild handles POST /api/v1/admin/runners/{runnerId}/commands/start-build
func (h *CommandHandler) StartBuild(w http.ResponseWriter, r *http.Request) {
	runnerID := chi.URLParam(r, "runnerId")

	var payload protocol.StartBuildPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	commandID, result, err := h.broker.SendCommand(runnerID, payload.ProjectSlug, protocol.CmdStartBuild, payload)
	if err != nil {
		h.logger.Error("failed to send start-build command", slog.String("error", err.Error()))
		http.Error(w, "failed to queue command", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]any{"commandId": commandID, "status": dispatchStatus(result)})
}

// StartDevServer handles POST /api/v1/admin/runners/{runnerId}/commands/start-dev-server.
// Env var values are encrypted before any audit record referencing this
// command is written, so a secret never sits in plaintext in the trail.
func (h *CommandHandler) StartDevServer(w http.ResponseWriter, r *http.Request) {
	runnerID := chi.URLParam(r, "runnerId")

	var payload protocol.StartDevServerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	if len(payload.Env) > 0 && h.crypto != nil {
		raw, err := json.Marshal(payload.Env)
		if err != nil {
			http.Error(w, "invalid env map", http.StatusBadRequest)
			return
		}
		encrypted, err := h.crypto.Encrypt(r.Context(), raw, []byte(runnerID))
		if err != nil {
			h.logger.Error("failed to encrypt env vars for audit", slog.String("error", err.Error()))
			http.Error(w, "internal security error", http.StatusInternalServerError)
			return
		}
		h.recordAudit(r, domain.AuditRunnerConnected, runnerID, "start-dev-server issued with encrypted env vars", encrypted)
	}

	commandID, result, err := h.broker.SendCommand(runnerID, "", protocol.CmdStartDevServer, payload)
	if err != nil {
		http.Error(w, "failed to queue command", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]any{"commandId": commandID, "status": dispatchStatus(result)})
}

// StopDevServer handles POST /api/v1/admin/runners/{runnerId}/commands/stop-dev-server
func (h *CommandHandler) StopDevServer(w http.ResponseWriter, r *http.Request) {
	runnerID := chi.URLParam(r, "runnerId")

	commandID, result, err := h.broker.SendCommand(runnerID, "", protocol.CmdStopDevServer, protocol.StopDevServerPayload{})
	if err != nil {
		http.Error(w, "failed to queue command", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]any{"commandId": commandID, "status": dispatchStatus(result)})
}

// dispatchStatus renders an EnqueueResult as the status string an admin
// HTTP caller sees: "dispatched" when the runner was connected and took
// the command immediately, "queued" when it was appended to that runner's
// FIFO for delivery on reconnect.
func dispatchStatus(result broker.EnqueueResult) string {
	if result.Sent {
		return "dispatched"
	}
	return "queued"
}

// ListRunners handles GET /api/v1/admin/runners
func (h *CommandHandler) ListRunners(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"runners": h.broker.Registry.List("")})
}

// GetRunner handles GET /api/v1/admin/runners/{runnerId}, reporting whether
// that runner currently holds an open connection. A disconnected runner is
// 200 with connected:false rather than 404, since an id with no live socket
// may still have commands queued for it.
func (h *CommandHandler) GetRunner(w http.ResponseWriter, r *http.Request) {
	runnerID := chi.URLParam(r, "runnerId")
	h.writeJSON(w, http.StatusOK, map[string]any{
		"runnerId":  runnerID,
		"connected": h.broker.Registry.IsConnected(runnerID),
		"queued":    h.broker.Queue.Depth(runnerID),
	})
}

// Status handles GET /api/v1/admin/status, surfacing the observability
// counters for dashboards and smoke tests.
func (h *CommandHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.broker.Metrics.Snapshot())
}

func (h *CommandHandler) recordAudit(r *http.Request, category domain.AuditCategory, resourceID, message, metadataJSON string) {
	if h.audit == nil {
		return
	}
	evt := &domain.AuditEvent{
		Severity:   "info",
		Category:   category,
		ResourceID: resourceID,
		Message:    message,
	}
	if metadataJSON != "" {
		evt.Metadata = []byte(`{"encrypted_env":"` + metadataJSON + `"}`)
	}
	if err := h.audit.Create(r.Context(), evt); err != nil {
		h.logger.Warn("failed to record audit event", slog.String("error", err.Error()))
	}
}
