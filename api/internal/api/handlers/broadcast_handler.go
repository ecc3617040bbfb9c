// api/internal/api/handlers/broadcast_handler.go
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forgebridge/runner-broker/api/internal/broker"
)

// BroadcastHandler exposes the Subscriber Hub's named broadcast methods
// over HTTP, for operators and integration tests that want to push a
// browser-facing event without driving a runner through the full build
// lifecycle.
type BroadcastHandler struct {
	broker *broker.Broker
	logger *slog.Logger
}

func NewBroadcastHandler(b *broker.Broker, logger *slog.Logger) *BroadcastHandler {
	return &BroadcastHandler{broker: b, logger: logger}
}

type broadcastRequest struct {
	SessionID   string         `json:"sessionId"`
	BuildID     string         `json:"buildId,omitempty"`
	Todos       []string       `json:"todos,omitempty"`
	ActiveIndex int            `json:"activeIndex,omitempty"`
	Phase       string         `json:"phase,omitempty"`
	TodoIndex   int            `json:"todoIndex,omitempty"`
	ToolCall    broker.ToolCall `json:"toolCall,omitempty"`
	Status      string         `json:"status,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	State       any            `json:"state,omitempty"`
}

// Broadcast handles POST /api/v1/admin/projects/{projectId}/broadcast/{kind},
// dispatching to the Hub broadcast method named by kind: build-started,
// todos-update, todo-completed, tool-call, build-complete, or
// state-update.
func (h *BroadcastHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	kind := chi.URLParam(r, "kind")

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	switch kind {
	case "build-started":
		h.broker.Hub.BroadcastBuildStarted(projectID, req.SessionID, req.BuildID)
	case "todos-update":
		h.broker.Hub.BroadcastTodosUpdate(projectID, req.SessionID, req.Todos, req.ActiveIndex, req.Phase)
	case "todo-completed":
		h.broker.Hub.BroadcastTodoCompleted(projectID, req.SessionID, req.TodoIndex)
	case "tool-call":
		h.broker.Hub.BroadcastToolCall(projectID, req.SessionID, req.ToolCall)
	case "build-complete":
		h.broker.Hub.BroadcastBuildComplete(projectID, req.SessionID, req.Status, req.Summary)
	case "state-update":
		h.broker.Hub.BroadcastStateUpdate(projectID, req.SessionID, req.State)
	default:
		http.Error(w, "unknown broadcast kind: "+kind, http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
