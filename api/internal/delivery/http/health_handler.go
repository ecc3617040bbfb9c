// api/internal/delivery/http/health_handler.go
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgebridge/runner-broker/api/internal/broker"
)

// HealthHandler reports broker liveness: it never depends on any runner
// being connected (a broker with zero runners is still healthy). When
// Postgres is configured it pings the database and reports "degraded"
// (503) if the ping fails; no other subsystem is checked.
type HealthHandler struct {
	broker *broker.Broker
	pool   *pgxpool.Pool // nil when running without Postgres
}

func NewHealthHandler(b *broker.Broker, pool *pgxpool.Pool) *HealthHandler {
	return &HealthHandler{broker: b, pool: pool}
}

type healthStatus struct {
	Status          string `json:"status"`
	RunnersConnected int64  `json:"runnersConnected"`
	DatabaseOK      *bool  `json:"databaseOk,omitempty"`
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := healthStatus{
		Status:           "healthy",
		RunnersConnected: h.broker.Metrics.Snapshot().RunnersConnected,
	}

	if h.pool != nil {
		ok := h.pool.Ping(ctx) == nil
		status.DatabaseOK = &ok
		if !ok {
			status.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}
