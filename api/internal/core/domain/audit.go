// api/internal/core/domain/audit.go
package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditCategory classifies an AuditEvent. The broker's audit trail only
// ever records operational metadata about the broker itself (connection
// lifecycle, auth failures, proxy timeouts, queue overflow), never event
// payload content or build output.
type AuditCategory string

const (
	AuditRunnerConnected    AuditCategory = "runner_connected"
	AuditRunnerDisconnected AuditCategory = "runner_disconnected"
	AuditAuthFailure        AuditCategory = "auth_failure"
	AuditProxyTimeout       AuditCategory = "proxy_timeout"
	AuditQueueOverflow      AuditCategory = "queue_overflow"
	AuditCommandExpired     AuditCategory = "command_expired"
)

// AuditEvent is one row in the broker's audit trail.
type AuditEvent struct {
	ID             uuid.UUID     `json:"id" db:"id"`
	Severity       string        `json:"severity" db:"severity"`
	Category       AuditCategory `json:"category" db:"category"`
	ResourceID     string        `json:"resourceId" db:"resource_id"`
	Message        string        `json:"message" db:"message"`
	Metadata       []byte        `json:"metadata,omitempty" db:"metadata"` // raw JSONB
	IsAcknowledged bool          `json:"isAcknowledged" db:"is_acknowledged"`
	CreatedAt      time.Time     `json:"createdAt" db:"created_at"`
	AcknowledgedAt *time.Time    `json:"acknowledgedAt,omitempty" db:"acknowledged_at"`
}

// AuditFilter narrows a GetFiltered query from the admin API.
type AuditFilter struct {
	IsAcknowledged *bool
	Severity       string
	ResourceID     string
	Limit          int
	Offset         int
}

// AuditRepository defines the SLA for persisting and querying audit events.
type AuditRepository interface {
	Create(ctx context.Context, evt *AuditEvent) error
	GetFiltered(ctx context.Context, filter AuditFilter) ([]AuditEvent, int, error)
	Acknowledge(ctx context.Context, id uuid.UUID) error
}
