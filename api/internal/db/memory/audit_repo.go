// api/internal/db/memory/audit_repo.go
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgebridge/runner-broker/api/internal/core/domain"
)

// AuditRepository is an in-process stand-in for the Postgres-backed audit
// trail, used when DATABASE_URL is unset so the broker remains fully
// usable without Postgres. Entries do not survive a restart.
type AuditRepository struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

func (r *AuditRepository) Create(ctx context.Context, evt *domain.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	evt.ID = uuid.New()
	evt.CreatedAt = time.Now().UTC()
	r.events = append(r.events, *evt)
	return nil
}

func (r *AuditRepository) GetFiltered(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []domain.AuditEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		evt := r.events[i]
		if filter.IsAcknowledged != nil && evt.IsAcknowledged != *filter.IsAcknowledged {
			continue
		}
		if filter.Severity != "" && evt.Severity != filter.Severity {
			continue
		}
		if filter.ResourceID != "" && evt.ResourceID != filter.ResourceID {
			continue
		}
		matched = append(matched, evt)
	}

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *AuditRepository) Acknowledge(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.events {
		if r.events[i].ID == id {
			if r.events[i].IsAcknowledged {
				return errors.New("audit event not found or already acknowledged")
			}
			r.events[i].IsAcknowledged = true
			now := time.Now().UTC()
			r.events[i].AcknowledgedAt = &now
			return nil
		}
	}
	return errors.New("audit event not found or already acknowledged")
}
