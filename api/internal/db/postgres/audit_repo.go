// api/internal/db/postgres/audit_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgebridge/runner-broker/api/internal/core/domain"
)

// AuditRepository persists operational audit events: connection
// lifecycle, auth failures, proxy timeouts, and queue overflow. It never
// stores event payload content.
type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

func (r *AuditRepository) Create(ctx context.Context, evt *domain.AuditEvent) error {
	const query = `
		INSERT INTO broker_audit_events (severity, category, resource_id, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	return r.pool.QueryRow(ctx, query,
		evt.Severity,
		evt.Category,
		evt.ResourceID,
		evt.Message,
		evt.Metadata,
	).Scan(&evt.ID, &evt.CreatedAt)
}

// GetFiltered builds a dynamic SQL query from the admin API's filter
// parameters and returns a page of matching events plus the total count
// for pagination.
func (r *AuditRepository) GetFiltered(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, int, error) {
	query := `SELECT id, severity, category, resource_id, message, is_acknowledged, metadata, created_at, acknowledged_at FROM broker_audit_events WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM broker_audit_events WHERE 1=1`

	filterParts := ""
	var args []any
	argCount := 1

	if filter.IsAcknowledged != nil {
		filterParts += fmt.Sprintf(" AND is_acknowledged = $%d", argCount)
		args = append(args, *filter.IsAcknowledged)
		argCount++
	}

	if filter.Severity != "" {
		filterParts += fmt.Sprintf(" AND severity = $%d", argCount)
		args = append(args, filter.Severity)
		argCount++
	}

	if filter.ResourceID != "" {
		filterParts += fmt.Sprintf(" AND resource_id = $%d", argCount)
		args = append(args, filter.ResourceID)
		argCount++
	}

	query += filterParts
	countQuery += filterParts

	var totalCount int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argCount, argCount+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch audit events: %w", err)
	}
	defer rows.Close()

	events, err := pgx.CollectRows(rows, pgx.RowToStructByName[domain.AuditEvent])
	return events, totalCount, err
}

func (r *AuditRepository) Acknowledge(ctx context.Context, id uuid.UUID) error {
	const query = `
		UPDATE broker_audit_events
		SET is_acknowledged = true, acknowledged_at = NOW()
		WHERE id = $1 AND is_acknowledged = false
	`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("audit event not found or already acknowledged")
	}
	return nil
}
