// api/internal/db/postgres/tunables_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgebridge/runner-broker/api/internal/core/domain"
)

// TunablesRepository implements domain.BrokerTunablesRepository on top of
// pgxpool, carrying over the Optimistic Concurrency Control pattern used
// for the singleton profile row it is adapted from.
type TunablesRepository struct {
	pool *pgxpool.Pool
}

func NewTunablesRepository(pool *pgxpool.Pool) *TunablesRepository {
	return &TunablesRepository{pool: pool}
}

// GetActive fetches the singleton tunables row.
func (r *TunablesRepository) GetActive(ctx context.Context) (*domain.BrokerTunables, error) {
	const query = `
		SELECT id, batch_delay_ms, heartbeat_interval_ms, runner_stale_ms, browser_stale_ms,
		       queue_max_size, command_ttl_ms, command_max_attempts, version, updated_at
		FROM broker_tunables
		LIMIT 1;
	`

	var t domain.BrokerTunables
	err := r.pool.QueryRow(ctx, query).Scan(
		&t.ID,
		&t.BatchDelayMs,
		&t.HeartbeatIntervalMs,
		&t.RunnerStaleMs,
		&t.BrowserStaleMs,
		&t.QueueMaxSize,
		&t.CommandTTLMs,
		&t.CommandMaxAttempts,
		&t.Version,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTunablesNotFound
		}
		return nil, fmt.Errorf("query active tunables: %w", err)
	}
	return &t, nil
}

// Update mutates the singleton row using Optimistic Concurrency Control:
// the WHERE clause pins both id and the expected version, so a concurrent
// admin update fails with ErrConcurrencyConflict instead of silently
// clobbering the other write.
func (r *TunablesRepository) Update(ctx context.Context, t *domain.BrokerTunables) error {
	if err := t.Validate(); err != nil {
		return err
	}

	const query = `
		UPDATE broker_tunables SET
			batch_delay_ms = $2,
			heartbeat_interval_ms = $3,
			runner_stale_ms = $4,
			browser_stale_ms = $5,
			queue_max_size = $6,
			command_ttl_ms = $7,
			command_max_attempts = $8,
			version = version + 1,
			updated_at = $10
		WHERE id = $1 AND version = $9;
	`

	now := time.Now().UTC()

	tag, err := r.pool.Exec(ctx, query,
		t.ID,
		t.BatchDelayMs,
		t.HeartbeatIntervalMs,
		t.RunnerStaleMs,
		t.BrowserStaleMs,
		t.QueueMaxSize,
		t.CommandTTLMs,
		t.CommandMaxAttempts,
		t.Version,
		now,
	)
	if err != nil {
		return fmt.Errorf("execute tunables update: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return domain.ErrConcurrencyConflict
	}

	t.Version++
	t.UpdatedAt = now
	return nil
}
