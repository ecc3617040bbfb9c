// api/internal/db/memory/tunables_repo.go
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgebridge/runner-broker/api/internal/core/domain"
)

// TunablesRepository is an in-process stand-in for the Postgres-backed
// Broker Tunables singleton, used when DATABASE_URL is unset. It seeds
// itself from the values config.Load() already computed, so GetTunables
// never 404s even without Postgres.
type TunablesRepository struct {
	mu sync.Mutex
	t  domain.BrokerTunables
}

func NewTunablesRepository(initial domain.BrokerTunables) *TunablesRepository {
	initial.ID = uuid.New()
	initial.Version = 1
	initial.UpdatedAt = time.Now().UTC()
	return &TunablesRepository{t: initial}
}

func (r *TunablesRepository) GetActive(ctx context.Context) (*domain.BrokerTunables, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.t
	return &t, nil
}

func (r *TunablesRepository) Update(ctx context.Context, t *domain.BrokerTunables) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Version != r.t.Version {
		return domain.ErrConcurrencyConflict
	}
	t.ID = r.t.ID
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	r.t = *t
	return nil
}
