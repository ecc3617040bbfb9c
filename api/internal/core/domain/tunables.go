// api/internal/core/domain/tunables.go
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Use a single instance of Validate, it caches struct info.
var validate = validator.New()

// ErrTunablesNotFound is returned when the singleton row hasn't been initialized.
var ErrTunablesNotFound = errors.New("broker tunables not found")

// ErrConcurrencyConflict is returned when optimistic locking detects a
// concurrent update, by any BrokerTunablesRepository implementation.
var ErrConcurrencyConflict = errors.New("optimistic lock failure: tunables were updated by another administrator")

// BrokerTunables are the runtime-adjustable broker parameters exposed
// through the admin API, persisted as a singleton row guarded by
// Optimistic Concurrency Control (Version).
type BrokerTunables struct {
	ID                  uuid.UUID `json:"id"`
	BatchDelayMs        int       `json:"batchDelayMs" validate:"min=0"`
	HeartbeatIntervalMs int       `json:"heartbeatIntervalMs" validate:"required,gt=0"`
	RunnerStaleMs       int       `json:"runnerStaleMs" validate:"required,gtfield=HeartbeatIntervalMs"`
	BrowserStaleMs      int       `json:"browserStaleMs" validate:"required,gt=0"`
	QueueMaxSize        int       `json:"queueMaxSize" validate:"required,gt=0"`
	CommandTTLMs        int       `json:"commandTtlMs" validate:"required,gt=0"`
	CommandMaxAttempts  int       `json:"commandMaxAttempts" validate:"required,gt=0"`
	Version             int       `json:"version"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Validate rejects tunable values that would make the broker misbehave
// (e.g. a zero TTL would expire every queued command immediately).
func (t *BrokerTunables) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("invalid tunables: %w", err)
	}
	return nil
}

// BrokerTunablesRepository defines the SLA for loading and mutating the
// singleton tunables row.
type BrokerTunablesRepository interface {
	GetActive(ctx context.Context) (*BrokerTunables, error)
	Update(ctx context.Context, t *BrokerTunables) error
}
