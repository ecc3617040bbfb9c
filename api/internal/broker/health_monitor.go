// api/internal/broker/health_monitor.go
package broker

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgebridge/runner-broker/api/internal/protocol"
)

// HealthMonitor periodically issues a runner-health-check command to every
// connected runner and expects an ack event back within a short window.
// A runner that misses enough consecutive checks is treated as unhealthy
// even though its socket is still technically open, which the registry's
// heartbeat sweep alone would not catch.
type HealthMonitor struct {
	registry *Registry
	router   *Router
	stream   *CommandStream
	logger   *slog.Logger
	audit    AuditSink

	interval         time.Duration
	checkTimeout     time.Duration
	concurrency      int
	failureThreshold int

	mu       sync.Mutex
	failures map[string]int
}

func NewHealthMonitor(registry *Registry, router *Router, stream *CommandStream, logger *slog.Logger, interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		registry:         registry,
		router:           router,
		stream:           stream,
		logger:           logger,
		audit:            noopAuditSink{},
		interval:         interval,
		checkTimeout:     6 * time.Second,
		concurrency:      10,
		failureThreshold: 3,
		failures:         make(map[string]int),
	}
}

// SetAuditSink wires the audit trail recorder for health-check
// failure/recovery transitions.
func (m *HealthMonitor) SetAuditSink(sink AuditSink) {
	if sink == nil {
		sink = noopAuditSink{}
	}
	m.audit = sink
}

func (m *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.performHealthChecks(ctx)
		}
	}
}

func (m *HealthMonitor) performHealthChecks(ctx context.Context) {
	runnerIDs := m.registry.List("")

	sem := make(chan struct{}, m.concurrency)
	var wg sync.WaitGroup

	for _, id := range runnerIDs {
		wg.Add(1)
		go func(runnerID string) {
			defer wg.Done()

			// Jitter avoids every runner's check landing in the same instant.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(rand.Intn(1000)) * time.Millisecond):
			}

			sem <- struct{}{}
			defer func() { <-sem }()

			checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
			defer cancel()
			m.checkRunnerHealth(checkCtx, runnerID)
		}(id)
	}
	wg.Wait()
}

func (m *HealthMonitor) checkRunnerHealth(ctx context.Context, runnerID string) {
	cmd, err := protocol.NewCommand(uuid.NewString(), protocol.CmdRunnerHealthCheck, "", protocol.RunnerHealthCheckPayload{})
	if err != nil {
		m.logger.Error("failed to build health check command", slog.String("error", err.Error()))
		return
	}

	acked := make(chan struct{}, 1)
	unsubscribe := m.stream.Subscribe(cmd.ID, func(evt *protocol.Event) {
		if evt.Type == protocol.EvtAck {
			select {
			case acked <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := m.router.SendCommandToRunner(runnerID, cmd); err != nil {
		m.recordFailure(runnerID)
		return
	}

	select {
	case <-acked:
		m.recordSuccess(runnerID)
	case <-ctx.Done():
		m.recordFailure(runnerID)
	}
}

func (m *HealthMonitor) recordFailure(runnerID string) {
	m.mu.Lock()
	m.failures[runnerID]++
	count := m.failures[runnerID]
	m.mu.Unlock()

	if count >= m.failureThreshold {
		m.logger.Warn("runner failed consecutive health checks",
			slog.String("runner_id", runnerID), slog.Int("failures", count))
		m.audit.Record("health_check_failure", runnerID, "runner missed consecutive health checks")
	}
}

func (m *HealthMonitor) recordSuccess(runnerID string) {
	m.mu.Lock()
	_, wasFailing := m.failures[runnerID]
	delete(m.failures, runnerID)
	m.mu.Unlock()

	if wasFailing {
		m.logger.Info("runner health check recovered", slog.String("runner_id", runnerID))
		m.audit.Record("health_check_recovered", runnerID, "runner resumed passing health checks")
	}
}
