// api/internal/broker/router.go
package broker

import (
	"log/slog"

	"github.com/forgebridge/runner-broker/api/internal/protocol"
)

// Router is the single entry point the rest of the broker uses to address a
// runner: look up its socket and write the command if it is open. It never
// queues on failure; that decision belongs to the caller.
type Router struct {
	logger   *slog.Logger
	registry *Registry
	metrics  *Metrics
}

func NewRouter(logger *slog.Logger, registry *Registry, metrics *Metrics) *Router {
	return &Router{logger: logger, registry: registry, metrics: metrics}
}

// SendCommandToRunner delivers cmd to runnerID's socket. It returns an
// error (never panics) when the runner is unknown, disconnected, or the
// write itself fails; callers that need disconnected-runner durability go
// through CommandQueue.Enqueue instead.
func (r *Router) SendCommandToRunner(runnerID string, cmd *protocol.Command) error {
	conn := r.registry.Get(runnerID)
	if conn == nil {
		return errNotConnected
	}

	if err := conn.send(cmd); err != nil {
		r.logger.Warn("command send failed",
			slog.String("runner_id", runnerID), slog.String("command_id", cmd.ID), slog.String("error", err.Error()))
		r.metrics.SendError()
		return err
	}

	r.metrics.CommandDelivered()
	return nil
}

// Broadcast sends cmd to every connected runner, best-effort, ignoring
// per-runner send errors.
func (r *Router) Broadcast(cmd *protocol.Command) {
	for _, runnerID := range r.registry.List("") {
		_ = r.SendCommandToRunner(runnerID, cmd)
	}
}
