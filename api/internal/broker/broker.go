// api/internal/broker/broker.go
package broker

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forgebridge/runner-broker/api/internal/protocol"
)

// Tunables holds the runtime-adjustable broker parameters backed by the
// Broker Tunables admin resource.
type Tunables struct {
	BatchDelay          time.Duration
	HeartbeatInterval   time.Duration
	RunnerStaleTimeout  time.Duration
	BrowserStaleTimeout time.Duration
	QueueMaxSize        int
	CommandTTL          time.Duration
	CommandMaxAttempts  int

	// HTTPProxyTimeout and HMRConnectTimeout default to 30s and
	// are not part of the Broker Tunables admin resource; they are still
	// threaded through Tunables so main.go's config-driven override
	// (BROKER_HTTP_PROXY_TIMEOUT_MS / BROKER_HMR_CONNECT_TIMEOUT_MS) has
	// somewhere to land without a parallel constructor argument list.
	HTTPProxyTimeout  time.Duration
	HMRConnectTimeout time.Duration
}

// Broker wires together the Registry, Router, CommandQueue, Hub,
// CommandStream, and the two proxy managers, and is the single place that
// interprets an inbound runner event and decides who should see it.
type Broker struct {
	logger *slog.Logger

	Metrics       *Metrics
	Registry      *Registry
	Queue         *CommandQueue
	Router        *Router
	Hub           *Hub
	CommandStream *CommandStream
	HTTPProxy     *HTTPProxyManager
	HMRProxy      *HMRProxyManager
	HealthMonitor *HealthMonitor

	audit AuditSink
}

func New(logger *slog.Logger, t Tunables) *Broker {
	metrics := NewMetrics()
	registry := NewRegistry(logger, metrics)
	router := NewRouter(logger, registry, metrics)
	queue := NewCommandQueue(logger, metrics, router, QueueConfig{
		TTL:         t.CommandTTL,
		MaxAttempts: t.CommandMaxAttempts,
		MaxSize:     t.QueueMaxSize,
	})
	hub := NewHub(logger, metrics, t.BatchDelay)
	stream := NewCommandStream()
	httpProxy := NewHTTPProxyManager(logger, router, metrics, t.HTTPProxyTimeout)
	hmrProxy := NewHMRProxyManager(logger, router, metrics, t.HMRConnectTimeout)
	healthMonitor := NewHealthMonitor(registry, router, stream, logger, t.HeartbeatInterval)

	b := &Broker{
		logger:        logger,
		Metrics:       metrics,
		Registry:      registry,
		Queue:         queue,
		Router:        router,
		Hub:           hub,
		CommandStream: stream,
		HTTPProxy:     httpProxy,
		HMRProxy:      hmrProxy,
		HealthMonitor: healthMonitor,
		audit:         noopAuditSink{},
	}

	// Drain a runner's FIFO as soon as it (re)connects. Routed
	// through the registry's generic observer rather than a direct field
	// on Registry to avoid a Registry<->Queue import cycle.
	registry.AddStatusObserver(func(runnerID string, connected bool, _ []string) {
		if connected {
			go queue.ProcessQueue(runnerID)
		}
	})

	// Pending proxy work cannot outlive the socket it rides on; status
	// fan-out to browsers is the app's job via AddStatusObserver.
	registry.OnDisconnect(func(runnerID string) {
		hmrProxy.DisconnectAllForRunner(runnerID)
		httpProxy.CancelForRunner(runnerID)
	})

	registry.SetStaleTimeout(t.RunnerStaleTimeout)
	hub.SetStaleTimeout(t.BrowserStaleTimeout)

	return b
}

// SetAuditSink wires the audit trail recorder into every subsystem that
// records operational metadata: connection lifecycle (Registry), queue
// overflow (CommandQueue), and proxy timeouts (HTTPProxyManager). Call once
// during composition, before the broker starts serving traffic.
func (b *Broker) SetAuditSink(sink AuditSink) {
	if sink == nil {
		sink = noopAuditSink{}
	}
	b.audit = sink
	b.Registry.SetAuditSink(sink)
	b.Queue.SetAuditSink(sink)
	b.HTTPProxy.SetAuditSink(sink)
	b.HealthMonitor.SetAuditSink(sink)
}

// RecordAudit lets collaborators outside the broker package (the runner
// WebSocket handler, rejecting an unauthenticated upgrade before a
// RunnerConn even exists) append an operational audit row through the same
// sink the broker's internal subsystems use.
func (b *Broker) RecordAudit(category, resourceID, message string) {
	b.audit.Record(category, resourceID, message)
}

// ApplyTunables updates the live queue, hub, and stale-sweep configuration.
// Changes take effect for subsequently queued commands, subsequently
// scheduled flushes, and the next stale sweep. HeartbeatInterval is not
// re-applied: it sets the health monitor's check interval once, in New, and
// the per-socket ping periods are constants.
func (b *Broker) ApplyTunables(t Tunables) {
	b.Queue.UpdateConfig(QueueConfig{
		TTL:         t.CommandTTL,
		MaxAttempts: t.CommandMaxAttempts,
		MaxSize:     t.QueueMaxSize,
	})
	b.Hub.UpdateBatchDelay(t.BatchDelay)
	b.Hub.SetStaleTimeout(t.BrowserStaleTimeout)
	b.Registry.SetStaleTimeout(t.RunnerStaleTimeout)
}

// DispatchEvent is invoked by the runner WebSocket handler for every event
// frame received from a runner. It always publishes to the Per-Command
// Event Stream (keyed by CommandID, a no-op when empty), and additionally
// routes proxy-family events to their manager and everything else to the
// Subscriber Hub for the event's project/session.
func (b *Broker) DispatchEvent(sessionID string, evt *protocol.Event) {
	b.CommandStream.Publish(evt)

	switch evt.Type {
	case protocol.EvtHTTPProxyResponse, protocol.EvtHTTPProxyChunk, protocol.EvtHTTPProxyError:
		b.HTTPProxy.HandleEvent(evt)
		return
	case protocol.EvtHMRConnected, protocol.EvtHMRMessage, protocol.EvtHMRDisconnected, protocol.EvtHMRError:
		b.HMRProxy.HandleEvent(evt)
		return
	}

	b.Hub.Broadcast(evt.ProjectID, sessionID, evt)
}

// SendCommand builds a new command and hands it to the CommandQueue,
// which delivers it immediately if runnerID is connected or queues it for
// delivery on reconnect. The
// admin HTTP command handlers use it; browser WebSocket clients have no way
// to send a command.
func (b *Broker) SendCommand(runnerID, projectID string, cmdType protocol.CommandType, payload any) (string, EnqueueResult, error) {
	id := uuid.NewString()
	cmd, err := protocol.NewCommand(id, cmdType, projectID, payload)
	if err != nil {
		return "", EnqueueResult{}, err
	}
	result := b.Queue.Enqueue(runnerID, cmd, EnqueueOptions{})
	return id, result, nil
}

// Shutdown stops background loops, closes every runner socket with code
// 1000, and drains the queue's remaining entries.
func (b *Broker) Shutdown() {
	b.Registry.Shutdown()
	b.Queue.Shutdown()
	b.Hub.Shutdown()
	b.HTTPProxy.Shutdown()
	b.HMRProxy.Shutdown()
}
