// api/internal/broker/registry.go
package broker

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgebridge/runner-broker/api/internal/protocol"
)

const (
	runnerStaleSweep    = 60 * time.Second
	runnerStaleTimeout  = 90 * time.Second
	runnerWriteDeadline = 10 * time.Second
)

// RunnerConn is one authenticated, persistent runner connection. The
// Registry exclusively owns this socket and its timers.
type RunnerConn struct {
	RunnerID   string
	OwnerID    string // optional owner passed to Register; the runner WebSocket handler passes none
	RemoteAddr string
	Tags       []string

	mu            sync.Mutex
	ws            *websocket.Conn
	lastHeartbeat time.Time
	closed        bool
}

// send serializes and writes a message as given: a trace envelope already
// set on a command (Command.WithTrace) is written with it, and send adds
// none of its own. Write errors surface to the caller; they never panic or
// close the process.
func (c *RunnerConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errNotConnected
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.ws.SetWriteDeadline(time.Now().Add(runnerWriteDeadline))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *RunnerConn) touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// Touch records that a frame was just received from this connection,
// resetting its stale-sweep clock. Exported so the WebSocket read pump
// (a different package) can report liveness on every inbound frame, not
// only on pong control frames.
func (c *RunnerConn) Touch() {
	c.touch()
}

func (c *RunnerConn) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastHeartbeat)
}

// closeWithCode closes the underlying socket exactly once, best-effort
// sending a close frame first.
func (c *RunnerConn) closeWithCode(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ws.SetWriteDeadline(time.Now().Add(runnerWriteDeadline))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = c.ws.Close()
}

// StatusObserver is notified whenever a runner connects or disconnects, so
// the app can publish runner-up/down UI signals.
type StatusObserver func(runnerID string, connected bool, affectedProjectIDs []string)

// Registry enforces the one-connection-per-runnerId invariant, tracks
// heartbeats, and runs the stale-connection sweep.
type Registry struct {
	logger  *slog.Logger
	metrics *Metrics
	audit   AuditSink

	mu        sync.RWMutex
	conns     map[string]*RunnerConn
	observers []StatusObserver

	staleMu      sync.Mutex
	staleTimeout time.Duration

	onDisconnect func(runnerID string) // wired to HTTP/HMR proxy teardown

	stopSweep chan struct{}
}

func NewRegistry(logger *slog.Logger, metrics *Metrics) *Registry {
	r := &Registry{
		logger:       logger,
		metrics:      metrics,
		audit:        noopAuditSink{},
		conns:        make(map[string]*RunnerConn),
		staleTimeout: runnerStaleTimeout,
		stopSweep:    make(chan struct{}),
	}
	go r.staleSweepLoop()
	return r
}

// SetAuditSink wires the audit trail recorder. Called once during broker
// composition; nil is replaced with a no-op so callers never need to guard.
func (r *Registry) SetAuditSink(sink AuditSink) {
	if sink == nil {
		sink = noopAuditSink{}
	}
	r.audit = sink
}

// SetStaleTimeout overrides the heartbeat deadline applied by the next
// stale sweep (Broker Tunables). Non-positive values are ignored.
func (r *Registry) SetStaleTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.staleMu.Lock()
	r.staleTimeout = d
	r.staleMu.Unlock()
}

func (r *Registry) currentStaleTimeout() time.Duration {
	r.staleMu.Lock()
	defer r.staleMu.Unlock()
	return r.staleTimeout
}

// OnDisconnect wires a callback invoked (outside the registry lock) whenever
// a runner connection is torn down, so HTTP/HMR proxy managers can cancel
// their pending tables for that runner.
func (r *Registry) OnDisconnect(fn func(runnerID string)) {
	r.onDisconnect = fn
}

// AddStatusObserver registers an observer invoked on connect/disconnect.
func (r *Registry) AddStatusObserver(obs StatusObserver) {
	r.mu.Lock()
	r.observers = append(r.observers, obs)
	r.mu.Unlock()
}

// Register installs ws as the connection for runnerId, evicting any prior
// connection with close code 1000: at most one live connection per runner
// id.
func (r *Registry) Register(runnerID, ownerID, remoteAddr string, ws *websocket.Conn) *RunnerConn {
	conn := &RunnerConn{
		RunnerID:      runnerID,
		OwnerID:       ownerID,
		RemoteAddr:    remoteAddr,
		ws:            ws,
		lastHeartbeat: time.Now(),
	}

	r.mu.Lock()
	prior, existed := r.conns[runnerID]
	r.conns[runnerID] = conn
	r.mu.Unlock()

	if existed {
		r.logger.Info("evicting prior runner connection", slog.String("runner_id", runnerID))
		prior.closeWithCode(websocket.CloseNormalClosure, "Replaced by new connection")
	}

	r.logger.Info("runner connected", slog.String("runner_id", runnerID), slog.String("remote_addr", remoteAddr))
	r.metrics.RunnerConnected()
	r.audit.Record("runner_connected", runnerID, "runner connected from "+remoteAddr)
	r.notify(runnerID, true, nil)

	return conn
}

// Unregister removes runnerID from the table if conn is still the current
// entry (guards against a stale goroutine removing a connection that was
// already replaced by Register).
func (r *Registry) Unregister(runnerID string, conn *RunnerConn) {
	r.mu.Lock()
	current, ok := r.conns[runnerID]
	removed := ok && current == conn
	if removed {
		delete(r.conns, runnerID)
	}
	r.mu.Unlock()

	if !removed {
		return
	}
	r.logger.Info("runner disconnected", slog.String("runner_id", runnerID))
	r.metrics.RunnerDisconnected()
	r.audit.Record("runner_disconnected", runnerID, "runner disconnected")
	r.notify(runnerID, false, nil)
	if r.onDisconnect != nil {
		r.onDisconnect(runnerID)
	}
}

func (r *Registry) notify(runnerID string, connected bool, projectIDs []string) {
	r.mu.RLock()
	obs := append([]StatusObserver(nil), r.observers...)
	r.mu.RUnlock()
	for _, fn := range obs {
		fn(runnerID, connected, projectIDs)
	}
}

// Get returns the live connection for runnerID, or nil.
func (r *Registry) Get(runnerID string) *RunnerConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[runnerID]
}

// IsConnected reports whether runnerID currently has an open connection.
func (r *Registry) IsConnected(runnerID string) bool {
	return r.Get(runnerID) != nil
}

// List returns a snapshot of connected runner ids, optionally filtered by
// owner. When ownerID is empty, or a connection carries no owner of its
// own, the filter is a no-op and that runner is always included.
func (r *Registry) List(ownerID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id, c := range r.conns {
		if ownerID != "" && c.OwnerID != "" && c.OwnerID != ownerID {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) staleSweepLoop() {
	ticker := time.NewTicker(runnerStaleSweep)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.sweepStale()
		}
	}
}

func (r *Registry) sweepStale() {
	deadline := r.currentStaleTimeout()
	r.mu.RLock()
	var stale []*RunnerConn
	for _, c := range r.conns {
		if c.idleFor() > deadline {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		r.logger.Warn("runner heartbeat timeout", slog.String("runner_id", c.RunnerID))
		r.audit.Record("runner_stale_timeout", c.RunnerID, "heartbeat deadline exceeded")
		c.closeWithCode(websocket.CloseNormalClosure, "Heartbeat timeout")
		r.Unregister(c.RunnerID, c)
	}
}

// Shutdown stops the stale sweep and closes every runner socket with code
// 1000.
func (r *Registry) Shutdown() {
	close(r.stopSweep)
	r.mu.Lock()
	conns := make([]*RunnerConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*RunnerConn)
	r.mu.Unlock()

	for _, c := range conns {
		c.closeWithCode(websocket.CloseNormalClosure, "Broker shutting down")
	}
}

// DecodeFrame parses one inbound WebSocket frame from a runner into a
// Command or Event, recording the parse-error counter on failure.
func (r *Registry) DecodeFrame(raw []byte) (*protocol.Command, *protocol.Event, error) {
	cmd, evt, err := protocol.ParseIncoming(raw)
	if err != nil {
		r.metrics.ParseError()
	}
	return cmd, evt, err
}
