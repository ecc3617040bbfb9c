// api/internal/broker/hmrproxy.go
package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgebridge/runner-broker/api/internal/protocol"
)

const defaultHMRConnectTimeout = 30 * time.Second

// HMRConnState is the lifecycle state of one proxied HMR connection.
type HMRConnState string

const (
	HMRConnecting   HMRConnState = "connecting"
	HMRConnected    HMRConnState = "connected"
	HMRDisconnected HMRConnState = "disconnected"
	HMRFailed       HMRConnState = "failed"
)

// hmrConnection tracks one browser-dev-server WebSocket relay, identified
// by connectionId, with the callbacks (from HMRCallbacks) the browser side
// installs to receive connection state changes and relayed messages.
type hmrConnection struct {
	ConnectionID string
	RunnerID     string
	ProjectID    string
	Port         int

	mu    sync.Mutex
	state HMRConnState

	connectFuture *future[struct{}]

	onConnected  func()
	onMessage    func(message string)
	onDisconnect func(code int, reason string)
	onError      func(message string)
}

func (c *hmrConnection) setState(s HMRConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *hmrConnection) getState() HMRConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HMRProxyManager implements the Hot Module Replacement relay: it asks a
// runner to open a WebSocket to its dev server's HMR endpoint, then
// shuttles messages in both directions until either side disconnects.
type HMRProxyManager struct {
	logger  *slog.Logger
	router  *Router
	metrics *Metrics
	timeout time.Duration

	mu    sync.Mutex
	conns map[string]*hmrConnection
}

func NewHMRProxyManager(logger *slog.Logger, router *Router, metrics *Metrics, timeout time.Duration) *HMRProxyManager {
	if timeout <= 0 {
		timeout = defaultHMRConnectTimeout
	}
	return &HMRProxyManager{
		logger:  logger,
		router:  router,
		metrics: metrics,
		timeout: timeout,
		conns:   make(map[string]*hmrConnection),
	}
}

// HMRCallbacks are the four connection-lifecycle hooks a caller supplies
// to Connect.
type HMRCallbacks struct {
	OnConnected    func()
	OnMessage      func(message string)
	OnDisconnected func(code int, reason string)
	OnError        func(message string)
}

// Connect asks runnerID to open an HMR connection on port, blocking until
// the runner confirms (hmr-connected) or the timeout elapses.
// connectionID is supplied by the caller (the browser-side script) rather
// than generated here; it is the correlation key the browser and this
// manager share across the tunnel's lifetime. Connecting with an id
// already in use is rejected.
func (m *HMRProxyManager) Connect(connectionID, runnerID, projectID string, port int, protocolName string, cb HMRCallbacks) error {
	m.mu.Lock()
	if _, exists := m.conns[connectionID]; exists {
		m.mu.Unlock()
		return errConnectionIDInUse
	}
	conn := &hmrConnection{
		ConnectionID:  connectionID,
		RunnerID:      runnerID,
		ProjectID:     projectID,
		Port:          port,
		state:         HMRConnecting,
		connectFuture: newFuture[struct{}](),
		onConnected:   cb.OnConnected,
		onMessage:     cb.OnMessage,
		onDisconnect:  cb.OnDisconnected,
		onError:       cb.OnError,
	}
	m.conns[connectionID] = conn
	m.mu.Unlock()

	cmd, err := protocol.NewCommand(uuid.NewString(), protocol.CmdHMRConnect, projectID, protocol.HMRConnectPayload{
		ConnectionID: connectionID,
		Port:         port,
		Protocol:     protocolName,
	})
	if err != nil {
		m.remove(connectionID)
		return err
	}

	m.metrics.HMRConnectionOpened()
	if err := m.router.SendCommandToRunner(runnerID, cmd); err != nil {
		m.remove(connectionID)
		return err
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	if _, err := conn.connectFuture.wait(timer.C); err != nil {
		conn.setState(HMRFailed)
		m.remove(connectionID)
		if cb.OnError != nil {
			cb.OnError("Connection timeout")
		}
		return err
	}

	conn.setState(HMRConnected)
	if cb.OnConnected != nil {
		cb.OnConnected()
	}
	return nil
}

// Send relays a browser-originated message to the runner's HMR connection.
// It is a no-op unless the connection is currently connected.
func (m *HMRProxyManager) Send(connectionID, message string) error {
	conn := m.get(connectionID)
	if conn == nil {
		return errUnknownRunner
	}
	if conn.getState() != HMRConnected {
		return nil
	}
	cmd, err := protocol.NewCommand(uuid.NewString(), protocol.CmdHMRMessage, conn.ProjectID, protocol.HMRMessagePayload{
		ConnectionID: connectionID,
		Message:      message,
	})
	if err != nil {
		return err
	}
	return m.router.SendCommandToRunner(conn.RunnerID, cmd)
}

// Disconnect tears down connectionID, asking the runner to close its end.
func (m *HMRProxyManager) Disconnect(connectionID string) {
	conn := m.get(connectionID)
	if conn == nil {
		return
	}
	cmd, err := protocol.NewCommand(uuid.NewString(), protocol.CmdHMRDisconnect, conn.ProjectID, protocol.HMRDisconnectPayload{
		ConnectionID: connectionID,
	})
	if err == nil {
		_ = m.router.SendCommandToRunner(conn.RunnerID, cmd)
	}
	m.remove(connectionID)
}

func (m *HMRProxyManager) get(connectionID string) *hmrConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[connectionID]
}

func (m *HMRProxyManager) remove(connectionID string) {
	m.mu.Lock()
	_, existed := m.conns[connectionID]
	delete(m.conns, connectionID)
	m.mu.Unlock()
	if existed {
		m.metrics.HMRConnectionClosed()
	}
}

// DisconnectAllForRunner tears down every HMR connection owned by
// runnerID, called when that runner's socket drops.
func (m *HMRProxyManager) DisconnectAllForRunner(runnerID string) {
	m.mu.Lock()
	var affected []*hmrConnection
	for _, c := range m.conns {
		if c.RunnerID == runnerID {
			affected = append(affected, c)
		}
	}
	m.mu.Unlock()

	for _, c := range affected {
		c.setState(HMRDisconnected)
		if c.onDisconnect != nil {
			c.onDisconnect(1001, "runner disconnected")
		}
		m.remove(c.ConnectionID)
	}
}

// Shutdown tears down every live HMR connection with a disconnect reason
// of "Broker shutting down", invoking each disconnect callback exactly once.
func (m *HMRProxyManager) Shutdown() {
	m.mu.Lock()
	conns := make([]*hmrConnection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.setState(HMRDisconnected)
		if c.onDisconnect != nil {
			c.onDisconnect(1001, "Broker shutting down")
		}
		m.remove(c.ConnectionID)
	}
}

// HandleEvent routes a runner-originated HMR event to its connection.
func (m *HMRProxyManager) HandleEvent(evt *protocol.Event) {
	decoded, err := protocol.DecodeEventPayload(evt)
	if err != nil {
		m.logger.Warn("malformed hmr event", slog.String("error", err.Error()))
		return
	}

	switch v := decoded.(type) {
	case *protocol.HMRConnectedPayload:
		if conn := m.get(v.ConnectionID); conn != nil {
			conn.connectFuture.resolve(struct{}{})
		}
	case *protocol.HMRMessageEventPayload:
		if conn := m.get(v.ConnectionID); conn != nil && conn.onMessage != nil {
			conn.onMessage(v.Message)
		}
	case *protocol.HMRDisconnectedPayload:
		if conn := m.get(v.ConnectionID); conn != nil {
			conn.setState(HMRDisconnected)
			if conn.onDisconnect != nil {
				conn.onDisconnect(v.Code, v.Reason)
			}
			m.remove(v.ConnectionID)
		}
	case *protocol.HMRErrorPayload:
		if conn := m.get(v.ConnectionID); conn != nil {
			conn.connectFuture.reject(&HMRError{Message: v.Error})
			conn.setState(HMRFailed)
			if conn.onError != nil {
				conn.onError(v.Error)
			}
			m.remove(v.ConnectionID)
		}
	}
}

// HMRError carries a runner-reported HMR relay failure.
type HMRError struct {
	Message string
}

func (e *HMRError) Error() string { return e.Message }
