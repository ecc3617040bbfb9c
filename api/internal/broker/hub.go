// api/internal/broker/hub.go
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
	browserWriteDeadline   = 10 * time.Second
	defaultBatchDelay      = 200 * time.Millisecond
	stateUpdateFlushLength = 10
	browserStaleTimeout    = 60 * time.Second
	browserHeartbeatPeriod = 30 * time.Second
)

// subscription is one (projectId, sessionId) pair a browser client is
// interested in. An empty SessionID means "every session in this
// project".
type subscription struct {
	ProjectID string
	SessionID string
}

// BrowserClient is one connected browser-side subscriber. A client
// subscribes to zero or more (projectId, sessionId) pairs; events for
// those pairs are delivered to it, batched or immediate depending on the
// broadcast kind.
type BrowserClient struct {
	ID         string
	OwnerID    string
	RemoteAddr string

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool

	subMu sync.Mutex
	subs  []subscription

	lastSeen time.Time
}

// Subscribe adds (projectID, sessionID) to this client's interest set.
// Re-subscribing to the same pair is a no-op.
func (c *BrowserClient) Subscribe(projectID, sessionID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range c.subs {
		if s.ProjectID == projectID && s.SessionID == sessionID {
			return
		}
	}
	c.subs = append(c.subs, subscription{ProjectID: projectID, SessionID: sessionID})
}

// Unsubscribe removes (projectID, sessionID) from this client's interest set.
func (c *BrowserClient) Unsubscribe(projectID, sessionID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := c.subs[:0]
	for _, s := range c.subs {
		if s.ProjectID == projectID && s.SessionID == sessionID {
			continue
		}
		out = append(out, s)
	}
	c.subs = out
}

// interestedIn reports whether this client should receive a batch destined
// for (projectID, sessionID): the subscription's project must match, and
// its session must either be absent or equal the batch's session.
func (c *BrowserClient) interestedIn(projectID, sessionID string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range c.subs {
		if s.ProjectID != projectID {
			continue
		}
		if s.SessionID == "" || s.SessionID == sessionID {
			return true
		}
	}
	return false
}

func (c *BrowserClient) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// Touch records inbound activity from this client, resetting its
// stale-sweep clock. Exported so the WebSocket read pump can report
// liveness on every inbound frame.
func (c *BrowserClient) Touch() {
	c.touch()
}

func (c *BrowserClient) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen)
}

// WriteConnected sends the initial "connected" acknowledgement carrying
// the client's assigned id, so the UI knows which id to echo back on
// subsequent subscribe/heartbeat-ack messages.
func (c *BrowserClient) WriteConnected(clientID, projectID, sessionID string) error {
	return c.writeJSON(struct {
		Type      string `json:"type"`
		ClientID  string `json:"clientId"`
		ProjectID string `json:"projectId,omitempty"`
		SessionID string `json:"sessionId,omitempty"`
	}{Type: "connected", ClientID: clientID, ProjectID: projectID, SessionID: sessionID})
}

// WriteHeartbeat sends the hub's periodic application-level heartbeat.
func (c *BrowserClient) WriteHeartbeat() error {
	return c.writeJSON(struct {
		Type string `json:"type"`
	}{Type: "heartbeat"})
}

// WriteHeartbeatAck replies to a client-initiated heartbeat message.
func (c *BrowserClient) WriteHeartbeatAck() error {
	return c.writeJSON(struct {
		Type string `json:"type"`
	}{Type: "heartbeat-ack"})
}

// WriteStateResponse acknowledges a "get-state" request. State recovery
// itself is the app's responsibility via HTTP; this is only the
// sentinel acknowledging receipt.
func (c *BrowserClient) WriteStateResponse() error {
	return c.writeJSON(struct {
		Type string `json:"type"`
	}{Type: "state-response"})
}

func (c *BrowserClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errNotConnected
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.ws.SetWriteDeadline(time.Now().Add(browserWriteDeadline))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *BrowserClient) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ws.SetWriteDeadline(time.Now().Add(browserWriteDeadline))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = c.ws.Close()
}

// batchEntry is one `{type, data, timestamp}` record; every
// broadcast, immediate or batched, is represented as one before delivery.
type batchEntry struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// sessionBatch accumulates entries for one (projectId, sessionId) pair
// until the batch delay elapses or, for state-update entries, the batch
// grows past stateUpdateFlushLength. Immediate broadcasts are delivered on
// their own and leave a pending batch as it is.
type sessionBatch struct {
	mu      sync.Mutex
	entries []batchEntry
	timer   *time.Timer
}

// Hub is the Subscriber Hub: it fans batched `batch-update` envelopes out
// to every browser client whose subscription matches a (projectId,
// sessionId) pair, batching high-frequency broadcasts (state-update) on a
// short delay and flushing state-transition broadcasts (build-started,
// todos-update, todo-completed, tool-call, build-complete) immediately,
// and forwards raw runner events the same way.
type Hub struct {
	logger  *slog.Logger
	metrics *Metrics

	batchDelayMu sync.Mutex
	batchDelay   time.Duration

	staleMu      sync.Mutex
	staleTimeout time.Duration

	mu      sync.RWMutex
	clients map[string]*BrowserClient

	batchMu sync.Mutex
	batches map[string]*sessionBatch

	stopHeartbeat chan struct{}
}

func NewHub(logger *slog.Logger, metrics *Metrics, batchDelay time.Duration) *Hub {
	if batchDelay <= 0 {
		batchDelay = defaultBatchDelay
	}
	h := &Hub{
		logger:        logger,
		metrics:       metrics,
		batchDelay:    batchDelay,
		staleTimeout:  browserStaleTimeout,
		clients:       make(map[string]*BrowserClient),
		batches:       make(map[string]*sessionBatch),
		stopHeartbeat: make(chan struct{}),
	}
	go h.heartbeatLoop()
	return h
}

// UpdateBatchDelay applies a new batch delay for subsequently scheduled
// flushes (Broker Tunables admin resource).
func (h *Hub) UpdateBatchDelay(d time.Duration) {
	h.batchDelayMu.Lock()
	defer h.batchDelayMu.Unlock()
	if d > 0 {
		h.batchDelay = d
	}
}

func (h *Hub) currentBatchDelay() time.Duration {
	h.batchDelayMu.Lock()
	defer h.batchDelayMu.Unlock()
	return h.batchDelay
}

// SetStaleTimeout overrides the inactivity deadline applied by the next
// client sweep (Broker Tunables). Non-positive values are ignored.
func (h *Hub) SetStaleTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	h.staleMu.Lock()
	h.staleTimeout = d
	h.staleMu.Unlock()
}

func (h *Hub) currentStaleTimeout() time.Duration {
	h.staleMu.Lock()
	defer h.staleMu.Unlock()
	return h.staleTimeout
}

// Connect registers a new browser client and returns it.
func (h *Hub) Connect(id, ownerID, remoteAddr string, ws *websocket.Conn) *BrowserClient {
	c := &BrowserClient{ID: id, OwnerID: ownerID, RemoteAddr: remoteAddr, ws: ws, lastSeen: time.Now()}
	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()
	h.metrics.BrowserClientConnected()
	return c
}

// Disconnect removes a browser client from the hub.
func (h *Hub) Disconnect(c *BrowserClient) {
	h.mu.Lock()
	_, existed := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()
	if existed {
		h.metrics.BrowserClientDisconnected()
	}
}

func (h *Hub) snapshotClients() []*BrowserClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*BrowserClient, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// heartbeatLoop emits an application-level heartbeat to every client every
// 30s and closes any client that has been silent for over 60s.
func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(browserHeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopHeartbeat:
			return
		case <-ticker.C:
			h.sweepAndPing()
		}
	}
}

func (h *Hub) sweepAndPing() {
	deadline := h.currentStaleTimeout()
	for _, c := range h.snapshotClients() {
		if c.idleFor() > deadline {
			h.logger.Info("closing stale browser client", slog.String("client_id", c.ID))
			c.close(websocket.CloseNormalClosure, "client timeout")
			h.Disconnect(c)
			continue
		}
		if err := c.WriteHeartbeat(); err != nil {
			h.logger.Debug("heartbeat write failed", slog.String("client_id", c.ID), slog.String("error", err.Error()))
		}
	}
}

// Shutdown stops the heartbeat loop.
func (h *Hub) Shutdown() {
	close(h.stopHeartbeat)
}

// immediateEventTypes is the set of runner event types forwarded to
// subscribers synchronously rather than batched, because they represent a
// state transition the UI must reflect without delay.
var immediateEventTypes = map[protocol.EventType]bool{
	protocol.EvtBuildCompleted: true,
	protocol.EvtBuildFailed:    true,
	protocol.EvtPortDetected:   true,
	protocol.EvtPortConflict:   true,
	protocol.EvtRunnerStatus:   true,
	protocol.EvtError:          true,
	protocol.EvtProcessExited:  true,
	protocol.EvtDevServerError: true,
}

// Broadcast fans a raw runner-originated evt out to every browser client
// subscribed to (projectID, sessionID), batching or flushing immediately
// per event type. This is the "Runner socket -> Subscriber Hub" half of
// the event data flow; the named broadcast{...} methods below are the
// application-level half the app's HTTP handlers call directly.
func (h *Hub) Broadcast(projectID, sessionID string, evt *protocol.Event) {
	entry := batchEntry{Type: string(evt.Type), Data: evt, Timestamp: evt.Timestamp}
	if immediateEventTypes[evt.Type] {
		h.deliver(projectID, sessionID, []batchEntry{entry})
		return
	}
	h.enqueueBatch(projectID, sessionID, entry, false)
}

// BroadcastBuildStarted announces a new build has begun. Immediate flush.
func (h *Hub) BroadcastBuildStarted(projectID, sessionID, buildID string) {
	h.immediate(projectID, sessionID, "build-started", map[string]string{"buildId": buildID})
}

// BroadcastTodosUpdate sends the full todo-list snapshot. Immediate flush.
func (h *Hub) BroadcastTodosUpdate(projectID, sessionID string, todos []string, activeIndex int, phase string) {
	h.immediate(projectID, sessionID, "todos-update", map[string]any{
		"todos": todos, "activeIndex": activeIndex, "phase": phase,
	})
}

// BroadcastTodoCompleted marks a single todo as persisted. Immediate flush.
func (h *Hub) BroadcastTodoCompleted(projectID, sessionID string, todoIndex int) {
	h.immediate(projectID, sessionID, "todo-completed", map[string]int{"todoIndex": todoIndex})
}

// ToolCall is the tool-lifecycle payload carried by broadcastToolCall.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TodoIndex int    `json:"todoIndex"`
	Input     any    `json:"input,omitempty"`
	Output    any    `json:"output,omitempty"`
	State     string `json:"state"`
}

// BroadcastToolCall reports a tool's lifecycle transition. Immediate flush.
func (h *Hub) BroadcastToolCall(projectID, sessionID string, tc ToolCall) {
	h.immediate(projectID, sessionID, "tool-call", tc)
}

// BroadcastBuildComplete reports the terminal state of a build. Immediate flush.
func (h *Hub) BroadcastBuildComplete(projectID, sessionID, status, summary string) {
	h.immediate(projectID, sessionID, "build-complete", map[string]string{"status": status, "summary": summary})
}

// BroadcastStateUpdate sends a coarse, legacy partial-state snapshot.
// Batched on the 200ms window, or flushed immediately once this entry takes
// the batch past stateUpdateFlushLength entries.
func (h *Hub) BroadcastStateUpdate(projectID, sessionID string, partialState any) {
	entry := batchEntry{Type: "state-update", Data: partialState, Timestamp: nowRFC3339()}
	h.enqueueBatch(projectID, sessionID, entry, true)
}

func (h *Hub) immediate(projectID, sessionID, kind string, data any) {
	h.deliver(projectID, sessionID, []batchEntry{{Type: kind, Data: data, Timestamp: nowRFC3339()}})
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (h *Hub) batchKey(projectID, sessionID string) string {
	return projectID + "/" + sessionID
}

func (h *Hub) enqueueBatch(projectID, sessionID string, entry batchEntry, overflowFlush bool) {
	key := h.batchKey(projectID, sessionID)

	h.batchMu.Lock()
	b, ok := h.batches[key]
	if !ok {
		b = &sessionBatch{}
		h.batches[key] = b
	}
	delay := h.currentBatchDelay()
	h.batchMu.Unlock()

	b.mu.Lock()
	b.entries = append(b.entries, entry)
	overflowed := overflowFlush && len(b.entries) > stateUpdateFlushLength
	if b.timer == nil && !overflowed {
		b.timer = time.AfterFunc(delay, func() {
			h.flushBatch(projectID, sessionID, key)
		})
	}
	b.mu.Unlock()

	if overflowed {
		h.flushBatch(projectID, sessionID, key)
	}
}

func (h *Hub) flushBatch(projectID, sessionID, key string) {
	h.batchMu.Lock()
	b, ok := h.batches[key]
	h.batchMu.Unlock()
	if !ok {
		return
	}

	b.mu.Lock()
	entries := b.entries
	b.entries = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	h.deliver(projectID, sessionID, entries)
}

// batchUpdateEnvelope is the single outbound frame a flush produces,
// carrying every entry accumulated since the last flush in broadcast
// order.
type batchUpdateEnvelope struct {
	Type      string       `json:"type"`
	ProjectID string       `json:"projectId"`
	SessionID string       `json:"sessionId,omitempty"`
	Entries   []batchEntry `json:"entries"`
}

// deliver sends one batch-update envelope to every client whose
// subscription matches (projectID, sessionID). A write error marks that
// client closed but never aborts delivery to the rest of the snapshot.
// If no subscriber matches, the batch is silently discarded.
func (h *Hub) deliver(projectID, sessionID string, entries []batchEntry) {
	envelope := batchUpdateEnvelope{
		Type:      "batch-update",
		ProjectID: projectID,
		SessionID: sessionID,
		Entries:   entries,
	}
	for _, c := range h.snapshotClients() {
		if !c.interestedIn(projectID, sessionID) {
			continue
		}
		if err := c.writeJSON(envelope); err != nil {
			h.logger.Debug("dropping browser client after write error",
				slog.String("client_id", c.ID), slog.String("error", err.Error()))
			c.close(websocket.CloseInternalServerErr, "write failed")
			h.Disconnect(c)
		}
	}
}

// ClientCount reports the number of currently connected browser clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
