// api/internal/broker/httpproxy.go
package broker

import (
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgebridge/runner-broker/api/internal/protocol"
)

const defaultProxyTimeout = 30 * time.Second

// HTTPProxyResult is what Forward returns once the runner's response (or
// final chunk) arrives.
type HTTPProxyResult struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

type pendingProxyRequest struct {
	future   *future[*HTTPProxyResult]
	runnerID string

	mu      sync.Mutex
	chunks  [][]byte
	chunked bool
	header  *HTTPProxyResult // set once the first response/chunk-start arrives
}

// HTTPProxyManager implements the request/response half of the HTTP reverse
// proxy: it turns an inbound HTTP request destined for a runner's dev
// server into an http-proxy-request command, then waits for the matching
// http-proxy-response/-chunk/-error events, reassembling chunked bodies
// transparently.
type HTTPProxyManager struct {
	logger  *slog.Logger
	router  *Router
	metrics *Metrics
	audit   AuditSink
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingProxyRequest // requestId -> pending
}

func NewHTTPProxyManager(logger *slog.Logger, router *Router, metrics *Metrics, timeout time.Duration) *HTTPProxyManager {
	if timeout <= 0 {
		timeout = defaultProxyTimeout
	}
	return &HTTPProxyManager{
		logger:  logger,
		router:  router,
		metrics: metrics,
		audit:   noopAuditSink{},
		timeout: timeout,
		pending: make(map[string]*pendingProxyRequest),
	}
}

// SetAuditSink wires the audit trail recorder for proxy timeouts.
func (m *HTTPProxyManager) SetAuditSink(sink AuditSink) {
	if sink == nil {
		sink = noopAuditSink{}
	}
	m.audit = sink
}

// Forward sends req to runnerID and blocks until a complete response
// arrives, the timeout elapses, or the runner reports an error.
func (m *HTTPProxyManager) Forward(runnerID, method, path string, headers map[string]string, body []byte, port int) (*HTTPProxyResult, error) {
	requestID := uuid.NewString()

	payload := protocol.HTTPProxyRequestPayload{
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Headers:   headers,
		Port:      port,
	}
	if len(body) > 0 {
		payload.Body = base64.StdEncoding.EncodeToString(body)
	}

	cmd, err := protocol.NewCommand(uuid.NewString(), protocol.CmdHTTPProxyRequest, "", payload)
	if err != nil {
		return nil, err
	}

	pending := &pendingProxyRequest{future: newFuture[*HTTPProxyResult](), runnerID: runnerID}
	m.mu.Lock()
	m.pending[requestID] = pending
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, requestID)
		m.mu.Unlock()
	}()

	m.metrics.ProxyRequestStarted()
	if err := m.router.SendCommandToRunner(runnerID, cmd); err != nil {
		return nil, err
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	result, err := pending.future.wait(timer.C)
	if err == errTimeout {
		m.metrics.ProxyTimeout()
		m.audit.Record("proxy_timeout", runnerID, "http proxy request "+requestID+" timed out")
	}
	return result, err
}

// HandleEvent routes a runner-originated proxy event to its pending
// request. It is wired into the broker's event dispatch for
// http-proxy-response/-chunk/-error.
func (m *HTTPProxyManager) HandleEvent(evt *protocol.Event) {
	decoded, err := protocol.DecodeEventPayload(evt)
	if err != nil {
		m.logger.Warn("malformed http proxy event", slog.String("error", err.Error()))
		return
	}

	switch v := decoded.(type) {
	case *protocol.HTTPProxyResponsePayload:
		m.handleResponse(v)
	case *protocol.HTTPProxyChunkPayload:
		m.handleChunk(v)
	case *protocol.HTTPProxyErrorPayload:
		m.handleError(v)
	}
}

func (m *HTTPProxyManager) get(requestID string) *pendingProxyRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[requestID]
}

func (m *HTTPProxyManager) handleResponse(p *protocol.HTTPProxyResponsePayload) {
	pending := m.get(p.RequestID)
	if pending == nil {
		return
	}

	body, err := base64.StdEncoding.DecodeString(p.Body)
	if err != nil {
		pending.future.reject(err)
		return
	}

	if !p.IsChunked {
		pending.future.resolve(&HTTPProxyResult{StatusCode: p.StatusCode, Headers: p.Headers, Body: body})
		return
	}

	pending.mu.Lock()
	pending.chunked = true
	pending.header = &HTTPProxyResult{StatusCode: p.StatusCode, Headers: p.Headers}
	if len(body) > 0 {
		pending.chunks = append(pending.chunks, body)
	}
	pending.mu.Unlock()
}

func (m *HTTPProxyManager) handleChunk(p *protocol.HTTPProxyChunkPayload) {
	pending := m.get(p.RequestID)
	if pending == nil {
		return
	}

	chunk, err := base64.StdEncoding.DecodeString(p.Chunk)
	if err != nil {
		pending.future.reject(err)
		return
	}

	pending.mu.Lock()
	if len(chunk) > 0 {
		pending.chunks = append(pending.chunks, chunk)
	}
	final := p.IsFinal
	var result *HTTPProxyResult
	if final {
		total := 0
		for _, c := range pending.chunks {
			total += len(c)
		}
		buf := make([]byte, 0, total)
		for _, c := range pending.chunks {
			buf = append(buf, c...)
		}
		result = &HTTPProxyResult{Body: buf}
		if pending.header != nil {
			result.StatusCode = pending.header.StatusCode
			result.Headers = pending.header.Headers
		}
	}
	pending.mu.Unlock()

	if final {
		pending.future.resolve(result)
	}
}

func (m *HTTPProxyManager) handleError(p *protocol.HTTPProxyErrorPayload) {
	pending := m.get(p.RequestID)
	if pending == nil {
		return
	}
	pending.future.reject(&ProxyError{StatusCode: p.StatusCode, Message: p.Error})
}

// CancelForRunner rejects every pending request addressed to runnerID with
// "Runner disconnected", called when that runner's socket drops.
func (m *HTTPProxyManager) CancelForRunner(runnerID string) {
	m.mu.Lock()
	var affected []*pendingProxyRequest
	for _, p := range m.pending {
		if p.runnerID == runnerID {
			affected = append(affected, p)
		}
	}
	m.mu.Unlock()

	for _, p := range affected {
		p.future.reject(&ProxyError{Message: "Runner disconnected"})
	}
}

// Shutdown rejects every still-pending request with "Broker shutting down",
// exactly once per request.
func (m *HTTPProxyManager) Shutdown() {
	m.mu.Lock()
	pending := make([]*pendingProxyRequest, 0, len(m.pending))
	for _, p := range m.pending {
		pending = append(pending, p)
	}
	m.mu.Unlock()

	for _, p := range pending {
		p.future.reject(&ProxyError{Message: "Broker shutting down"})
	}
}

// ProxyError carries the runner's reported failure reason for an HTTP
// proxy request, including a status code when the runner has one to
// report (e.g. its dev server refused the connection).
type ProxyError struct {
	StatusCode int
	Message    string
}

func (e *ProxyError) Error() string { return e.Message }
