package broker_test

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebridge/runner-broker/api/internal/broker"
	"github.com/forgebridge/runner-broker/api/internal/protocol"
)

func TestHTTPProxyManager_ForwardResolvesOnResponse(t *testing.T) {
	logger := discardLogger()
	registry := broker.NewRegistry(logger, broker.NewMetrics())
	defer registry.Shutdown()
	router := broker.NewRouter(logger, registry, broker.NewMetrics())
	mgr := broker.NewHTTPProxyManager(logger, router, broker.NewMetrics(), 2*time.Second)

	runnerID := "runner-proxy"
	runnerSide := dialRunnerConn(t, registry, runnerID)

	var wg sync.WaitGroup
	wg.Add(1)
	var result *broker.HTTPProxyResult
	var forwardErr error
	go func() {
		defer wg.Done()
		result, forwardErr = mgr.Forward(runnerID, "GET", "/", map[string]string{}, nil, 3000)
	}()

	runnerSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := runnerSide.ReadMessage()
	require.NoError(t, err)

	var cmd protocol.Command
	require.NoError(t, json.Unmarshal(raw, &cmd))
	require.Equal(t, protocol.CmdHTTPProxyRequest, cmd.Type)

	var payload protocol.HTTPProxyRequestPayload
	require.NoError(t, json.Unmarshal(cmd.Payload, &payload))

	evt := &protocol.Event{
		Type: protocol.EvtHTTPProxyResponse,
		Payload: mustMarshal(t, protocol.HTTPProxyResponsePayload{
			RequestID:  payload.RequestID,
			StatusCode: 200,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       base64.StdEncoding.EncodeToString([]byte("hello")),
		}),
	}
	mgr.HandleEvent(evt)

	wg.Wait()
	require.NoError(t, forwardErr)
	require.NotNil(t, result)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, []byte("hello"), result.Body)
}

func TestHTTPProxyManager_ForwardReassemblesChunks(t *testing.T) {
	logger := discardLogger()
	registry := broker.NewRegistry(logger, broker.NewMetrics())
	defer registry.Shutdown()
	router := broker.NewRouter(logger, registry, broker.NewMetrics())
	mgr := broker.NewHTTPProxyManager(logger, router, broker.NewMetrics(), 2*time.Second)

	runnerID := "runner-proxy-chunked"
	runnerSide := dialRunnerConn(t, registry, runnerID)

	var wg sync.WaitGroup
	wg.Add(1)
	var result *broker.HTTPProxyResult
	var forwardErr error
	go func() {
		defer wg.Done()
		result, forwardErr = mgr.Forward(runnerID, "GET", "/stream", nil, nil, 3000)
	}()

	runnerSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := runnerSide.ReadMessage()
	require.NoError(t, err)

	var cmd protocol.Command
	require.NoError(t, json.Unmarshal(raw, &cmd))
	var payload protocol.HTTPProxyRequestPayload
	require.NoError(t, json.Unmarshal(cmd.Payload, &payload))

	mgr.HandleEvent(&protocol.Event{
		Type: protocol.EvtHTTPProxyResponse,
		Payload: mustMarshal(t, protocol.HTTPProxyResponsePayload{
			RequestID: payload.RequestID, StatusCode: 200, IsChunked: true,
			Body: base64.StdEncoding.EncodeToString([]byte("chunk-1-")),
		}),
	})
	mgr.HandleEvent(&protocol.Event{
		Type: protocol.EvtHTTPProxyChunk,
		Payload: mustMarshal(t, protocol.HTTPProxyChunkPayload{
			RequestID: payload.RequestID, Chunk: base64.StdEncoding.EncodeToString([]byte("chunk-2")), IsFinal: true,
		}),
	})

	wg.Wait()
	require.NoError(t, forwardErr)
	require.NotNil(t, result)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, []byte("chunk-1-chunk-2"), result.Body)
}

func TestHTTPProxyManager_ForwardRejectsOnRunnerError(t *testing.T) {
	logger := discardLogger()
	registry := broker.NewRegistry(logger, broker.NewMetrics())
	defer registry.Shutdown()
	router := broker.NewRouter(logger, registry, broker.NewMetrics())
	mgr := broker.NewHTTPProxyManager(logger, router, broker.NewMetrics(), 2*time.Second)

	runnerID := "runner-proxy-error"
	runnerSide := dialRunnerConn(t, registry, runnerID)

	var wg sync.WaitGroup
	wg.Add(1)
	var forwardErr error
	go func() {
		defer wg.Done()
		_, forwardErr = mgr.Forward(runnerID, "GET", "/", nil, nil, 3000)
	}()

	runnerSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := runnerSide.ReadMessage()
	require.NoError(t, err)
	var cmd protocol.Command
	require.NoError(t, json.Unmarshal(raw, &cmd))
	var payload protocol.HTTPProxyRequestPayload
	require.NoError(t, json.Unmarshal(cmd.Payload, &payload))

	mgr.HandleEvent(&protocol.Event{
		Type: protocol.EvtHTTPProxyError,
		Payload: mustMarshal(t, protocol.HTTPProxyErrorPayload{
			RequestID: payload.RequestID, StatusCode: 502, Error: "dev server refused connection",
		}),
	})

	wg.Wait()
	require.Error(t, forwardErr)
	var proxyErr *broker.ProxyError
	require.ErrorAs(t, forwardErr, &proxyErr)
	assert.Equal(t, 502, proxyErr.StatusCode)
}

func TestHTTPProxyManager_ForwardTimesOutWithoutResponse(t *testing.T) {
	logger := discardLogger()
	registry := broker.NewRegistry(logger, broker.NewMetrics())
	defer registry.Shutdown()
	router := broker.NewRouter(logger, registry, broker.NewMetrics())
	mgr := broker.NewHTTPProxyManager(logger, router, broker.NewMetrics(), 20*time.Millisecond)

	runnerID := "runner-proxy-timeout"
	dialRunnerConn(t, registry, runnerID)

	_, err := mgr.Forward(runnerID, "GET", "/", nil, nil, 3000)
	assert.Error(t, err)
}

func TestHTTPProxyManager_CancelForRunnerRejectsPending(t *testing.T) {
	logger := discardLogger()
	registry := broker.NewRegistry(logger, broker.NewMetrics())
	defer registry.Shutdown()
	router := broker.NewRouter(logger, registry, broker.NewMetrics())
	mgr := broker.NewHTTPProxyManager(logger, router, broker.NewMetrics(), 2*time.Second)

	runnerID := "runner-proxy-disconnect"
	dialRunnerConn(t, registry, runnerID)

	var wg sync.WaitGroup
	wg.Add(1)
	var forwardErr error
	go func() {
		defer wg.Done()
		_, forwardErr = mgr.Forward(runnerID, "GET", "/", nil, nil, 3000)
	}()

	// Give Forward a moment to register the pending request before the
	// runner "disconnects".
	time.Sleep(20 * time.Millisecond)
	mgr.CancelForRunner(runnerID)

	wg.Wait()
	require.Error(t, forwardErr)
	var proxyErr *broker.ProxyError
	require.ErrorAs(t, forwardErr, &proxyErr)
	assert.Equal(t, "Runner disconnected", proxyErr.Message)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
