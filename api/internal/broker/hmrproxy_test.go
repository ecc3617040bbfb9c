package broker_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebridge/runner-broker/api/internal/broker"
	"github.com/forgebridge/runner-broker/api/internal/protocol"
)

func newHMRManager(t *testing.T, timeout time.Duration) (*broker.HMRProxyManager, *broker.Registry) {
	t.Helper()
	logger := discardLogger()
	registry := broker.NewRegistry(logger, broker.NewMetrics())
	t.Cleanup(registry.Shutdown)
	router := broker.NewRouter(logger, registry, broker.NewMetrics())
	return broker.NewHMRProxyManager(logger, router, broker.NewMetrics(), timeout), registry
}

// confirmConnect reads the hmr-connect command off the runner-side socket
// and answers it with hmr-connected, unblocking the Connect call.
func confirmConnect(t *testing.T, mgr *broker.HMRProxyManager, runnerSide *websocket.Conn) string {
	t.Helper()
	runnerSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := runnerSide.ReadMessage()
	require.NoError(t, err)

	var cmd protocol.Command
	require.NoError(t, json.Unmarshal(raw, &cmd))
	require.Equal(t, protocol.CmdHMRConnect, cmd.Type)

	var payload protocol.HMRConnectPayload
	require.NoError(t, json.Unmarshal(cmd.Payload, &payload))

	mgr.HandleEvent(&protocol.Event{
		Type:    protocol.EvtHMRConnected,
		Payload: mustMarshal(t, protocol.HMRConnectedPayload{ConnectionID: payload.ConnectionID}),
	})
	return payload.ConnectionID
}

func TestHMRProxyManager_ConnectAndRelayBothDirections(t *testing.T) {
	mgr, registry := newHMRManager(t, 2*time.Second)
	runnerSide := dialRunnerConn(t, registry, "runner-hmr")

	received := make(chan string, 1)
	connected := make(chan struct{}, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	var connectErr error
	go func() {
		defer wg.Done()
		connectErr = mgr.Connect("conn-1", "runner-hmr", "proj-1", 5173, "vite-hmr", broker.HMRCallbacks{
			OnConnected: func() { connected <- struct{}{} },
			OnMessage:   func(message string) { received <- message },
		})
	}()

	id := confirmConnect(t, mgr, runnerSide)
	assert.Equal(t, "conn-1", id, "connectionId is caller-assigned and must survive the round trip")

	wg.Wait()
	require.NoError(t, connectErr)
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnected never fired")
	}

	// Browser -> runner: Send must emit an hmr-message command carrying
	// the same connectionId and payload.
	require.NoError(t, mgr.Send("conn-1", `{"type":"update"}`))
	runnerSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := runnerSide.ReadMessage()
	require.NoError(t, err)
	var cmd protocol.Command
	require.NoError(t, json.Unmarshal(raw, &cmd))
	require.Equal(t, protocol.CmdHMRMessage, cmd.Type)
	var msgPayload protocol.HMRMessagePayload
	require.NoError(t, json.Unmarshal(cmd.Payload, &msgPayload))
	assert.Equal(t, "conn-1", msgPayload.ConnectionID)
	assert.Equal(t, `{"type":"update"}`, msgPayload.Message)

	// Runner -> browser: an hmr-message event reaches the registered
	// OnMessage callback.
	mgr.HandleEvent(&protocol.Event{
		Type:    protocol.EvtHMRMessage,
		Payload: mustMarshal(t, protocol.HMRMessageEventPayload{ConnectionID: "conn-1", Message: `{"type":"full-reload"}`}),
	})
	select {
	case got := <-received:
		assert.Equal(t, `{"type":"full-reload"}`, got)
	case <-time.After(time.Second):
		t.Fatal("relayed message never reached OnMessage")
	}
}

func TestHMRProxyManager_ConnectTimesOutWithoutConfirmation(t *testing.T) {
	mgr, registry := newHMRManager(t, 30*time.Millisecond)
	dialRunnerConn(t, registry, "runner-hmr-timeout")

	var errMsg string
	err := mgr.Connect("conn-t", "runner-hmr-timeout", "proj-1", 5173, "", broker.HMRCallbacks{
		OnError: func(msg string) { errMsg = msg },
	})
	require.Error(t, err)
	assert.Equal(t, "Connection timeout", errMsg)
}

func TestHMRProxyManager_ConnectFailsForDisconnectedRunner(t *testing.T) {
	mgr, _ := newHMRManager(t, time.Second)

	err := mgr.Connect("conn-x", "no-such-runner", "proj-1", 5173, "", broker.HMRCallbacks{})
	assert.Error(t, err)
}

func TestHMRProxyManager_SendIsNoOpBeforeConnected(t *testing.T) {
	mgr, registry := newHMRManager(t, 2*time.Second)
	runnerSide := dialRunnerConn(t, registry, "runner-hmr-noop")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mgr.Connect("conn-n", "runner-hmr-noop", "proj-1", 5173, "", broker.HMRCallbacks{})
	}()

	// Reading the hmr-connect command guarantees the entry is registered
	// but not yet confirmed.
	runnerSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := runnerSide.ReadMessage()
	require.NoError(t, err)
	var cmd protocol.Command
	require.NoError(t, json.Unmarshal(raw, &cmd))
	require.Equal(t, protocol.CmdHMRConnect, cmd.Type)

	// Still connecting: Send must not emit anything.
	require.NoError(t, mgr.Send("conn-n", "early"))

	mgr.HandleEvent(&protocol.Event{
		Type:    protocol.EvtHMRConnected,
		Payload: mustMarshal(t, protocol.HMRConnectedPayload{ConnectionID: "conn-n"}),
	})
	wg.Wait()

	// The only frame the runner ever saw was the hmr-connect read above;
	// the next read times out rather than yielding a stray hmr-message.
	runnerSide.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = runnerSide.ReadMessage()
	assert.Error(t, err)
}

func TestHMRProxyManager_RunnerDisconnectTearsDownWith1001(t *testing.T) {
	mgr, registry := newHMRManager(t, 2*time.Second)
	runnerSide := dialRunnerConn(t, registry, "runner-hmr-down")

	closeCode := make(chan int, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mgr.Connect("conn-d", "runner-hmr-down", "proj-1", 5173, "", broker.HMRCallbacks{
			OnDisconnected: func(code int, reason string) { closeCode <- code },
		})
	}()
	confirmConnect(t, mgr, runnerSide)
	wg.Wait()

	mgr.DisconnectAllForRunner("runner-hmr-down")

	select {
	case code := <-closeCode:
		assert.Equal(t, 1001, code)
	case <-time.After(time.Second):
		t.Fatal("OnDisconnected never fired after runner disconnect")
	}

	// The entry is gone: sending now reports an unknown connection.
	assert.Error(t, mgr.Send("conn-d", "late"))
}

func TestHMRProxyManager_DisconnectedEventRemovesEntry(t *testing.T) {
	mgr, registry := newHMRManager(t, 2*time.Second)
	runnerSide := dialRunnerConn(t, registry, "runner-hmr-evt")

	done := make(chan struct{}, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mgr.Connect("conn-e", "runner-hmr-evt", "proj-1", 5173, "", broker.HMRCallbacks{
			OnDisconnected: func(code int, reason string) {
				assert.Equal(t, 1000, code)
				assert.Equal(t, "dev server closed", reason)
				done <- struct{}{}
			},
		})
	}()
	confirmConnect(t, mgr, runnerSide)
	wg.Wait()

	mgr.HandleEvent(&protocol.Event{
		Type:    protocol.EvtHMRDisconnected,
		Payload: mustMarshal(t, protocol.HMRDisconnectedPayload{ConnectionID: "conn-e", Code: 1000, Reason: "dev server closed"}),
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnected never fired")
	}
	assert.Error(t, mgr.Send("conn-e", "late"))
}
