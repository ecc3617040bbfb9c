package broker_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebridge/runner-broker/api/internal/broker"
	"github.com/forgebridge/runner-broker/api/internal/protocol"
)

func newTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New(discardLogger(), broker.Tunables{
		BatchDelay:          20 * time.Millisecond,
		HeartbeatInterval:   time.Minute,
		RunnerStaleTimeout:  time.Minute,
		BrowserStaleTimeout: time.Minute,
		QueueMaxSize:        10,
		CommandTTL:          time.Minute,
		CommandMaxAttempts:  3,
		HTTPProxyTimeout:    2 * time.Second,
		HMRConnectTimeout:   2 * time.Second,
	})
	t.Cleanup(b.Shutdown)
	return b
}

func TestBroker_QueueThenDeliverOnReconnect(t *testing.T) {
	b := newTestBroker(t)

	var delivered sync.WaitGroup
	delivered.Add(1)

	cmd, err := protocol.NewCommand("cmd-queued", protocol.CmdStartBuild, "proj-1", protocol.StartBuildPayload{
		Prompt: "build it", OperationType: "create", ProjectSlug: "proj-1", ProjectName: "Project One",
	})
	require.NoError(t, err)

	result := b.Queue.Enqueue("runner-1", cmd, broker.EnqueueOptions{
		OnSuccess: func() { delivered.Done() },
	})
	assert.False(t, result.Sent)
	assert.True(t, result.Queued)

	// The runner connecting must drain the FIFO without any further call
	// from the app side.
	runnerSide := dialRunnerConn(t, b.Registry, "runner-1")

	runnerSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := runnerSide.ReadMessage()
	require.NoError(t, err)

	var got protocol.Command
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "cmd-queued", got.ID)
	assert.Equal(t, protocol.CmdStartBuild, got.Type)

	delivered.Wait()
	assert.Equal(t, 0, b.Queue.Depth("runner-1"))
}

func TestBroker_SendCommandDispatchesWhenConnected(t *testing.T) {
	b := newTestBroker(t)
	runnerSide := dialRunnerConn(t, b.Registry, "runner-1")

	id, result, err := b.SendCommand("runner-1", "proj-1", protocol.CmdStopDevServer, protocol.StopDevServerPayload{})
	require.NoError(t, err)
	assert.True(t, result.Sent)
	assert.False(t, result.Queued)

	runnerSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := runnerSide.ReadMessage()
	require.NoError(t, err)

	var got protocol.Command
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, id, got.ID)
}

func TestBroker_EvictedRunnerRedeliversOnNewSocket(t *testing.T) {
	b := newTestBroker(t)

	first := dialRunnerConn(t, b.Registry, "runner-1")
	second := dialRunnerConn(t, b.Registry, "runner-1")

	// The first socket was closed by the eviction; only the second may
	// receive subsequent commands.
	first.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "evicted socket must be closed")

	id, result, err := b.SendCommand("runner-1", "proj-1", protocol.CmdRunnerHealthCheck, protocol.RunnerHealthCheckPayload{})
	require.NoError(t, err)
	assert.True(t, result.Sent)

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := second.ReadMessage()
	require.NoError(t, err)
	var got protocol.Command
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, id, got.ID)
}

func TestBroker_DispatchEventReachesCommandStream(t *testing.T) {
	b := newTestBroker(t)

	got := make(chan *protocol.Event, 1)
	unsubscribe := b.CommandStream.Subscribe("cmd-7", func(evt *protocol.Event) { got <- evt })
	defer unsubscribe()

	b.DispatchEvent("", &protocol.Event{Type: protocol.EvtBuildProgress, CommandID: "cmd-7", ProjectID: "proj-1"})

	select {
	case evt := <-got:
		assert.Equal(t, protocol.EvtBuildProgress, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("per-command subscriber never saw the event")
	}
}

func TestBroker_DispatchEventRoutesProxyFamilies(t *testing.T) {
	b := newTestBroker(t)
	runnerSide := dialRunnerConn(t, b.Registry, "runner-1")

	var wg sync.WaitGroup
	wg.Add(1)
	var result *broker.HTTPProxyResult
	var forwardErr error
	go func() {
		defer wg.Done()
		result, forwardErr = b.HTTPProxy.Forward("runner-1", "GET", "/", nil, nil, 5173)
	}()

	runnerSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := runnerSide.ReadMessage()
	require.NoError(t, err)
	var cmd protocol.Command
	require.NoError(t, json.Unmarshal(raw, &cmd))
	var payload protocol.HTTPProxyRequestPayload
	require.NoError(t, json.Unmarshal(cmd.Payload, &payload))

	// The event arrives through the broker's dispatch path, exactly as
	// the runner read pump would deliver it.
	b.DispatchEvent("", &protocol.Event{
		Type: protocol.EvtHTTPProxyResponse,
		Payload: mustMarshal(t, protocol.HTTPProxyResponsePayload{
			RequestID: payload.RequestID, StatusCode: 204, Headers: map[string]string{},
		}),
	})

	wg.Wait()
	require.NoError(t, forwardErr)
	assert.Equal(t, 204, result.StatusCode)
}

func TestBroker_ShutdownFailsQueuedCommandsOnce(t *testing.T) {
	b := broker.New(discardLogger(), broker.Tunables{
		BatchDelay:         20 * time.Millisecond,
		HeartbeatInterval:  time.Minute,
		QueueMaxSize:       10,
		CommandTTL:         time.Minute,
		CommandMaxAttempts: 3,
	})

	var mu sync.Mutex
	var reasons []string
	cmd := newTestCommand(t, "cmd-doomed")
	b.Queue.Enqueue("runner-offline", cmd, broker.EnqueueOptions{
		OnFailure: func(reason string) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	})

	b.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reasons, 1, "failure callback fires exactly once on shutdown")
	assert.Equal(t, "Broker shutting down", reasons[0])
}
