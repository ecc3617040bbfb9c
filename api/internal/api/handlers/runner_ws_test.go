package handlers_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebridge/runner-broker/api/internal/api/handlers"
	"github.com/forgebridge/runner-broker/api/internal/broker"
	"github.com/forgebridge/runner-broker/api/internal/protocol"
)

const testRunnerSecret = "runner-secret-for-tests"

func newRunnerWSServer(t *testing.T) (*httptest.Server, *broker.Broker) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.New(logger, broker.Tunables{
		BatchDelay:          20 * time.Millisecond,
		HeartbeatInterval:   time.Minute,
		RunnerStaleTimeout:  time.Minute,
		BrowserStaleTimeout: time.Minute,
		QueueMaxSize:        10,
		CommandTTL:          time.Minute,
		CommandMaxAttempts:  3,
	})
	t.Cleanup(b.Shutdown)

	dispatcher := broker.NewUpgradeDispatcher(nil)
	runnerWS := handlers.NewRunnerWebSocketHandler(dispatcher, b, func() string { return testRunnerSecret }, logger)
	browserWS := handlers.NewBrowserWebSocketHandler(dispatcher, b, logger)
	hmrWS := handlers.NewHMRWebSocketHandler(dispatcher, b, logger)

	srv := httptest.NewServer(handlers.NewWSDispatcher(runnerWS, browserWS, hmrWS, logger))
	t.Cleanup(srv.Close)
	return srv, b
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestRunnerWS_BadSecretClosedWith1008(t *testing.T) {
	srv, b := newRunnerWSServer(t)

	header := http.Header{"Authorization": []string{"Bearer wrong-secret"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/runner?runnerId=r1"), header)
	require.NoError(t, err, "the upgrade itself succeeds; rejection arrives as a close frame")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)

	assert.False(t, b.Registry.IsConnected("r1"))
}

func TestRunnerWS_MissingAuthHeaderRejected(t *testing.T) {
	srv, b := newRunnerWSServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/runner?runnerId=r1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.False(t, b.Registry.IsConnected("r1"))
}

func TestRunnerWS_AuthenticatedRunnerRegistersAndDispatchesEvents(t *testing.T) {
	srv, b := newRunnerWSServer(t)

	header := http.Header{"Authorization": []string{"Bearer " + testRunnerSecret}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/runner?runnerId=r1"), header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return b.Registry.IsConnected("r1")
	}, 2*time.Second, 10*time.Millisecond)

	got := make(chan *protocol.Event, 1)
	unsubscribe := b.CommandStream.Subscribe("cmd-42", func(evt *protocol.Event) { got <- evt })
	defer unsubscribe()

	frame, err := json.Marshal(protocol.Event{
		Type:      protocol.EvtBuildCompleted,
		CommandID: "cmd-42",
		ProjectID: "proj-1",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	select {
	case evt := <-got:
		assert.Equal(t, protocol.EvtBuildCompleted, evt.Type)
		assert.Equal(t, "proj-1", evt.ProjectID)
	case <-time.After(2 * time.Second):
		t.Fatal("event from the runner socket never reached the per-command stream")
	}
}

func TestRunnerWS_DefaultRunnerIDWhenQueryOmitted(t *testing.T) {
	srv, b := newRunnerWSServer(t)

	header := http.Header{"Authorization": []string{"Bearer " + testRunnerSecret}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/runner"), header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return b.Registry.IsConnected("default")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSDispatcher_BrowserPathAcknowledgesConnect(t *testing.T) {
	srv, _ := newRunnerWSServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws?projectId=p1&sessionId=s1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var ack struct {
		Type      string `json:"type"`
		ClientID  string `json:"clientId"`
		ProjectID string `json:"projectId"`
	}
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.Equal(t, "connected", ack.Type)
	assert.NotEmpty(t, ack.ClientID)
	assert.Equal(t, "p1", ack.ProjectID)
}

func TestWSDispatcher_UnknownPathDestroysSocket(t *testing.T) {
	srv, _ := newRunnerWSServer(t)

	_, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/unknown"), nil)
	assert.Error(t, err, "an unknown upgrade path must never complete a handshake")
}
