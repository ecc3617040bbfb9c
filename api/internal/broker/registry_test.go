package broker_test

import (
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

	"github.com/forgebridge/runner-broker/api/internal/broker"
)

// dialRunnerConn spins up a one-shot WS server that registers the
// accepted socket with registry under runnerID, returning the client-side
// connection.
func dialRunnerConn(t *testing.T, registry *broker.Registry, runnerID string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	registered := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		registry.Register(runnerID, "", r.RemoteAddr, conn)
		registered <- struct{}{}
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	<-registered
	return client
}

func discardRegistryLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	registry := broker.NewRegistry(discardRegistryLogger(), broker.NewMetrics())
	defer registry.Shutdown()

	dialRunnerConn(t, registry, "runner-1")

	assert.True(t, registry.IsConnected("runner-1"))
	assert.NotNil(t, registry.Get("runner-1"))
	assert.False(t, registry.IsConnected("runner-unknown"))
}

func TestRegistry_RegisterEvictsPriorConnection(t *testing.T) {
	registry := broker.NewRegistry(discardRegistryLogger(), broker.NewMetrics())
	defer registry.Shutdown()

	first := dialRunnerConn(t, registry, "runner-1")
	firstConn := registry.Get("runner-1")
	require.NotNil(t, firstConn)

	second := dialRunnerConn(t, registry, "runner-1")
	secondConn := registry.Get("runner-1")
	require.NotNil(t, secondConn)

	assert.NotSame(t, firstConn, secondConn, "a second Register call for the same runner id must replace the entry")

	first.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "the evicted connection should be closed")

	second.Close()
}

func TestRegistry_UnregisterOnlyRemovesCurrentConnection(t *testing.T) {
	registry := broker.NewRegistry(discardRegistryLogger(), broker.NewMetrics())
	defer registry.Shutdown()

	dialRunnerConn(t, registry, "runner-1")
	stale := registry.Get("runner-1")

	// Replace it, then attempt to unregister using the stale handle: this
	// must be a no-op since the current entry is a different connection.
	dialRunnerConn(t, registry, "runner-1")
	current := registry.Get("runner-1")

	registry.Unregister("runner-1", stale)
	assert.Same(t, current, registry.Get("runner-1"), "unregistering a stale handle must not remove the current connection")

	registry.Unregister("runner-1", current)
	assert.Nil(t, registry.Get("runner-1"))
}

func TestRegistry_StatusObserverFiresOnConnectAndDisconnect(t *testing.T) {
	registry := broker.NewRegistry(discardRegistryLogger(), broker.NewMetrics())
	defer registry.Shutdown()

	events := make(chan bool, 2)
	registry.AddStatusObserver(func(runnerID string, connected bool, _ []string) {
		if runnerID == "runner-1" {
			events <- connected
		}
	})

	dialRunnerConn(t, registry, "runner-1")
	select {
	case connected := <-events:
		assert.True(t, connected)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connect notification")
	}

	conn := registry.Get("runner-1")
	registry.Unregister("runner-1", conn)
	select {
	case connected := <-events:
		assert.False(t, connected)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect notification")
	}
}

func TestRegistry_ListWithoutOwnerReturnsAll(t *testing.T) {
	registry := broker.NewRegistry(discardRegistryLogger(), broker.NewMetrics())
	defer registry.Shutdown()

	dialRunnerConn(t, registry, "runner-1")
	dialRunnerConn(t, registry, "runner-2")

	all := registry.List("")
	assert.Len(t, all, 2)
}
