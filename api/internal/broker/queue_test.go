package broker_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebridge/runner-broker/api/internal/broker"
	"github.com/forgebridge/runner-broker/api/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCommand(t *testing.T, id string) *protocol.Command {
	t.Helper()
	cmd, err := protocol.NewCommand(id, protocol.CmdStartDevServer, "proj-1", protocol.StartDevServerPayload{
		RunCommand: "npm run dev",
	})
	require.NoError(t, err)
	return cmd
}

func newDisconnectedQueue(cfg broker.QueueConfig) *broker.CommandQueue {
	logger := discardLogger()
	registry := broker.NewRegistry(logger, broker.NewMetrics())
	router := broker.NewRouter(logger, registry, broker.NewMetrics())
	return broker.NewCommandQueue(logger, broker.NewMetrics(), router, cfg)
}

func TestCommandQueue_EnqueueWhenDisconnectedQueues(t *testing.T) {
	q := newDisconnectedQueue(broker.QueueConfig{TTL: time.Minute, MaxAttempts: 3, MaxSize: 10})
	defer q.Shutdown()

	cmd := newTestCommand(t, "cmd-1")
	result := q.Enqueue("runner-1", cmd, broker.EnqueueOptions{})

	assert.False(t, result.Sent)
	assert.True(t, result.Queued)
	assert.Equal(t, 1, q.Depth("runner-1"))
}

func TestCommandQueue_OverflowDropsOldest(t *testing.T) {
	q := newDisconnectedQueue(broker.QueueConfig{TTL: time.Minute, MaxAttempts: 3, MaxSize: 2})
	defer q.Shutdown()

	var droppedReason string
	var mu sync.Mutex

	q.Enqueue("runner-1", newTestCommand(t, "cmd-1"), broker.EnqueueOptions{
		OnFailure: func(reason string) {
			mu.Lock()
			droppedReason = reason
			mu.Unlock()
		},
	})
	q.Enqueue("runner-1", newTestCommand(t, "cmd-2"), broker.EnqueueOptions{})
	q.Enqueue("runner-1", newTestCommand(t, "cmd-3"), broker.EnqueueOptions{})

	assert.Equal(t, 2, q.Depth("runner-1"))
	mu.Lock()
	assert.Equal(t, "Queue full", droppedReason)
	mu.Unlock()
}

func TestCommandQueue_ExpiredCommandDroppedOnProcess(t *testing.T) {
	q := newDisconnectedQueue(broker.QueueConfig{TTL: time.Millisecond, MaxAttempts: 3, MaxSize: 10})
	defer q.Shutdown()

	var failureReason string
	var wg sync.WaitGroup
	wg.Add(1)

	q.Enqueue("runner-1", newTestCommand(t, "cmd-1"), broker.EnqueueOptions{
		OnFailure: func(reason string) {
			failureReason = reason
			wg.Done()
		},
	})

	time.Sleep(5 * time.Millisecond)
	res := q.ProcessQueue("runner-1")

	wg.Wait()
	assert.Equal(t, "Command expired", failureReason)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 0, q.Depth("runner-1"))
}

func TestCommandQueue_ShutdownFailsAllPending(t *testing.T) {
	q := newDisconnectedQueue(broker.QueueConfig{TTL: time.Minute, MaxAttempts: 3, MaxSize: 10})

	var reasons []string
	var mu sync.Mutex

	for i := 0; i < 3; i++ {
		q.Enqueue("runner-1", newTestCommand(t, "cmd"), broker.EnqueueOptions{
			OnFailure: func(reason string) {
				mu.Lock()
				reasons = append(reasons, reason)
				mu.Unlock()
			},
		})
	}

	q.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, reasons, 3)
	for _, r := range reasons {
		assert.Equal(t, "Broker shutting down", r)
	}
}

func TestCommandQueue_DefaultsApplyWhenOptionsOmitted(t *testing.T) {
	q := newDisconnectedQueue(broker.QueueConfig{TTL: time.Hour, MaxAttempts: 1, MaxSize: 10})
	defer q.Shutdown()

	result := q.Enqueue("runner-1", newTestCommand(t, "cmd-1"), broker.EnqueueOptions{})
	assert.True(t, result.Queued)

	// A single attempt at max-attempts 1 should drop the command rather
	// than leaving it queued, since the runner is still unreachable.
	var failed bool
	q2 := newDisconnectedQueue(broker.QueueConfig{TTL: time.Hour, MaxAttempts: 1, MaxSize: 10})
	defer q2.Shutdown()
	q2.Enqueue("runner-2", newTestCommand(t, "cmd-2"), broker.EnqueueOptions{
		OnFailure: func(string) { failed = true },
	})
	q2.ProcessQueue("runner-2")
	assert.True(t, failed)
	assert.Equal(t, 0, q2.Depth("runner-2"))
}
