// api/internal/broker/queue.go
package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/forgebridge/runner-broker/api/internal/protocol"
)

// queuedCommand wraps a command with delivery bookkeeping and the
// success/failure callbacks the original caller supplied to Enqueue.
// Exactly one of onSuccess/onFailure fires, exactly once, across the
// entry's lifetime.
type queuedCommand struct {
	cmd         *protocol.Command
	queuedAt    time.Time
	expiresAt   time.Time
	attempts    int
	maxAttempts int

	onSuccess func()
	onFailure func(reason string)
}

func (q *queuedCommand) expired(now time.Time) bool {
	return now.After(q.expiresAt)
}

// runnerQueue is the FIFO for a single runner id.
type runnerQueue struct {
	mu    sync.Mutex
	items []*queuedCommand
}

// QueueConfig carries the queue's tunable parameters (TTL / max attempts /
// queue size), so they can be swapped at runtime without a restart.
type QueueConfig struct {
	TTL         time.Duration
	MaxAttempts int
	MaxSize     int
}

// EnqueueOptions lets a caller override the queue-wide defaults for a
// single command and register completion callbacks.
type EnqueueOptions struct {
	TTL         time.Duration
	MaxAttempts int
	OnSuccess   func()
	OnFailure   func(reason string)
}

// EnqueueResult reports whether the command was sent immediately or queued.
type EnqueueResult struct {
	Sent   bool
	Queued bool
}

// CommandQueue holds one FIFO per runner id for commands addressed to a
// runner that is currently disconnected. Enqueue first attempts an
// immediate send through the Router; only a send failure appends to the
// per-runner queue. Commands are delivered in order once the runner
// reconnects, dropped after TTL or max-attempts, and the oldest entry is
// dropped first when a queue hits its size cap.
type CommandQueue struct {
	logger  *slog.Logger
	router  *Router
	metrics *Metrics
	audit   AuditSink

	mu          sync.Mutex
	ttl         time.Duration
	maxAttempts int
	maxSize     int

	queuesMu sync.Mutex
	queues   map[string]*runnerQueue

	stopSweep chan struct{}
}

func NewCommandQueue(logger *slog.Logger, metrics *Metrics, router *Router, cfg QueueConfig) *CommandQueue {
	q := &CommandQueue{
		logger:      logger,
		router:      router,
		metrics:     metrics,
		audit:       noopAuditSink{},
		ttl:         cfg.TTL,
		maxAttempts: cfg.MaxAttempts,
		maxSize:     cfg.MaxSize,
		queues:      make(map[string]*runnerQueue),
		stopSweep:   make(chan struct{}),
	}
	go q.expirySweepLoop()
	return q
}

// SetAuditSink wires the audit trail recorder for queue-overflow drops.
func (q *CommandQueue) SetAuditSink(sink AuditSink) {
	if sink == nil {
		sink = noopAuditSink{}
	}
	q.audit = sink
}

// UpdateConfig applies new tunables, taking effect for commands enqueued
// afterward (existing queued entries keep their original expiresAt).
func (q *CommandQueue) UpdateConfig(cfg QueueConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ttl = cfg.TTL
	q.maxAttempts = cfg.MaxAttempts
	q.maxSize = cfg.MaxSize
}

func (q *CommandQueue) defaults() (ttl time.Duration, maxAttempts, maxSize int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ttl, q.maxAttempts, q.maxSize
}

func (q *CommandQueue) queueFor(runnerID string) *runnerQueue {
	q.queuesMu.Lock()
	defer q.queuesMu.Unlock()
	rq, ok := q.queues[runnerID]
	if !ok {
		rq = &runnerQueue{}
		q.queues[runnerID] = rq
	}
	return rq
}

// Enqueue attempts an immediate send via the Router; on success it invokes
// onSuccess and returns {Sent:true}. On failure it appends cmd to
// runnerID's FIFO (dropping the oldest entry first if the queue is already
// at capacity, invoking that entry's onFailure("Queue full")) and returns
// {Queued:true}.
func (q *CommandQueue) Enqueue(runnerID string, cmd *protocol.Command, opts EnqueueOptions) EnqueueResult {
	if err := q.router.SendCommandToRunner(runnerID, cmd); err == nil {
		if opts.OnSuccess != nil {
			opts.OnSuccess()
		}
		return EnqueueResult{Sent: true}
	}

	defaultTTL, defaultMaxAttempts, maxSize := q.defaults()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	now := time.Now()
	entry := &queuedCommand{
		cmd:         cmd,
		queuedAt:    now,
		expiresAt:   now.Add(ttl),
		maxAttempts: maxAttempts,
		onSuccess:   opts.OnSuccess,
		onFailure:   opts.OnFailure,
	}

	rq := q.queueFor(runnerID)
	rq.mu.Lock()
	if maxSize > 0 && len(rq.items) >= maxSize {
		dropped := rq.items[0]
		rq.items = rq.items[1:]
		q.logger.Warn("command queue overflow, dropping oldest",
			slog.String("runner_id", runnerID), slog.String("command_id", dropped.cmd.ID))
		q.metrics.CommandDropped()
		q.audit.Record("queue_overflow", runnerID, "dropped oldest queued command "+dropped.cmd.ID)
		if dropped.onFailure != nil {
			dropped.onFailure("Queue full")
		}
	}
	rq.items = append(rq.items, entry)
	rq.mu.Unlock()

	q.logger.Info("runner offline, queuing command",
		slog.String("runner_id", runnerID), slog.String("command_id", cmd.ID), slog.String("type", string(cmd.Type)))
	q.metrics.CommandQueued()
	return EnqueueResult{Queued: true}
}

// ProcessResult summarizes one ProcessQueue pass.
type ProcessResult struct {
	Sent      int
	Failed    int
	Remaining int
}

// ProcessQueue drains runnerID's FIFO to the now-connected runner, in
// order. Expired entries and entries whose attempts are used up are dropped
// (with onFailure) and draining continues; it stops at the first failed
// send of an entry that still has attempts left. The Registry's connect
// observer invokes this once per new connection.
func (q *CommandQueue) ProcessQueue(runnerID string) ProcessResult {
	var res ProcessResult
	rq := q.queueFor(runnerID)
	for {
		rq.mu.Lock()
		res.Remaining = len(rq.items)
		if len(rq.items) == 0 {
			rq.mu.Unlock()
			return res
		}
		entry := rq.items[0]
		rq.mu.Unlock()

		now := time.Now()
		if entry.expired(now) {
			q.popFront(rq)
			q.logger.Info("dropping expired queued command",
				slog.String("runner_id", runnerID), slog.String("command_id", entry.cmd.ID))
			q.metrics.CommandExpired()
			res.Failed++
			if entry.onFailure != nil {
				entry.onFailure("Command expired")
			}
			continue
		}

		entry.attempts++
		if err := q.router.SendCommandToRunner(runnerID, entry.cmd); err != nil {
			if entry.attempts >= entry.maxAttempts {
				q.popFront(rq)
				q.logger.Warn("dropping command after max delivery attempts",
					slog.String("runner_id", runnerID), slog.String("command_id", entry.cmd.ID))
				q.metrics.CommandDropped()
				res.Failed++
				if entry.onFailure != nil {
					entry.onFailure("Max retry attempts reached")
				}
				continue
			}
			// Leave it at the head; the next ProcessQueue call (the runner's
			// next reconnect) retries it.
			return res
		}

		q.popFront(rq)
		q.metrics.CommandDelivered()
		res.Sent++
		if entry.onSuccess != nil {
			entry.onSuccess()
		}
	}
}

func (q *CommandQueue) popFront(rq *runnerQueue) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if len(rq.items) > 0 {
		rq.items = rq.items[1:]
	}
}

// Depth reports how many commands are currently queued for runnerID.
func (q *CommandQueue) Depth(runnerID string) int {
	rq := q.queueFor(runnerID)
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return len(rq.items)
}

func (q *CommandQueue) expirySweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopSweep:
			return
		case <-ticker.C:
			q.sweepExpired()
		}
	}
}

func (q *CommandQueue) sweepExpired() {
	now := time.Now()
	q.queuesMu.Lock()
	queues := make(map[string]*runnerQueue, len(q.queues))
	for k, v := range q.queues {
		queues[k] = v
	}
	q.queuesMu.Unlock()

	for runnerID, rq := range queues {
		rq.mu.Lock()
		kept := rq.items[:0]
		var expired []*queuedCommand
		for _, entry := range rq.items {
			if entry.expired(now) {
				expired = append(expired, entry)
				continue
			}
			kept = append(kept, entry)
		}
		rq.items = kept
		rq.mu.Unlock()

		for _, entry := range expired {
			q.logger.Info("sweeping expired queued command",
				slog.String("runner_id", runnerID), slog.String("command_id", entry.cmd.ID))
			q.metrics.CommandExpired()
			if entry.onFailure != nil {
				entry.onFailure("Command expired")
			}
		}
	}
}

// Shutdown stops the sweep and invokes onFailure("Broker shutting down")
// for every still-queued command exactly once.
func (q *CommandQueue) Shutdown() {
	close(q.stopSweep)

	q.queuesMu.Lock()
	queues := q.queues
	q.queues = make(map[string]*runnerQueue)
	q.queuesMu.Unlock()

	for _, rq := range queues {
		rq.mu.Lock()
		items := rq.items
		rq.items = nil
		rq.mu.Unlock()
		for _, entry := range items {
			if entry.onFailure != nil {
				entry.onFailure("Broker shutting down")
			}
		}
	}
}
