// Package pool provides the message processing pool implementation: one
// dedicated worker goroutine per active message group, bounded by a
// pool-wide concurrency semaphore and an optional rate limiter.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowforge/router/internal/common/metrics"
	routermetrics "github.com/flowforge/router/internal/router/metrics"
	"github.com/flowforge/router/internal/router/model"
	"github.com/flowforge/router/internal/router/outcome"
	"github.com/flowforge/router/internal/router/ratelimiter"
	"github.com/flowforge/router/internal/router/warning"
)

// Pool represents a message processing pool.
type Pool interface {
	Start()
	Drain()
	Submit(msg *model.MessagePointer) bool
	GetPoolCode() string
	GetConcurrency() int
	GetRateLimitPerMinute() *int
	IsFullyDrained() bool
	Shutdown()
	GetQueueSize() int
	GetActiveWorkers() int
	GetQueueCapacity() int
	IsRateLimited() bool
	UpdateConcurrency(newLimit int, timeoutSeconds int) bool
	UpdateRateLimit(newRateLimitPerMinute *int)
}

// IdleTimeoutMinutes bounds how long an empty message group's worker
// goroutine lingers before exiting and freeing its queues.
const IdleTimeoutMinutes = 5

// groupQueue is the regular/priority queue pair dedicated to one message
// group, plus the per-group admission counter.
type groupQueue struct {
	regular  chan *model.MessagePointer
	priority chan *model.MessagePointer
	size     atomic.Int32
}

// ProcessPool implements Pool with per-message-group FIFO ordering and a
// two-tier (regular/high-priority) queue per group.
type ProcessPool struct {
	poolCode      string
	concurrency   int32
	queueCapacity int
	semaphore     chan struct{}

	running     atomic.Bool
	rateLimiter *ratelimiter.Limiter

	mediator        model.Mediator
	messageCallback model.MessageCallback
	outcomeHandler  *outcome.Handler
	poolMetrics     routermetrics.PoolMetricsService

	messageGroupQueues sync.Map // map[string]*groupQueue
	activeGroupThreads sync.Map // map[string]bool

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdownMu sync.Mutex

	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup
}

// NewProcessPool creates a new process pool.
func NewProcessPool(
	poolCode string,
	concurrency int,
	queueCapacity int,
	rateLimitPerMinute *int,
	mediator model.Mediator,
	messageCallback model.MessageCallback,
	warnings warning.Service,
	poolMetrics routermetrics.PoolMetricsService,
) *ProcessPool {
	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())

	p := &ProcessPool{
		poolCode:        poolCode,
		concurrency:     int32(concurrency),
		queueCapacity:   queueCapacity,
		semaphore:       make(chan struct{}, concurrency),
		mediator:        mediator,
		messageCallback: messageCallback,
		outcomeHandler:  outcome.New(poolCode, warnings, poolMetrics),
		poolMetrics:     poolMetrics,
		rateLimiter:     ratelimiter.New(rateLimitPerMinute),
		ctx:             ctx,
		cancel:          cancel,
		gaugeCtx:        gaugeCtx,
		gaugeCancel:     gaugeCancel,
	}

	for i := 0; i < concurrency; i++ {
		p.semaphore <- struct{}{}
	}

	if poolMetrics != nil {
		poolMetrics.InitializePoolCapacity(poolCode, concurrency, queueCapacity)
	}

	return p
}

// Start begins processing.
func (p *ProcessPool) Start() {
	if p.running.CompareAndSwap(false, true) {
		p.gaugeWg.Add(1)
		go p.runGaugeUpdater()

		slog.Info("Starting process pool with per-group goroutines",
			"pool", p.poolCode, "concurrency", atomic.LoadInt32(&p.concurrency))
	}
}

// Drain stops accepting new work but finishes processing.
func (p *ProcessPool) Drain() {
	slog.Info("Draining process pool", "pool", p.poolCode)
	p.running.Store(false)
}

// Submit enqueues msg for processing. Admission is per-group: a group's
// combined regular+priority queue may hold at most queueCapacity messages.
// Returns false if the pool is not running or the group is at capacity.
func (p *ProcessPool) Submit(msg *model.MessagePointer) bool {
	if !p.running.Load() {
		return false
	}

	groupID := msg.EffectiveGroup()

	queueIface, created := p.messageGroupQueues.LoadOrStore(groupID, p.newGroupQueue())
	gq := queueIface.(*groupQueue)

	if created {
		p.startGroupGoroutine(groupID, gq)
		slog.Debug("Created new message group with dedicated goroutine", "pool", p.poolCode, "group", groupID)
	} else if _, active := p.activeGroupThreads.Load(groupID); !active {
		slog.Warn("Goroutine for message group appears to have died - restarting", "pool", p.poolCode, "group", groupID)
		p.startGroupGoroutine(groupID, gq)
	}

	if int(gq.size.Load()) >= p.queueCapacity {
		slog.Debug("Group at capacity, rejecting message", "pool", p.poolCode, "group", groupID, "messageId", msg.ID)
		return false
	}

	target := gq.regular
	if msg.HighPriority {
		target = gq.priority
	}

	select {
	case target <- msg:
		gq.size.Add(1)
		p.outcomeHandler.TrackBatchGroupMessage(msg)
		if p.poolMetrics != nil {
			p.poolMetrics.RecordMessageSubmitted(p.poolCode)
		}
		return true
	default:
		return false
	}
}

func (p *ProcessPool) newGroupQueue() *groupQueue {
	return &groupQueue{
		regular:  make(chan *model.MessagePointer, p.queueCapacity),
		priority: make(chan *model.MessagePointer, p.queueCapacity),
	}
}

func (p *ProcessPool) startGroupGoroutine(groupID string, gq *groupQueue) {
	p.activeGroupThreads.Store(groupID, true)
	p.wg.Add(1)
	go p.processMessageGroup(groupID, gq)
}

// processMessageGroup runs one worker goroutine for a single message group,
// preferring the priority queue over the regular one each iteration.
func (p *ProcessPool) processMessageGroup(groupID string, gq *groupQueue) {
	defer p.wg.Done()
	defer p.activeGroupThreads.Delete(groupID)

	slog.Debug("Starting message group processor", "pool", p.poolCode, "group", groupID)

	idleTimeout := time.Duration(IdleTimeoutMinutes) * time.Minute
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		// Priority-preferring: drain the priority queue non-blocking
		// before falling back to a blocking select across both tiers.
		select {
		case msg := <-gq.priority:
			p.resetTimer(timer, idleTimeout)
			gq.size.Add(-1)
			p.processMessage(msg)
			continue
		default:
		}

		select {
		case <-p.ctx.Done():
			if !p.running.Load() && len(gq.priority) == 0 && len(gq.regular) == 0 {
				slog.Debug("Message group processor shutting down", "pool", p.poolCode, "group", groupID)
				return
			}

		case msg := <-gq.priority:
			p.resetTimer(timer, idleTimeout)
			gq.size.Add(-1)
			p.processMessage(msg)

		case msg := <-gq.regular:
			p.resetTimer(timer, idleTimeout)
			gq.size.Add(-1)
			p.processMessage(msg)

		case <-timer.C:
			if !p.running.Load() && len(gq.priority) == 0 && len(gq.regular) == 0 {
				slog.Debug("Message group processor shutting down", "pool", p.poolCode, "group", groupID)
				return
			}
			if len(gq.priority) == 0 && len(gq.regular) == 0 {
				slog.Debug("Message group idle, cleaning up", "pool", p.poolCode, "group", groupID, "idleMinutes", IdleTimeoutMinutes)
				p.messageGroupQueues.Delete(groupID)
				return
			}
			timer.Reset(idleTimeout)
		}
	}
}

func (p *ProcessPool) resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

// processMessage runs the per-message worker steps: acquire the pool-wide
// semaphore, acquire a rate-limit token while holding it, skip the mediator
// for poisoned batch groups, invoke the mediator otherwise, and hand the
// outcome to the Outcome Handler.
func (p *ProcessPool) processMessage(msg *model.MessagePointer) {
	batchGroupKey := msg.BatchGroupKey()
	var semaphoreAcquired bool

	defer func() {
		if semaphoreAcquired {
			p.semaphore <- struct{}{}
		}
		if r := recover(); r != nil {
			slog.Error("Panic during message processing", "pool", p.poolCode, "messageId", msg.ID, "panic", r)
			p.outcomeHandler.DecrementAndCleanupBatchGroup(batchGroupKey)
			p.nackSafely(msg)
		}
	}()

	select {
	case <-p.semaphore:
		semaphoreAcquired = true
	case <-p.ctx.Done():
		p.outcomeHandler.DecrementAndCleanupBatchGroup(batchGroupKey)
		p.nackSafely(msg)
		return
	}

	if !p.rateLimiter.TryAcquire(p.ctx) {
		// Shutdown cancelled the wait: release the semaphore and nack,
		// preserving FIFO within the group (there is no further local
		// queue to preserve once the pool is shutting down).
		slog.Warn("Rate limiter wait cancelled, nacking message", "pool", p.poolCode, "messageId", msg.ID)
		p.outcomeHandler.DecrementAndCleanupBatchGroup(batchGroupKey)
		p.nackSafely(msg)
		return
	}

	if p.outcomeHandler.ShouldAutoNack(msg) {
		slog.Warn("Message from failed batch+group, auto-nacking to preserve FIFO ordering",
			"pool", p.poolCode, "messageId", msg.ID, "batchGroup", batchGroupKey)
		p.outcomeHandler.HandleAutoNack(msg, p.messageCallback)
		p.outcomeHandler.DecrementAndCleanupBatchGroup(batchGroupKey)
		return
	}

	slog.Info("Processing message via mediator", "pool", p.poolCode, "messageId", msg.ID, "target", msg.MediationTarget)

	startTime := time.Now()
	out := p.mediator.Process(msg)
	elapsed := time.Since(startTime)
	if out == nil {
		out = model.Null()
	}

	slog.Info("Message processing completed", "pool", p.poolCode, "messageId", msg.ID, "result", out.Kind.String(), "duration", elapsed)

	p.outcomeHandler.HandleOutcome(msg, out, elapsed, p.messageCallback)
	p.outcomeHandler.DecrementAndCleanupBatchGroup(batchGroupKey)
}

func (p *ProcessPool) nackSafely(msg *model.MessagePointer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during message nack", "pool", p.poolCode, "messageId", msg.ID, "panic", r)
		}
	}()
	p.messageCallback.Nack(msg)
}

// GetPoolCode returns the pool code.
func (p *ProcessPool) GetPoolCode() string { return p.poolCode }

// GetConcurrency returns the concurrency limit.
func (p *ProcessPool) GetConcurrency() int { return int(atomic.LoadInt32(&p.concurrency)) }

// GetRateLimitPerMinute returns the configured rate, or nil if disabled.
func (p *ProcessPool) GetRateLimitPerMinute() *int { return p.rateLimiter.RatePerMinute() }

// IsFullyDrained returns true once every group queue is empty and every
// concurrency permit is back in the semaphore.
func (p *ProcessPool) IsFullyDrained() bool {
	if len(p.semaphore) != int(atomic.LoadInt32(&p.concurrency)) {
		return false
	}
	drained := true
	p.messageGroupQueues.Range(func(_, value any) bool {
		gq := value.(*groupQueue)
		if gq.size.Load() != 0 {
			drained = false
			return false
		}
		return true
	})
	return drained
}

// Shutdown shuts down the pool.
func (p *ProcessPool) Shutdown() {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()

	p.running.Store(false)

	p.gaugeCancel()
	p.gaugeWg.Wait()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Pool shutdown complete", "pool", p.poolCode)
	case <-time.After(10 * time.Second):
		slog.Warn("Pool shutdown timed out", "pool", p.poolCode)
	}
}

// GetQueueSize returns the total queued messages across all groups.
func (p *ProcessPool) GetQueueSize() int {
	total := 0
	p.messageGroupQueues.Range(func(_, value any) bool {
		total += int(value.(*groupQueue).size.Load())
		return true
	})
	return total
}

// GetActiveWorkers returns the number of messages currently past the
// semaphore (being mediated or waiting on the rate limiter).
func (p *ProcessPool) GetActiveWorkers() int {
	return int(atomic.LoadInt32(&p.concurrency)) - len(p.semaphore)
}

// GetQueueCapacity returns the per-group queue capacity.
func (p *ProcessPool) GetQueueCapacity() int { return p.queueCapacity }

// GetMessageGroupCount returns the number of currently active message groups.
func (p *ProcessPool) GetMessageGroupCount() int { return p.countMessageGroups() }

// IsRateLimited returns true if the rate limiter currently has no tokens.
func (p *ProcessPool) IsRateLimited() bool { return p.rateLimiter.IsLimited() }

// UpdateConcurrency updates the concurrency limit. Increases always
// succeed; decreases succeed only if enough permits become available
// within timeoutSeconds.
func (p *ProcessPool) UpdateConcurrency(newLimit int, timeoutSeconds int) bool {
	if newLimit <= 0 {
		return false
	}

	current := int(atomic.LoadInt32(&p.concurrency))
	if newLimit == current {
		return true
	}

	if newLimit > current {
		diff := newLimit - current
		for i := 0; i < diff; i++ {
			p.semaphore <- struct{}{}
		}
		atomic.StoreInt32(&p.concurrency, int32(newLimit))
		slog.Info("Concurrency increased", "pool", p.poolCode, "from", current, "to", newLimit)
		return true
	}

	diff := current - newLimit
	timeout := time.Duration(timeoutSeconds) * time.Second
	deadline := time.Now().Add(timeout)

	acquired := 0
	for acquired < diff {
		select {
		case <-p.semaphore:
			acquired++
		case <-time.After(time.Until(deadline)):
			for i := 0; i < acquired; i++ {
				p.semaphore <- struct{}{}
			}
			slog.Warn("Concurrency decrease timed out", "pool", p.poolCode, "from", current, "to", newLimit)
			return false
		}
	}

	atomic.StoreInt32(&p.concurrency, int32(newLimit))
	slog.Info("Concurrency decreased", "pool", p.poolCode, "from", current, "to", newLimit)
	return true
}

// UpdateRateLimit updates the rate limit.
func (p *ProcessPool) UpdateRateLimit(newRateLimitPerMinute *int) {
	p.rateLimiter.UpdateRate(newRateLimitPerMinute)
}

// runGaugeUpdater runs the scheduled gauge update loop (every 500ms).
func (p *ProcessPool) runGaugeUpdater() {
	defer p.gaugeWg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	p.updateGauges()

	for {
		select {
		case <-p.gaugeCtx.Done():
			return
		case <-ticker.C:
			p.updateGauges()
		}
	}
}

// updateGauges updates all pool gauge metrics.
func (p *ProcessPool) updateGauges() {
	activeWorkers := p.GetActiveWorkers()
	queueSize := p.GetQueueSize()
	availablePermits := int(atomic.LoadInt32(&p.concurrency)) - activeWorkers
	messageGroupCount := p.countMessageGroups()

	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(activeWorkers))
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(queueSize))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(availablePermits))
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(float64(messageGroupCount))

	if p.poolMetrics != nil {
		p.poolMetrics.UpdatePoolGauges(p.poolCode, activeWorkers, availablePermits, queueSize, messageGroupCount)
	}
}

// countMessageGroups returns the number of active message groups.
func (p *ProcessPool) countMessageGroups() int {
	count := 0
	p.messageGroupQueues.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
