// Package manager provides the queue manager that routes messages to
// processing pools, deduplicates in-flight work via the tracker, and ties
// an adapter's queue.Consumer to the pool registry.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowforge/router/internal/common/metrics"
	"github.com/flowforge/router/internal/common/tsid"
	"github.com/flowforge/router/internal/queue"
	"github.com/flowforge/router/internal/router/mediator"
	routermetrics "github.com/flowforge/router/internal/router/metrics"
	"github.com/flowforge/router/internal/router/model"
	"github.com/flowforge/router/internal/router/pool"
	"github.com/flowforge/router/internal/router/tracker"
	"github.com/flowforge/router/internal/router/warning"
)

// Default pool configuration constants, used when a message arrives for a
// pool code that a caller creates on the fly (e.g. tests, or CreatePool
// called without explicit sizing).
const (
	DefaultPoolConcurrency         = 20
	DefaultQueueCapacityMultiplier = 2
	MinQueueCapacity               = 50
)

// PoolConfig holds configuration for a processing pool.
type PoolConfig struct {
	Code               string
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute *int
}

// DefaultPoolConfig returns a PoolConfig for code using the default sizing.
func DefaultPoolConfig(code string) *PoolConfig {
	return &PoolConfig{
		Code:          code,
		Concurrency:   DefaultPoolConcurrency,
		QueueCapacity: max(DefaultPoolConcurrency*DefaultQueueCapacityMultiplier, MinQueueCapacity),
	}
}

// PipelineCleanupConfig holds configuration for stale pipeline entry cleanup.
type PipelineCleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	// TTL is how long a message can stay in-flight before being considered
	// stuck and dropped from the tracker.
	TTL time.Duration
}

// DefaultPipelineCleanupConfig returns sensible defaults.
func DefaultPipelineCleanupConfig() *PipelineCleanupConfig {
	return &PipelineCleanupConfig{
		Enabled:  true,
		Interval: 5 * time.Minute,
		TTL:      1 * time.Hour,
	}
}

// ConsumerHealthConfig holds configuration for consumer health monitoring.
type ConsumerHealthConfig struct {
	Enabled            bool
	CheckInterval      time.Duration
	StallThreshold     time.Duration
	MaxRestartAttempts int
	RestartDelay       time.Duration
}

// DefaultConsumerHealthConfig returns sensible defaults.
func DefaultConsumerHealthConfig() *ConsumerHealthConfig {
	return &ConsumerHealthConfig{
		Enabled:            true,
		CheckInterval:      60 * time.Second,
		StallThreshold:     60 * time.Second,
		MaxRestartAttempts: 3,
		RestartDelay:       5 * time.Second,
	}
}

// LeakDetectionConfig holds configuration for in-flight tracker leak
// detection.
type LeakDetectionConfig struct {
	Enabled  bool
	Interval time.Duration
}

// DefaultLeakDetectionConfig returns sensible defaults.
func DefaultLeakDetectionConfig() *LeakDetectionConfig {
	return &LeakDetectionConfig{
		Enabled:  true,
		Interval: 30 * time.Second,
	}
}

// QueueManager manages message routing to processing pools.
type QueueManager struct {
	pools         map[string]*pool.ProcessPool
	poolsMu       sync.RWMutex
	drainingPools sync.Map // map[string]*pool.ProcessPool

	tracker *tracker.Tracker

	mediator        *mediator.HTTPMediator
	messageCallback *MessageCallbackImpl
	poolMetrics     routermetrics.PoolMetricsService
	warnings        warning.Service

	running   bool
	runningMu sync.Mutex

	cleanupConfig *PipelineCleanupConfig
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup

	leakDetectionConfig *LeakDetectionConfig
	leakDetectionCtx    context.Context
	leakDetectionCancel context.CancelFunc
	leakDetectionWg     sync.WaitGroup
}

// NewQueueManager creates a new queue manager.
func NewQueueManager(mediatorCfg *mediator.HTTPMediatorConfig, warnings warning.Service, poolMetrics routermetrics.PoolMetricsService) *QueueManager {
	qm := &QueueManager{
		pools:               make(map[string]*pool.ProcessPool),
		mediator:            mediator.NewHTTPMediator(mediatorCfg),
		tracker:             tracker.New(),
		warnings:            warnings,
		poolMetrics:         poolMetrics,
		cleanupConfig:       DefaultPipelineCleanupConfig(),
		leakDetectionConfig: DefaultLeakDetectionConfig(),
	}
	qm.messageCallback = &MessageCallbackImpl{manager: qm}
	return qm
}

// WithPipelineCleanup configures stale in-flight entry cleanup.
func (m *QueueManager) WithPipelineCleanup(cfg *PipelineCleanupConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultPipelineCleanupConfig()
	}
	m.cleanupConfig = cfg
	return m
}

// WithLeakDetection configures in-flight tracker leak detection.
func (m *QueueManager) WithLeakDetection(cfg *LeakDetectionConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultLeakDetectionConfig()
	}
	m.leakDetectionConfig = cfg
	return m
}

// Start starts the queue manager's background loops.
func (m *QueueManager) Start() {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	m.running = true

	if m.cleanupConfig.Enabled {
		m.cleanupCtx, m.cleanupCancel = context.WithCancel(context.Background())
		m.cleanupWg.Add(1)
		go m.runPipelineCleanup()
		slog.Info("Pipeline cleanup started", "interval", m.cleanupConfig.Interval, "ttl", m.cleanupConfig.TTL)
	}

	if m.leakDetectionConfig.Enabled {
		m.leakDetectionCtx, m.leakDetectionCancel = context.WithCancel(context.Background())
		m.leakDetectionWg.Add(1)
		go m.runLeakDetection()
		slog.Info("Tracker leak detection started", "interval", m.leakDetectionConfig.Interval)
	}

	slog.Info("Queue manager started")
}

// Stop stops the queue manager's background loops and every registered pool.
func (m *QueueManager) Stop() {
	m.runningMu.Lock()
	m.running = false
	m.runningMu.Unlock()

	if m.cleanupCancel != nil {
		m.cleanupCancel()
		m.cleanupWg.Wait()
	}
	if m.leakDetectionCancel != nil {
		m.leakDetectionCancel()
		m.leakDetectionWg.Wait()
	}

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	for code, p := range m.pools {
		slog.Info("Shutting down pool", "pool", code)
		p.Shutdown()
	}

	slog.Info("Queue manager stopped")
}

// GetOrCreatePool gets or creates a processing pool. Used directly by
// callers that size pools outside of a Config Reconciler (tests, simple
// wiring); the reconciler in internal/router/supervisor otherwise owns
// pool lifecycle.
func (m *QueueManager) GetOrCreatePool(cfg *PoolConfig) *pool.ProcessPool {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, exists := m.pools[cfg.Code]; exists {
		return p
	}

	p := pool.NewProcessPool(
		cfg.Code,
		cfg.Concurrency,
		cfg.QueueCapacity,
		cfg.RateLimitPerMinute,
		m.mediator,
		m.messageCallback,
		m.warnings,
		m.poolMetrics,
	)

	m.pools[cfg.Code] = p
	p.Start()

	slog.Info("Created new processing pool",
		"pool", cfg.Code, "concurrency", cfg.Concurrency, "queueCapacity", cfg.QueueCapacity)

	return p
}

// GetPool gets a pool by code, or nil if it has not been created.
func (m *QueueManager) GetPool(code string) *pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return m.pools[code]
}

// PoolCodes returns the codes of every currently registered pool.
func (m *QueueManager) PoolCodes() []string {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	codes := make([]string, 0, len(m.pools))
	for code := range m.pools {
		codes = append(codes, code)
	}
	return codes
}

// UpdatePool updates a pool's configuration in place.
func (m *QueueManager) UpdatePool(cfg *PoolConfig) bool {
	m.poolsMu.RLock()
	p, exists := m.pools[cfg.Code]
	m.poolsMu.RUnlock()

	if !exists {
		return false
	}

	if cfg.Concurrency > 0 && cfg.Concurrency != p.GetConcurrency() {
		p.UpdateConcurrency(cfg.Concurrency, 60)
	}
	p.UpdateRateLimit(cfg.RateLimitPerMinute)

	return true
}

// RemovePool drains and removes a pool synchronously.
func (m *QueueManager) RemovePool(code string) {
	m.poolsMu.Lock()
	p, exists := m.pools[code]
	if exists {
		delete(m.pools, code)
	}
	m.poolsMu.Unlock()

	if !exists {
		return
	}

	p.Drain()
	p.Shutdown()
	slog.Info("Removed processing pool", "pool", code)
}

// DrainAndRemovePool asynchronously drains and removes a pool that has
// fallen out of the active configuration, without blocking the caller
// (typically a config reconciliation pass) on in-flight work finishing.
func (m *QueueManager) DrainAndRemovePool(code string) {
	m.poolsMu.Lock()
	p, exists := m.pools[code]
	if !exists {
		m.poolsMu.Unlock()
		return
	}
	delete(m.pools, code)
	m.poolsMu.Unlock()

	m.drainingPools.Store(code, p)
	slog.Info("Draining pool no longer in configuration", "pool", code)

	go func() {
		p.Drain()
		p.Shutdown()
		m.drainingPools.Delete(code)
		slog.Info("Pool drained and removed", "pool", code)
	}()
}

// DrainAll drains every registered pool in parallel and waits for each to
// reach a fully-drained state, or for ctx to be cancelled.
func (m *QueueManager) DrainAll(ctx context.Context) error {
	m.poolsMu.RLock()
	pools := make([]*pool.ProcessPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.poolsMu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pools {
		p := p
		g.Go(func() error {
			p.Drain()
			return waitForDrain(gctx, p)
		})
	}
	return g.Wait()
}

func waitForDrain(ctx context.Context, p *pool.ProcessPool) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.IsFullyDrained() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RouteMessage routes a single message to its target pool with in-flight
// deduplication. cb is the adapter-specific ack/nack surface for this
// message; queueName is recorded on the tracker entry for diagnostics.
func (m *QueueManager) RouteMessage(msg *model.MessagePointer, cb model.MessageCallback, queueName string) bool {
	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()
	if !running {
		return false
	}

	p := m.GetPool(msg.PoolCode)
	if p == nil {
		slog.Warn("No pool registered for message", "pool", msg.PoolCode, "messageId", msg.ID)
		return false
	}

	result := m.tracker.Track(msg, cb, queueName)
	if !result.Tracked {
		m.addWarning(warning.CategoryDuplicate, warning.SeverityWarning,
			fmt.Sprintf("duplicate message %s detected (requeue=%v)", msg.ID, result.IsRequeue), queueName)
		slog.Debug("Duplicate message, skipping", "messageId", msg.ID, "pipelineKey", result.PipelineKey, "requeue", result.IsRequeue)
		return false
	}

	if !p.Submit(msg) {
		m.tracker.Remove(result.PipelineKey)
		m.addWarning(warning.CategoryQueueFull, warning.SeverityWarning,
			fmt.Sprintf("pool %s queue full, rejected message %s", msg.PoolCode, msg.ID), queueName)
		return false
	}

	return true
}

// BatchEntry pairs a message with the callback that acks/nacks it.
type BatchEntry struct {
	Message  *model.MessagePointer
	Callback model.MessageCallback
}

// BatchRouteResult reports the outcome of RouteMessageBatch.
type BatchRouteResult struct {
	Submitted    int // Successfully submitted to pools.
	Deduplicated int // Skipped as duplicates.
	Rejected     int // Rejected: unknown pool or queue full.
	FailBarrier  int // Nacked to preserve FIFO after an earlier submit failure in the same group.
}

// RouteMessageBatch routes a batch of messages with deduplication and a
// per-message-group failure barrier: once a submission fails for a group,
// every later message in that group within the same batch is nacked rather
// than submitted out of order.
func (m *QueueManager) RouteMessageBatch(entries []BatchEntry, queueName string) BatchRouteResult {
	var result BatchRouteResult

	if len(entries) == 0 {
		return result
	}

	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()

	if !running {
		for _, e := range entries {
			e.Callback.Nack(e.Message)
		}
		result.Rejected = len(entries)
		return result
	}

	deduped := make([]BatchEntry, 0, len(entries))
	for _, e := range entries {
		r := m.tracker.Track(e.Message, e.Callback, queueName)
		if !r.Tracked {
			result.Deduplicated++
			if r.IsRequeue {
				// Same application id redelivered under a new external id:
				// ack the duplicate, the original is still in flight.
				e.Callback.Ack(e.Message)
			} else {
				e.Callback.Nack(e.Message)
			}
			continue
		}
		deduped = append(deduped, e)
	}

	if len(deduped) == 0 {
		return result
	}

	byPool := make(map[string][]BatchEntry)
	for _, e := range deduped {
		byPool[e.Message.PoolCode] = append(byPool[e.Message.PoolCode], e)
	}

	for poolCode, poolEntries := range byPool {
		p := m.GetPool(poolCode)
		if p == nil {
			slog.Warn("No pool registered for batch, rejecting", "pool", poolCode, "messageCount", len(poolEntries))
			for _, e := range poolEntries {
				m.tracker.Remove(e.Message.PipelineKey())
				e.Callback.Nack(e.Message)
			}
			result.Rejected += len(poolEntries)
			continue
		}

		type groupEntry struct {
			groupID string
			entries []BatchEntry
		}
		var groups []groupEntry
		groupIndex := make(map[string]int)

		for _, e := range poolEntries {
			groupID := e.Message.EffectiveGroup()
			if idx, ok := groupIndex[groupID]; ok {
				groups[idx].entries = append(groups[idx].entries, e)
			} else {
				groupIndex[groupID] = len(groups)
				groups = append(groups, groupEntry{groupID: groupID, entries: []BatchEntry{e}})
			}
		}

		for _, group := range groups {
			nackRemaining := false
			for _, e := range group.entries {
				if nackRemaining {
					m.tracker.Remove(e.Message.PipelineKey())
					e.Callback.Nack(e.Message)
					result.FailBarrier++
					continue
				}

				if !p.Submit(e.Message) {
					slog.Warn("Failed to submit message, activating failure barrier",
						"pool", poolCode, "messageId", e.Message.ID, "group", group.groupID)
					m.tracker.Remove(e.Message.PipelineKey())
					e.Callback.Nack(e.Message)
					nackRemaining = true
					result.Rejected++
					continue
				}

				result.Submitted++
			}
		}
	}

	slog.Info("Batch routing complete",
		"submitted", result.Submitted, "deduplicated", result.Deduplicated,
		"rejected", result.Rejected, "failBarrier", result.FailBarrier)

	return result
}

func (m *QueueManager) addWarning(category, severity, message, source string) {
	if m.warnings != nil {
		m.warnings.AddWarning(category, severity, message, source)
	}
}

// Ack looks up msg's tracked callback by PipelineKey, invokes Ack on it,
// and removes the tracker entry. A missing entry is tolerated silently:
// orphan terminal decisions can occur after a drain.
func (m *QueueManager) Ack(msg *model.MessagePointer) {
	entry, ok := m.tracker.Remove(msg.PipelineKey())
	if !ok {
		slog.Debug("Ack for untracked message, ignoring", "messageId", msg.ID)
		return
	}
	entry.Callback.Ack(msg)
}

// Nack looks up msg's tracked callback by PipelineKey, invokes Nack on it,
// and removes the tracker entry.
func (m *QueueManager) Nack(msg *model.MessagePointer) {
	entry, ok := m.tracker.Remove(msg.PipelineKey())
	if !ok {
		slog.Debug("Nack for untracked message, ignoring", "messageId", msg.ID)
		return
	}
	entry.Callback.Nack(msg)
}

// withTrackedCallback invokes fn with msg's tracked callback without
// removing the tracker entry, used for the visibility side effects that
// precede (not replace) the eventual Ack/Nack.
func (m *QueueManager) withTrackedCallback(msg *model.MessagePointer, fn func(model.MessageCallback)) {
	entry, ok := m.tracker.Get(msg.PipelineKey())
	if !ok {
		return
	}
	fn(entry.Callback)
}

// MessageCallbackImpl is the single model.MessageCallback every pool is
// constructed with. It resolves the adapter-specific callback for a
// message via the tracker rather than holding one itself, so one instance
// serves every pool.
type MessageCallbackImpl struct {
	manager *QueueManager
}

func (c *MessageCallbackImpl) Ack(msg *model.MessagePointer) { c.manager.Ack(msg) }

func (c *MessageCallbackImpl) Nack(msg *model.MessagePointer) { c.manager.Nack(msg) }

func (c *MessageCallbackImpl) SetVisibilityDelay(msg *model.MessagePointer, seconds int) {
	c.manager.withTrackedCallback(msg, func(cb model.MessageCallback) {
		if vc, ok := cb.(model.MessageVisibilityControl); ok {
			vc.SetVisibilityDelay(msg, seconds)
		}
	})
}

func (c *MessageCallbackImpl) SetFastFailVisibility(msg *model.MessagePointer) {
	c.manager.withTrackedCallback(msg, func(cb model.MessageCallback) {
		if vc, ok := cb.(model.MessageVisibilityControl); ok {
			vc.SetFastFailVisibility(msg)
		}
	})
}

func (c *MessageCallbackImpl) ResetVisibilityToDefault(msg *model.MessagePointer) {
	c.manager.withTrackedCallback(msg, func(cb model.MessageCallback) {
		if vc, ok := cb.(model.MessageVisibilityControl); ok {
			vc.ResetVisibilityToDefault(msg)
		}
	})
}

var (
	_ model.MessageCallback          = (*MessageCallbackImpl)(nil)
	_ model.MessageVisibilityControl = (*MessageCallbackImpl)(nil)
)

// queueCallback adapts a single queue.Message to model.MessageCallback and
// model.MessageVisibilityControl. One is created per consumed message and
// tracked against it, so the Queue Manager can ack/nack back to the exact
// broker message that produced it.
type queueCallback struct {
	msg queue.Message

	// delayed is set once SetVisibilityDelay has scheduled the redelivery,
	// so the Nack that follows it does not redeliver a second time.
	delayed bool
}

func (c *queueCallback) Ack(*model.MessagePointer) {
	if err := c.msg.Ack(); err != nil {
		slog.Error("Failed to ack message", "error", err, "messageId", c.msg.ID())
	}
}

func (c *queueCallback) Nack(*model.MessagePointer) {
	if c.delayed {
		return
	}
	if err := c.msg.Nak(); err != nil {
		slog.Error("Failed to nack message", "error", err, "messageId", c.msg.ID())
	}
}

func (c *queueCallback) SetVisibilityDelay(_ *model.MessagePointer, seconds int) {
	if err := c.msg.NakWithDelay(time.Duration(seconds) * time.Second); err != nil {
		slog.Warn("Failed to set visibility delay", "error", err, "messageId", c.msg.ID())
		return
	}
	c.delayed = true
}

func (c *queueCallback) SetFastFailVisibility(msg *model.MessagePointer) {
	c.SetVisibilityDelay(msg, 1)
}

func (c *queueCallback) ResetVisibilityToDefault(*model.MessagePointer) {
	// The broker's default visibility timeout applies once NakWithDelay is
	// not used again; nothing to do here.
}

var (
	_ model.MessageCallback          = (*queueCallback)(nil)
	_ model.MessageVisibilityControl = (*queueCallback)(nil)
)

// Consumer consumes messages from a queue and routes them through a
// QueueManager.
type Consumer struct {
	manager   *QueueManager
	consumer  queue.Consumer
	queueName string
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	lastActivity   atomic.Int64
	restartCount   int
	restartCountMu sync.Mutex
	stalled        atomic.Bool

	queueMetrics routermetrics.QueueMetricsService
}

// NewConsumer creates a new consumer bound to queueName.
func NewConsumer(manager *QueueManager, queueConsumer queue.Consumer, queueName string) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		manager:   manager,
		consumer:  queueConsumer,
		queueName: queueName,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.lastActivity.Store(time.Now().Unix())
	return c
}

func (c *Consumer) updateActivity() { c.lastActivity.Store(time.Now().Unix()) }

// GetLastActivity returns the last activity timestamp.
func (c *Consumer) GetLastActivity() time.Time { return time.Unix(c.lastActivity.Load(), 0) }

// IsStalled returns whether the consumer is considered stalled.
func (c *Consumer) IsStalled() bool { return c.stalled.Load() }

// WithQueueMetrics attaches a queue-level metrics sink; every message this
// consumer reads and routes is recorded against queueName.
func (c *Consumer) WithQueueMetrics(m routermetrics.QueueMetricsService) *Consumer {
	c.queueMetrics = m
	return c
}

// GetRestartCount returns the number of restart attempts.
func (c *Consumer) GetRestartCount() int {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	return c.restartCount
}

func (c *Consumer) incrementRestartCount() int {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	c.restartCount++
	return c.restartCount
}

func (c *Consumer) resetRestartCount() {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	c.restartCount = 0
}

// Start starts consuming messages.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume()
	}()
	slog.Info("Consumer started", "queue", c.queueName)
}

// Stop stops the consumer.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	slog.Info("Consumer stopped", "queue", c.queueName)
}

func (c *Consumer) consume() {
	err := c.consumer.Consume(c.ctx, func(msg queue.Message) error {
		c.updateActivity()
		if c.queueMetrics != nil {
			c.queueMetrics.RecordMessageReceived(c.queueName)
		}

		var pointer model.MessagePointer
		if err := json.Unmarshal(msg.Data(), &pointer); err != nil {
			slog.Error("Failed to unmarshal MessagePointer", "error", err)
			msg.Ack() // Malformed message: ack to prevent infinite redelivery.
			if c.queueMetrics != nil {
				c.queueMetrics.RecordMessageProcessed(c.queueName, false)
			}
			return nil
		}
		pointer.ExternalMessageID = msg.ID()

		accepted := c.manager.RouteMessage(&pointer, &queueCallback{msg: msg}, c.queueName)
		if !accepted {
			slog.Warn("Pool rejected message, nacking for redelivery",
				"messageId", pointer.ID, "pool", pointer.PoolCode)
			msg.Nak()
		}
		if c.queueMetrics != nil {
			c.queueMetrics.RecordMessageProcessed(c.queueName, accepted)
		}

		return nil
	})

	if err != nil && err != context.Canceled {
		slog.Error("Consumer error", "error", err, "queue", c.queueName)
	}
}

// ConsumerFactory creates new queue consumers, used to rebuild a Consumer
// after a health-monitor-triggered restart.
type ConsumerFactory func() queue.Consumer

// Router ties a QueueManager, a Consumer, and consumer health monitoring
// into one composable unit.
type Router struct {
	manager         *QueueManager
	consumer        *Consumer
	consumerMu      sync.Mutex
	consumerFactory ConsumerFactory

	healthConfig *ConsumerHealthConfig
	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup

	queueMetrics routermetrics.QueueMetricsService
}

// NewRouter creates a new message router.
func NewRouter(queueConsumer queue.Consumer, queueName string, mediatorCfg *mediator.HTTPMediatorConfig, warnings warning.Service, poolMetrics routermetrics.PoolMetricsService) *Router {
	qmanager := NewQueueManager(mediatorCfg, warnings, poolMetrics)

	var consumer *Consumer
	if queueConsumer != nil {
		consumer = NewConsumer(qmanager, queueConsumer, queueName)
	}

	return &Router{
		manager:      qmanager,
		consumer:     consumer,
		healthConfig: DefaultConsumerHealthConfig(),
	}
}

// WithConsumerFactory sets a factory for creating new consumers on restart.
func (r *Router) WithConsumerFactory(factory ConsumerFactory) *Router {
	r.consumerFactory = factory
	return r
}

// WithConsumerHealthConfig configures consumer health monitoring.
func (r *Router) WithConsumerHealthConfig(cfg *ConsumerHealthConfig) *Router {
	if cfg == nil {
		cfg = DefaultConsumerHealthConfig()
	}
	r.healthConfig = cfg
	return r
}

// WithQueueMetrics attaches a queue-level metrics sink, recording message
// throughput for the router's dispatch queue distinct from per-pool
// processing metrics. Applies to the current consumer, if any, and to every
// consumer created on a health-triggered restart.
func (r *Router) WithQueueMetrics(m routermetrics.QueueMetricsService) *Router {
	r.queueMetrics = m
	if r.consumer != nil {
		r.consumer.WithQueueMetrics(m)
	}
	return r
}

// Start starts the router.
func (r *Router) Start() {
	r.manager.Start()
	if r.consumer != nil {
		r.consumer.Start()
	}

	if r.healthConfig.Enabled && r.consumer != nil {
		r.healthCtx, r.healthCancel = context.WithCancel(context.Background())
		r.healthWg.Add(1)
		go r.runConsumerHealthMonitor()
		slog.Info("Consumer health monitor started",
			"checkInterval", r.healthConfig.CheckInterval,
			"stallThreshold", r.healthConfig.StallThreshold,
			"maxRestarts", r.healthConfig.MaxRestartAttempts)
	}

	slog.Info("Message router started")
}

// Stop stops the router.
func (r *Router) Stop() {
	if r.healthCancel != nil {
		r.healthCancel()
		r.healthWg.Wait()
	}

	r.consumerMu.Lock()
	consumer := r.consumer
	r.consumerMu.Unlock()

	if consumer != nil {
		consumer.Stop()
	}
	r.manager.Stop()
	slog.Info("Message router stopped")
}

// Manager returns the queue manager.
func (r *Router) Manager() *QueueManager { return r.manager }

// Consumer returns the current consumer, for health checks.
func (r *Router) Consumer() *Consumer {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()
	return r.consumer
}

func (r *Router) runConsumerHealthMonitor() {
	defer r.healthWg.Done()

	ticker := time.NewTicker(r.healthConfig.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.healthCtx.Done():
			slog.Info("Consumer health monitor stopped")
			return
		case <-ticker.C:
			r.checkConsumerHealth()
		}
	}
}

func (r *Router) checkConsumerHealth() {
	r.consumerMu.Lock()
	consumer := r.consumer
	r.consumerMu.Unlock()

	if consumer == nil {
		return
	}

	stalledDuration := time.Since(consumer.GetLastActivity())

	if stalledDuration < r.healthConfig.StallThreshold {
		if consumer.IsStalled() {
			consumer.stalled.Store(false)
			consumer.resetRestartCount()
			slog.Info("Consumer recovered from stalled state")
		}
		return
	}

	consumer.stalled.Store(true)
	restartCount := consumer.GetRestartCount()

	metrics.ConsumerStallEvents.Inc()

	slog.Warn("Consumer appears stalled",
		"stalledFor", stalledDuration,
		"restartAttempts", restartCount,
		"maxAttempts", r.healthConfig.MaxRestartAttempts)

	if restartCount >= r.healthConfig.MaxRestartAttempts {
		slog.Error("Consumer exceeded max restart attempts - requires manual intervention", "attempts", restartCount)
		return
	}

	r.restartConsumer()
}

func (r *Router) restartConsumer() {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()

	oldConsumer := r.consumer
	if oldConsumer == nil {
		return
	}

	attempt := oldConsumer.incrementRestartCount()
	metrics.ConsumerRestarts.Inc()

	slog.Info("Restarting stalled consumer", "attempt", attempt, "maxAttempts", r.healthConfig.MaxRestartAttempts)

	oldConsumer.Stop()
	time.Sleep(r.healthConfig.RestartDelay)

	if r.consumerFactory != nil {
		if newQueueConsumer := r.consumerFactory(); newQueueConsumer != nil {
			newConsumer := NewConsumer(r.manager, newQueueConsumer, oldConsumer.queueName)
			newConsumer.restartCount = attempt
			newConsumer.WithQueueMetrics(r.queueMetrics)
			newConsumer.Start()
			r.consumer = newConsumer
			slog.Info("Consumer restarted successfully", "attempt", attempt)
			return
		}
	}

	slog.Warn("No consumer factory available, attempting restart with existing consumer")
	newConsumer := NewConsumer(r.manager, oldConsumer.consumer, oldConsumer.queueName)
	newConsumer.restartCount = attempt
	newConsumer.WithQueueMetrics(r.queueMetrics)
	newConsumer.Start()
	r.consumer = newConsumer
}

// GenerateBatchID generates a new batch ID for grouping a set of messages
// under the same failure-isolation barrier.
func GenerateBatchID() string {
	return tsid.Generate()
}

// runPipelineCleanup runs the stale in-flight entry cleanup loop: entries
// older than cleanupConfig.TTL are dropped from the tracker, guarding
// against a terminal decision that was silently lost upstream.
func (m *QueueManager) runPipelineCleanup() {
	defer m.cleanupWg.Done()

	ticker := time.NewTicker(m.cleanupConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.cleanupCtx.Done():
			slog.Info("Pipeline cleanup stopped")
			return
		case <-ticker.C:
			m.cleanupStaleEntries()
		}
	}
}

func (m *QueueManager) cleanupStaleEntries() {
	ttl := m.cleanupConfig.TTL
	now := time.Now()

	var stale []string
	m.tracker.Range(func(entry *tracker.TrackedMessage) bool {
		if now.Sub(entry.TrackedAt) > ttl {
			stale = append(stale, entry.PipelineKey)
		}
		return true
	})

	for _, key := range stale {
		m.tracker.Remove(key)
	}

	if len(stale) > 0 {
		slog.Warn("Cleaned up stale in-flight entries - messages may have been stuck",
			"count", len(stale), "ttl", ttl)
	}
}

// runLeakDetection runs the in-flight tracker leak-detection loop.
func (m *QueueManager) runLeakDetection() {
	defer m.leakDetectionWg.Done()

	ticker := time.NewTicker(m.leakDetectionConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.leakDetectionCtx.Done():
			slog.Info("Tracker leak detection stopped")
			return
		case <-ticker.C:
			m.checkForTrackerLeaks()
		}
	}
}

// checkForTrackerLeaks warns when the tracker holds more entries than the
// combined capacity of every pool's groups could plausibly admit, which
// indicates terminal decisions are not reaching Ack/Nack.
func (m *QueueManager) checkForTrackerLeaks() {
	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()
	if !running {
		return
	}

	trackedSize := m.tracker.Size()

	m.poolsMu.RLock()
	totalCapacity := 0
	for _, p := range m.pools {
		groups := p.GetMessageGroupCount()
		if groups == 0 {
			groups = 1
		}
		totalCapacity += p.GetQueueCapacity() * groups
	}
	m.poolsMu.RUnlock()

	if totalCapacity == 0 {
		totalCapacity = MinQueueCapacity
	}

	if trackedSize > totalCapacity {
		message := fmt.Sprintf("in-flight tracker size (%d) exceeds total pool capacity (%d) - possible leak",
			trackedSize, totalCapacity)

		slog.Warn("LEAK DETECTION: "+message, "trackedSize", trackedSize, "totalCapacity", totalCapacity)
		m.addWarning(warning.CategoryHealth, warning.SeverityWarning, message, "QueueManager")
	}

	metrics.PipelineMapSize.Set(float64(trackedSize))
}

// GetPipelineSize returns the current number of in-flight tracked messages.
func (m *QueueManager) GetPipelineSize() int {
	return m.tracker.Size()
}

// GetTotalPoolCapacity returns the combined admission capacity across every
// pool's active groups.
func (m *QueueManager) GetTotalPoolCapacity() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	total := 0
	for _, p := range m.pools {
		groups := p.GetMessageGroupCount()
		if groups == 0 {
			groups = 1
		}
		total += p.GetQueueCapacity() * groups
	}
	return total
}
