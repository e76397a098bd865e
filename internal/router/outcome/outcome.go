// Package outcome maps a Mediator's classified result to the single
// ack/nack decision a Process Pool worker makes for a message, and tracks
// batch+group poison-pill failure isolation across the life of a batch.
package outcome

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowforge/router/internal/common/metrics"
	routermetrics "github.com/flowforge/router/internal/router/metrics"
	"github.com/flowforge/router/internal/router/model"
	"github.com/flowforge/router/internal/router/warning"
)

// Handler applies the outcome behavior table for one pool and owns that
// pool's batch+group failure-isolation state.
type Handler struct {
	poolCode string

	warnings    warning.Service
	poolMetrics routermetrics.PoolMetricsService

	// failedBatchGroups holds every BatchGroupKey that has seen at least
	// one non-success outcome. Later messages sharing the key are
	// auto-nacked without reaching the mediator.
	failedBatchGroups sync.Map // map[string]struct{}

	// batchGroupMessageCount ref-counts in-flight messages per
	// BatchGroupKey so failedBatchGroups can be garbage-collected once a
	// batch fully drains.
	batchGroupMessageCount sync.Map // map[string]*int64
}

// New creates a Handler for a single pool.
func New(poolCode string, warnings warning.Service, poolMetrics routermetrics.PoolMetricsService) *Handler {
	return &Handler{
		poolCode:    poolCode,
		warnings:    warnings,
		poolMetrics: poolMetrics,
	}
}

// TrackBatchGroupMessage increments the in-flight count for msg's
// BatchGroupKey, if it has one. Call on submission.
func (h *Handler) TrackBatchGroupMessage(msg *model.MessagePointer) {
	key := msg.BatchGroupKey()
	if key == "" {
		return
	}
	counter, _ := h.batchGroupMessageCount.LoadOrStore(key, new(int64))
	atomic.AddInt64(counter.(*int64), 1)
}

// DecrementAndCleanupBatchGroup decrements the in-flight count for key and,
// if it reaches zero, removes key from both batchGroupMessageCount and
// failedBatchGroups. Call once per message on every terminal decision
// (HandleOutcome or HandleAutoNack), never more than once.
func (h *Handler) DecrementAndCleanupBatchGroup(key string) {
	if key == "" {
		return
	}
	value, ok := h.batchGroupMessageCount.Load(key)
	if !ok {
		return
	}
	counter := value.(*int64)
	if atomic.AddInt64(counter, -1) <= 0 {
		h.batchGroupMessageCount.CompareAndDelete(key, counter)
		h.failedBatchGroups.Delete(key)
	}
}

// ShouldAutoNack reports whether msg's BatchGroupKey has already seen a
// failure and must be nacked without invoking the mediator.
func (h *Handler) ShouldAutoNack(msg *model.MessagePointer) bool {
	key := msg.BatchGroupKey()
	if key == "" {
		return false
	}
	_, failed := h.failedBatchGroups.Load(key)
	return failed
}

// HandleAutoNack nacks msg without mediator invocation, records a
// BATCH_GROUP_FAILED failure, and requests a short redelivery delay from
// the callback if it supports visibility control.
func (h *Handler) HandleAutoNack(msg *model.MessagePointer, cb model.MessageCallback) {
	h.poolMetrics.RecordProcessingFailure(h.poolCode, 0, "BATCH_GROUP_FAILED")
	metrics.PoolMessagesProcessed.WithLabelValues(h.poolCode, "failed").Inc()

	if vc, ok := cb.(model.MessageVisibilityControl); ok {
		vc.SetFastFailVisibility(msg)
	}
	cb.Nack(msg)
}

// HandleOutcome applies the single terminal ack/nack decision for msg given
// the mediator's outcome, records metrics, and flags msg's BatchGroupKey on
// any non-success outcome.
func (h *Handler) HandleOutcome(msg *model.MessagePointer, out *model.MediationOutcome, elapsed time.Duration, cb model.MessageCallback) {
	durationMs := elapsed.Milliseconds()
	metrics.PoolProcessingDuration.WithLabelValues(h.poolCode).Observe(elapsed.Seconds())

	switch out.Kind {
	case model.OutcomeSuccess:
		h.poolMetrics.RecordProcessingSuccess(h.poolCode, durationMs)
		metrics.PoolMessagesProcessed.WithLabelValues(h.poolCode, "success").Inc()
		cb.Ack(msg)
		return

	case model.OutcomeErrorConfig:
		h.poolMetrics.RecordProcessingFailure(h.poolCode, durationMs, "ERROR_CONFIG")
		metrics.PoolMessagesProcessed.WithLabelValues(h.poolCode, "failed").Inc()
		h.markBatchGroupFailed(msg)
		cb.Ack(msg)
		return

	case model.OutcomeErrorProcess:
		h.poolMetrics.RecordProcessingTransient(h.poolCode, durationMs)
		h.markBatchGroupFailed(msg)
		if out.HasRetryHint() {
			if vc, ok := cb.(model.MessageVisibilityControl); ok {
				vc.SetVisibilityDelay(msg, out.RetryHintSeconds())
			}
		}
		cb.Nack(msg)
		return

	case model.OutcomeErrorConnection:
		h.poolMetrics.RecordProcessingFailure(h.poolCode, durationMs, "ERROR_CONNECTION")
		metrics.PoolMessagesProcessed.WithLabelValues(h.poolCode, "failed").Inc()
		h.markBatchGroupFailed(msg)
		if vc, ok := cb.(model.MessageVisibilityControl); ok {
			vc.ResetVisibilityToDefault(msg)
		}
		cb.Nack(msg)
		return

	default: // model.OutcomeNull
		h.poolMetrics.RecordProcessingTransient(h.poolCode, durationMs)
		h.markBatchGroupFailed(msg)
		if h.warnings != nil {
			h.warnings.AddWarning(warning.CategoryMediatorNull, warning.SeverityCritical,
				"mediator returned no outcome for message "+msg.ID, h.poolCode)
		}
		cb.Nack(msg)
	}
}

// markBatchGroupFailed records msg's BatchGroupKey as failed, if it has
// one. Called for every non-success outcome.
func (h *Handler) markBatchGroupFailed(msg *model.MessagePointer) {
	key := msg.BatchGroupKey()
	if key == "" {
		return
	}
	h.failedBatchGroups.Store(key, struct{}{})
}
