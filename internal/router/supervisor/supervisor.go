// Package supervisor polls a ConfigSource for the desired pool set and
// reconciles it against a live QueueManager: creating, reconfiguring, or
// draining pools so the running set matches the configuration.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowforge/router/internal/common/metrics"
	"github.com/flowforge/router/internal/router/manager"
	"github.com/flowforge/router/internal/router/warning"
)

// PoolSetConfig is the desired state of every managed pool, as returned by
// a ConfigSource.
type PoolSetConfig struct {
	Pools []manager.PoolConfig
}

// ConfigSource supplies the desired pool-set configuration. Fetch is called
// once at startup and then on every reconciliation tick.
type ConfigSource interface {
	Fetch(ctx context.Context) (PoolSetConfig, error)
}

// Config controls the Supervisor's reconciliation loop.
type Config struct {
	// Interval between reconciliation passes.
	Interval time.Duration

	// MaxPools is a hard ceiling on the number of managed pools. A
	// configuration that would exceed it is rejected rather than applied.
	MaxPools int

	// PoolWarningThreshold emits a warning (but does not block) once the
	// managed pool count reaches it.
	PoolWarningThreshold int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:             30 * time.Second,
		MaxPools:             100,
		PoolWarningThreshold: 75,
	}
}

// Supervisor reconciles a QueueManager's pool registry against a
// ConfigSource on a timer.
type Supervisor struct {
	manager  *manager.QueueManager
	source   ConfigSource
	cfg      *Config
	warnings warning.Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Supervisor. cfg of nil uses DefaultConfig.
func New(mgr *manager.QueueManager, source ConfigSource, cfg *Config, warnings warning.Service) *Supervisor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Supervisor{
		manager:  mgr,
		source:   source,
		cfg:      cfg,
		warnings: warnings,
	}
}

// Start performs an initial reconciliation and then reconciles on every
// tick of cfg.Interval until Stop is called.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		return fmt.Errorf("initial pool reconciliation failed: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop halts the reconciliation loop and waits for it to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reconcile(s.ctx); err != nil {
				slog.Error("pool reconciliation failed", "error", err)
				metrics.SupervisorReconcileErrors.Inc()
			}
		}
	}
}

// Reconcile fetches the current desired pool set and applies it against
// the QueueManager: create/update/replace/drain per pool, as described in
// the package doc.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.SupervisorReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	desired, err := s.source.Fetch(ctx)
	if err != nil {
		metrics.SupervisorReconcileErrors.Inc()
		return fmt.Errorf("fetch pool configuration: %w", err)
	}

	if len(desired.Pools) > s.cfg.MaxPools {
		metrics.SupervisorReconcileErrors.Inc()
		return fmt.Errorf("configuration requests %d pools, exceeding maxPools %d", len(desired.Pools), s.cfg.MaxPools)
	}

	desiredCodes := make(map[string]bool, len(desired.Pools))
	for _, spec := range desired.Pools {
		spec := spec
		desiredCodes[spec.Code] = true
		s.applyOne(&spec)
	}

	for _, code := range s.manager.PoolCodes() {
		if !desiredCodes[code] {
			slog.Info("draining pool no longer in configuration", "pool", code)
			s.manager.DrainAndRemovePool(code)
		}
	}

	managed := len(desired.Pools)
	metrics.SupervisorPoolsManaged.Set(float64(managed))

	if managed >= s.cfg.PoolWarningThreshold && s.warnings != nil {
		s.warnings.AddWarning(warning.CategoryPoolLimit, warning.SeverityWarning,
			fmt.Sprintf("managed pool count %d has reached the warning threshold %d", managed, s.cfg.PoolWarningThreshold),
			"supervisor")
	}

	return nil
}

func (s *Supervisor) applyOne(spec *manager.PoolConfig) {
	existing := s.manager.GetPool(spec.Code)

	if existing == nil {
		s.manager.GetOrCreatePool(spec)
		slog.Info("created pool from configuration", "pool", spec.Code,
			"concurrency", spec.Concurrency, "queueCapacity", spec.QueueCapacity)
		return
	}

	if spec.QueueCapacity > 0 && spec.QueueCapacity != existing.GetQueueCapacity() {
		slog.Info("queue capacity changed, replacing pool", "pool", spec.Code,
			"oldCapacity", existing.GetQueueCapacity(), "newCapacity", spec.QueueCapacity)
		s.manager.RemovePool(spec.Code)
		s.manager.GetOrCreatePool(spec)
		return
	}

	s.manager.UpdatePool(spec)
}
