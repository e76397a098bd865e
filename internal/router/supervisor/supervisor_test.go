package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/router/internal/router/manager"
	"github.com/flowforge/router/internal/router/mediator"
	routermetrics "github.com/flowforge/router/internal/router/metrics"
	"github.com/flowforge/router/internal/router/warning"
)

func newTestManager() *manager.QueueManager {
	return manager.NewQueueManager(
		mediator.DefaultHTTPMediatorConfig(),
		warning.NewInMemoryService(),
		routermetrics.NewInMemoryPoolMetricsService(),
	)
}

func TestReconcileCreatesNewPools(t *testing.T) {
	mgr := newTestManager()
	source := NewStaticSource([]manager.PoolConfig{
		{Code: "alpha", Concurrency: 5, QueueCapacity: 50},
		{Code: "beta", Concurrency: 10, QueueCapacity: 100},
	})

	sup := New(mgr, source, DefaultConfig(), warning.NewInMemoryService())

	if err := sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	codes := mgr.PoolCodes()
	if len(codes) != 2 {
		t.Fatalf("expected 2 pools, got %d", len(codes))
	}
	if mgr.GetPool("alpha") == nil || mgr.GetPool("beta") == nil {
		t.Fatal("expected both pools to be created")
	}
}

func TestReconcileUpdatesExistingPoolInPlace(t *testing.T) {
	mgr := newTestManager()
	source := NewStaticSource([]manager.PoolConfig{
		{Code: "alpha", Concurrency: 5, QueueCapacity: 50},
	})
	sup := New(mgr, source, DefaultConfig(), warning.NewInMemoryService())

	if err := sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("initial Reconcile failed: %v", err)
	}
	original := mgr.GetPool("alpha")

	source.Update([]manager.PoolConfig{
		{Code: "alpha", Concurrency: 15, QueueCapacity: 50},
	})
	if err := sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}

	updated := mgr.GetPool("alpha")
	if updated != original {
		t.Fatal("expected the same pool instance to be updated, not replaced")
	}
	if updated.GetConcurrency() != 15 {
		t.Errorf("expected concurrency 15, got %d", updated.GetConcurrency())
	}
}

func TestReconcileReplacesPoolOnCapacityChange(t *testing.T) {
	mgr := newTestManager()
	source := NewStaticSource([]manager.PoolConfig{
		{Code: "alpha", Concurrency: 5, QueueCapacity: 50},
	})
	sup := New(mgr, source, DefaultConfig(), warning.NewInMemoryService())

	if err := sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("initial Reconcile failed: %v", err)
	}
	original := mgr.GetPool("alpha")

	source.Update([]manager.PoolConfig{
		{Code: "alpha", Concurrency: 5, QueueCapacity: 200},
	})
	if err := sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}

	replaced := mgr.GetPool("alpha")
	if replaced == original {
		t.Fatal("expected a new pool instance after a capacity change")
	}
	if replaced.GetQueueCapacity() != 200 {
		t.Errorf("expected queue capacity 200, got %d", replaced.GetQueueCapacity())
	}
}

func TestReconcileDrainsPoolsNotInConfiguration(t *testing.T) {
	mgr := newTestManager()
	source := NewStaticSource([]manager.PoolConfig{
		{Code: "alpha", Concurrency: 5, QueueCapacity: 50},
		{Code: "beta", Concurrency: 5, QueueCapacity: 50},
	})
	sup := New(mgr, source, DefaultConfig(), warning.NewInMemoryService())

	if err := sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("initial Reconcile failed: %v", err)
	}

	source.Update([]manager.PoolConfig{
		{Code: "alpha", Concurrency: 5, QueueCapacity: 50},
	})
	if err := sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for mgr.GetPool("beta") != nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if mgr.GetPool("beta") != nil {
		t.Error("expected pool 'beta' to be drained and removed")
	}
	if mgr.GetPool("alpha") == nil {
		t.Error("expected pool 'alpha' to remain")
	}
}

func TestReconcileRejectsConfigExceedingMaxPools(t *testing.T) {
	mgr := newTestManager()
	source := NewStaticSource([]manager.PoolConfig{
		{Code: "alpha", Concurrency: 5, QueueCapacity: 50},
		{Code: "beta", Concurrency: 5, QueueCapacity: 50},
	})
	cfg := &Config{Interval: time.Minute, MaxPools: 1, PoolWarningThreshold: 10}
	sup := New(mgr, source, cfg, warning.NewInMemoryService())

	if err := sup.Reconcile(context.Background()); err == nil {
		t.Fatal("expected Reconcile to reject a config exceeding MaxPools")
	}
	if len(mgr.PoolCodes()) != 0 {
		t.Error("expected no pools to be created when the config is rejected")
	}
}

func TestReconcileEmitsWarningAtPoolThreshold(t *testing.T) {
	mgr := newTestManager()
	source := NewStaticSource([]manager.PoolConfig{
		{Code: "alpha", Concurrency: 5, QueueCapacity: 50},
		{Code: "beta", Concurrency: 5, QueueCapacity: 50},
	})
	warnings := warning.NewInMemoryService()
	cfg := &Config{Interval: time.Minute, MaxPools: 10, PoolWarningThreshold: 2}
	sup := New(mgr, source, cfg, warnings)

	if err := sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	found := false
	for _, w := range warnings.GetAllWarnings() {
		if w.Category == warning.CategoryPoolLimit {
			found = true
		}
	}
	if !found {
		t.Error("expected a CategoryPoolLimit warning once the pool count reaches the threshold")
	}
}

func TestStartAndStop(t *testing.T) {
	mgr := newTestManager()
	source := NewStaticSource([]manager.PoolConfig{
		{Code: "alpha", Concurrency: 5, QueueCapacity: 50},
	})
	cfg := &Config{Interval: 20 * time.Millisecond, MaxPools: 10, PoolWarningThreshold: 100}
	sup := New(mgr, source, cfg, warning.NewInMemoryService())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if mgr.GetPool("alpha") == nil {
		t.Fatal("expected initial reconciliation to create the pool")
	}

	time.Sleep(60 * time.Millisecond)
	sup.Stop()
}

func TestStaticSourceUpdateIsThreadSafe(t *testing.T) {
	source := NewStaticSource([]manager.PoolConfig{{Code: "alpha"}})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			source.Update([]manager.PoolConfig{{Code: "alpha"}})
		}
		close(done)
	}()

	for i := 0; i < 100; i++ {
		if _, err := source.Fetch(context.Background()); err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
	}
	<-done
}
