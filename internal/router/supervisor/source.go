package supervisor

import (
	"context"
	"sync"

	"github.com/flowforge/router/internal/config"
	"github.com/flowforge/router/internal/router/manager"
)

// StaticSource is a ConfigSource backed by an in-memory pool set, safe for
// concurrent reads and updates. Used in tests and as the default wiring
// when no external configuration is supplied.
type StaticSource struct {
	mu    sync.RWMutex
	pools []manager.PoolConfig
}

// NewStaticSource creates a StaticSource with the given initial pool set.
func NewStaticSource(pools []manager.PoolConfig) *StaticSource {
	return &StaticSource{pools: pools}
}

// Fetch returns the currently configured pool set.
func (s *StaticSource) Fetch(ctx context.Context) (PoolSetConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return PoolSetConfig{Pools: append([]manager.PoolConfig{}, s.pools...)}, nil
}

// Update atomically replaces the configured pool set, taking effect on the
// Supervisor's next reconciliation pass.
func (s *StaticSource) Update(pools []manager.PoolConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools = pools
}

// TOMLSource is a ConfigSource backed by the repository's TOML file loader
// (config.LoadFromFile; environment variables are not applied). Each Fetch
// reloads the file, so edits to it take
// effect on the next reconciliation tick without a restart.
type TOMLSource struct {
	path string
}

// NewTOMLSource creates a TOMLSource reading pool definitions from path.
func NewTOMLSource(path string) *TOMLSource {
	return &TOMLSource{path: path}
}

// Fetch reloads path and returns its configured pool set.
func (s *TOMLSource) Fetch(ctx context.Context) (PoolSetConfig, error) {
	cfg, err := config.LoadFromFile(s.path)
	if err != nil {
		return PoolSetConfig{}, err
	}

	pools := make([]manager.PoolConfig, 0, len(cfg.Pools))
	for _, p := range cfg.Pools {
		pools = append(pools, manager.PoolConfig{
			Code:               p.Code,
			Concurrency:        p.Concurrency,
			QueueCapacity:      p.QueueCapacity,
			RateLimitPerMinute: p.RateLimitPerMinute,
		})
	}
	return PoolSetConfig{Pools: pools}, nil
}
