package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tobert/otlp-debugz/internal/diagnostics"
	"go.uber.org/zap"
)

// Names of the caches the host process creates.
const (
	UserAPIKeyCache = "user_api_key"
	RouterCache     = "llm_router"
	UsageCache      = "internal_usage"
)

// Registry holds the named caches of the host process. A name that has not
// been registered is reported as not initialized by the census.
type Registry struct {
	mu     sync.RWMutex
	caches map[string]*TTLCache
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caches: make(map[string]*TTLCache)}
}

// Register adds c under name. Names may only be registered once.
func (r *Registry) Register(name string, c *TTLCache) error {
	if c == nil {
		return fmt.Errorf("cache %q cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caches[name]; exists {
		return fmt.Errorf("cache %q already registered", name)
	}
	r.caches[name] = c
	return nil
}

// Lookup returns the cache registered under name.
func (r *Registry) Lookup(name string) (*TTLCache, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caches[name]
	return c, ok
}

// CacheHandle implements diagnostics.CacheSource.
func (r *Registry) CacheHandle(name string) (diagnostics.CacheHandle, bool) {
	c, ok := r.Lookup(name)
	if !ok {
		return nil, false
	}
	return c, true
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SweepAll sweeps every registered cache and returns removals per name.
func (r *Registry) SweepAll() map[string]int {
	r.mu.RLock()
	caches := make(map[string]*TTLCache, len(r.caches))
	for name, c := range r.caches {
		caches[name] = c
	}
	r.mu.RUnlock()

	removed := make(map[string]int, len(caches))
	for name, c := range caches {
		removed[name] = c.Sweep()
	}
	return removed
}

// RunSweeper sweeps all caches every interval until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, n := range r.SweepAll() {
				if n > 0 {
					logger.Debug("swept expired cache entries",
						zap.String("cache", name),
						zap.Int("removed", n),
					)
				}
			}
		}
	}
}
