package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	mergeerrors "github.com/devrev/pairdb/splitbrain/internal/errors"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// Config selects a policy by name with optional parameters
type Config struct {
	Name   string            `mapstructure:"name" yaml:"name"`
	Params map[string]string `mapstructure:"params" yaml:"params,omitempty"`
}

// cacheKey is stable for equal configs regardless of map order
func (c Config) cacheKey() string {
	if len(c.Params) == 0 {
		return c.Name
	}
	keys := make([]string, 0, len(c.Params))
	for k := range c.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(c.Name)
	for _, k := range keys {
		fmt.Fprintf(&b, ";%s=%s", k, c.Params[k])
	}
	return b.String()
}

// Factory builds a policy instance from its config
type Factory[K comparable, V any] func(cfg Config) (MergePolicy[K, V], error)

// Provider resolves policy configs to shared policy instances
type Provider[K comparable, V any] struct {
	mu        sync.RWMutex
	factories map[string]Factory[K, V]
	cache     *lru.Cache
	logger    *zap.Logger
}

// NewProvider creates a provider with the built-in policies registered
func NewProvider[K comparable, V any](cacheSize int, logger *zap.Logger) (*Provider[K, V], error) {
	if cacheSize <= 0 {
		cacheSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy cache: %w", err)
	}

	p := &Provider[K, V]{
		factories: make(map[string]Factory[K, V]),
		cache:     cache,
		logger:    logger,
	}
	registerBuiltins(p)
	return p, nil
}

func registerBuiltins[K comparable, V any](p *Provider[K, V]) {
	stateless := func(policy MergePolicy[K, V]) Factory[K, V] {
		return func(Config) (MergePolicy[K, V], error) { return policy, nil }
	}
	p.Register(PassThroughName, stateless(PassThrough[K, V]{}))
	p.Register(PutIfAbsentName, stateless(PutIfAbsent[K, V]{}))
	p.Register(DiscardName, stateless(Discard[K, V]{}))
	p.Register(HigherHitsName, stateless(HigherHits[K, V]{}))
	p.Register(LatestAccessName, stateless(LatestAccess[K, V]{}))
	p.Register(LatestUpdateName, stateless(LatestUpdate[K, V]{}))
	p.Register(HigherVersionName, stateless(HigherVersion[K, V]{}))
	p.Register(ExpirationTimeName, stateless(ExpirationTime[K, V]{}))
}

// Register adds or replaces a factory. Cached instances of that name are dropped.
func (p *Provider[K, V]) Register(name string, factory Factory[K, V]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[name] = factory

	for _, key := range p.cache.Keys() {
		if k, ok := key.(string); ok && (k == name || strings.HasPrefix(k, name+";")) {
			p.cache.Remove(key)
		}
	}
}

// Names lists registered policy names
func (p *Provider[K, V]) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.factories))
	for name := range p.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the policy instance for cfg, building it on first use
func (p *Provider[K, V]) Get(cfg Config) (MergePolicy[K, V], error) {
	if cfg.Name == "" {
		return nil, mergeerrors.InvalidArgument("merge policy name is empty", nil)
	}
	key := cfg.cacheKey()
	if cached, ok := p.cache.Get(key); ok {
		return cached.(MergePolicy[K, V]), nil
	}

	p.mu.RLock()
	factory, ok := p.factories[cfg.Name]
	p.mu.RUnlock()
	if !ok {
		return nil, mergeerrors.InvalidArgument(fmt.Sprintf("unknown merge policy %q", cfg.Name), nil).
			WithDetail("policy", cfg.Name)
	}

	policy, err := factory(cfg)
	if err != nil {
		return nil, mergeerrors.InvalidArgument(fmt.Sprintf("cannot build merge policy %q", cfg.Name), err)
	}

	// Another goroutine may have built the same config; keep the first instance.
	if prev, found, _ := p.cache.PeekOrAdd(key, policy); found {
		return prev.(MergePolicy[K, V]), nil
	}

	p.logger.Debug("Merge policy created", zap.String("policy", key))
	return policy, nil
}
