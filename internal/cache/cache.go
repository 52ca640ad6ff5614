package cache

import (
	"context"
	"sync"
	"time"

	"github.com/fivegen/aquariuslocation/pkg/core"
)

// AnyProvider is the key under which the newest fix of any provider is kept.
const AnyProvider = "any"

// LastKnown remembers the most recent fix per provider so a new session can
// report a position before its first live fix. Implementations also serve
// as history sinks.
type LastKnown interface {
	Name() string
	Get(ctx context.Context, provider string) (core.Fix, bool, error)
	WriteFix(ctx context.Context, f core.Fix) error
	Clear(ctx context.Context) error
}

// Fresh reports whether f is no older than maxAge at now. A zero maxAge
// accepts any age.
func Fresh(f core.Fix, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		return true
	}
	return now.Sub(f.ObservedAt) <= maxAge
}

// LocationCache is the in-process LastKnown.
type LocationCache struct {
	m     sync.Mutex
	fixes map[string]core.Fix
}

// NewLocationCache creates an empty in-process cache.
func NewLocationCache() *LocationCache {
	return &LocationCache{fixes: make(map[string]core.Fix)}
}

func (c *LocationCache) Name() string {
	return "memory-cache"
}

func (c *LocationCache) Get(_ context.Context, provider string) (core.Fix, bool, error) {
	c.m.Lock()
	defer c.m.Unlock()
	f, ok := c.fixes[provider]
	return f, ok, nil
}

// WriteFix keeps f when it is newer than what is cached for its provider.
func (c *LocationCache) WriteFix(_ context.Context, f core.Fix) error {
	c.m.Lock()
	defer c.m.Unlock()
	for _, key := range keysFor(f) {
		if prev, ok := c.fixes[key]; ok && prev.ObservedAt.After(f.ObservedAt) {
			continue
		}
		c.fixes[key] = f
	}
	return nil
}

func (c *LocationCache) Clear(context.Context) error {
	c.m.Lock()
	defer c.m.Unlock()
	c.fixes = make(map[string]core.Fix)
	return nil
}

func keysFor(f core.Fix) []string {
	if f.Provider == "" || f.Provider == AnyProvider {
		return []string{AnyProvider}
	}
	return []string{f.Provider, AnyProvider}
}
