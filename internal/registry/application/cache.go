package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	registry "equipwatch/internal/registry/domain"
)

// CachedRegistry serves equipment profile lookups from an in-memory cache
// backed by the system of record. Entries are whole-profile snapshots and
// are replaced, never mutated, so concurrent readers never observe a
// partially updated profile.
type CachedRegistry struct {
	source registry.ProfileSource
	logger *log.Logger

	mu    sync.RWMutex
	cache map[string]*registry.EquipmentProfile
}

// NewCachedRegistry constructs a registry cache.
func NewCachedRegistry(source registry.ProfileSource, logger *log.Logger) (*CachedRegistry, error) {
	if source == nil {
		return nil, errors.New("registry cache: nil profile source")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CachedRegistry{
		source: source,
		logger: logger,
		cache:  make(map[string]*registry.EquipmentProfile),
	}, nil
}

// Lookup returns the profile for an equipment id, fetching from the source
// on a cache miss. Unknown ids return ErrUnknownEquipment; source failures
// return ErrUnavailable so callers can retry.
func (c *CachedRegistry) Lookup(ctx context.Context, equipmentID string) (*registry.EquipmentProfile, error) {
	if c == nil {
		return nil, errors.New("registry cache: nil registry")
	}
	if equipmentID == "" {
		return nil, errors.New("registry cache: empty equipment id")
	}

	c.mu.RLock()
	profile, ok := c.cache[equipmentID]
	c.mu.RUnlock()
	if ok {
		return profile, nil
	}

	fetched, err := c.source.GetProfile(ctx, equipmentID)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownEquipment) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", registry.ErrUnavailable, err)
	}
	if fetched == nil {
		return nil, registry.ErrUnknownEquipment
	}
	if err := fetched.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[equipmentID] = fetched
	c.mu.Unlock()
	return fetched, nil
}

// Invalidate drops the cached entry for an equipment id. The next lookup
// refetches from the source.
func (c *CachedRegistry) Invalidate(equipmentID string) {
	if c == nil || equipmentID == "" {
		return
	}
	c.mu.Lock()
	_, ok := c.cache[equipmentID]
	delete(c.cache, equipmentID)
	c.mu.Unlock()
	if ok {
		c.logger.Printf("registry: invalidated profile cache for %s", equipmentID)
	}
}

// Size returns the number of cached profiles.
func (c *CachedRegistry) Size() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
