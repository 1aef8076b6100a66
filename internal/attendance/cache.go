package attendance

import (
	"context"
	"sync"
)

// SettingsCache is a read-through, write-through cache of OrgConfig keyed by organization.
type SettingsCache struct {
	store         Store
	defaultOffset int

	mu      sync.RWMutex
	entries map[string]OrgConfig
	writers map[string]*sync.Mutex

	// OnChange runs after every successful write. Used to broadcast invalidations
	// to other processes.
	OnChange func(ctx context.Context, orgID string)
}

// NewSettingsCache creates a cache whose defaults use utcOffsetMinutes.
func NewSettingsCache(store Store, utcOffsetMinutes int) *SettingsCache {
	return &SettingsCache{
		store:         store,
		defaultOffset: utcOffsetMinutes,
		entries:       make(map[string]OrgConfig),
		writers:       make(map[string]*sync.Mutex),
	}
}

// Get returns the organization's config, loading it with defaults merged on a miss.
func (c *SettingsCache) Get(ctx context.Context, orgID string) (OrgConfig, error) {
	c.mu.RLock()
	cfg, ok := c.entries[orgID]
	c.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	return c.Reload(ctx, orgID)
}

// Reload reads the store and replaces the cached entry.
func (c *SettingsCache) Reload(ctx context.Context, orgID string) (OrgConfig, error) {
	cfg := DefaultConfig(orgID, c.defaultOffset)
	if _, err := c.store.LoadConfig(ctx, orgID, &cfg); err != nil {
		return OrgConfig{}, err
	}
	c.mu.Lock()
	c.entries[orgID] = cfg
	c.mu.Unlock()
	return cfg, nil
}

func (c *SettingsCache) writer(orgID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.writers[orgID]
	if !ok {
		m = &sync.Mutex{}
		c.writers[orgID] = m
	}
	return m
}

// Update applies fn to the stored config and writes the result to the store and
// the cache. It starts from a fresh read so writes from other processes are not
// overwritten. Nothing is written when fn returns an error.
func (c *SettingsCache) Update(ctx context.Context, orgID string, fn func(*OrgConfig) error) (OrgConfig, error) {
	w := c.writer(orgID)
	w.Lock()
	defer w.Unlock()

	cfg, err := c.Reload(ctx, orgID)
	if err != nil {
		return OrgConfig{}, err
	}
	if err := fn(&cfg); err != nil {
		return OrgConfig{}, err
	}
	cfg.OrgID = orgID
	if err := c.store.PutConfig(ctx, cfg); err != nil {
		c.Invalidate(orgID)
		return OrgConfig{}, err
	}
	c.mu.Lock()
	c.entries[orgID] = cfg
	c.mu.Unlock()

	if c.OnChange != nil {
		c.OnChange(ctx, orgID)
	}
	return cfg, nil
}

// Delete removes every stored trace of the organization.
func (c *SettingsCache) Delete(ctx context.Context, orgID string) error {
	w := c.writer(orgID)
	w.Lock()
	defer w.Unlock()

	err := c.store.DeleteOrg(ctx, orgID)
	c.Invalidate(orgID)
	if err == nil && c.OnChange != nil {
		c.OnChange(ctx, orgID)
	}
	return err
}

// Invalidate drops the cached entry so the next Get reads the store.
func (c *SettingsCache) Invalidate(orgID string) {
	c.mu.Lock()
	delete(c.entries, orgID)
	c.mu.Unlock()
}
