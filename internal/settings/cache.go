// Package settings provides a bounded-staleness cache over the settings store.
package settings

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chainstream/internal/store"
)

// Source is the subset of the settings store the cache reads.
type Source interface {
	AllSettings(ctx context.Context) (map[string]string, error)
}

// Cache holds a snapshot of all settings refreshed on a fixed interval.
// Readers only see the in-memory snapshot, so a value written to the store
// becomes visible within one refresh interval.
type Cache struct {
	source   Source
	interval time.Duration
	logger   zerolog.Logger

	mu        sync.RWMutex
	values    map[string]string
	refreshed time.Time
}

// NewCache creates a settings cache.
func NewCache(source Source, interval time.Duration, logger zerolog.Logger) *Cache {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Cache{
		source:   source,
		interval: interval,
		logger:   logger.With().Str("component", "settings").Logger(),
		values:   make(map[string]string),
	}
}

// Refresh reloads the snapshot from the store. On failure the previous
// snapshot is kept.
func (c *Cache) Refresh(ctx context.Context) error {
	values, err := c.source.AllSettings(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Settings refresh failed, keeping previous values")
		return err
	}
	c.mu.Lock()
	c.values = values
	c.refreshed = time.Now()
	c.mu.Unlock()
	return nil
}

// Run refreshes the cache until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}

// Set updates the snapshot locally so the writer sees its own change
// before the next refresh.
func (c *Cache) Set(key, value string) {
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
}

// Get returns the raw value for key.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Float returns key as a float64, or def when missing or not numeric.
func (c *Cache) Float(key string, def float64) float64 {
	v, ok := c.Get(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

// RefreshedAt returns the time of the last successful refresh.
func (c *Cache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshed
}

// BidBalance returns the per-underlying bid balance, default 0.
func (c *Cache) BidBalance(underlying string) float64 {
	return c.Float(store.UnderlyingKey(store.SettingBidBalance, underlying), 0)
}

// Multiplier returns the per-underlying sell value multiplier, default 1.
func (c *Cache) Multiplier(underlying string) float64 {
	return c.Float(store.UnderlyingKey(store.SettingMultiplier, underlying), 1)
}

// VolatilityOverride returns the annualized volatility override for an
// underlying. ok is false unless a positive value is set.
func (c *Cache) VolatilityOverride(underlying string) (float64, bool) {
	v := c.Float(store.UnderlyingKey(store.SettingVolatility, underlying), 0)
	return v, v > 0
}

// SdMultiplier returns the stored SD multiplier, or def.
func (c *Cache) SdMultiplier(def float64) float64 {
	v := c.Float(store.SettingSdMultiplier, def)
	if v <= 0 {
		return def
	}
	return v
}
