package schema

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/querypilot/querypilot/internal/observability"
)

const DefaultTTL = 30 * time.Minute

// Cache memoizes snapshots per (prefix, maxTables) key. Concurrent
// misses for the same key are coalesced into a single introspection.
type Cache struct {
	source Introspector
	ttl    time.Duration
	store  *gocache.Cache
	group  singleflight.Group
	logger *slog.Logger
}

func NewCache(source Introspector, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		source: source,
		ttl:    ttl,
		store:  gocache.New(ttl, 2*ttl),
		logger: logger,
	}
}

func (c *Cache) Snapshot(ctx context.Context, tablePrefix string, maxTables int) (Snapshot, error) {
	key := cacheKey(tablePrefix, maxTables)
	if cached, ok := c.store.Get(key); ok {
		observability.CountSchemaCacheEvent("hit")
		return cached.(Snapshot), nil
	}
	observability.CountSchemaCacheEvent("miss")

	value, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent caller may have refreshed while we waited.
		if cached, ok := c.store.Get(key); ok {
			return cached.(Snapshot), nil
		}
		snapshot, err := c.source.Snapshot(ctx, tablePrefix, maxTables)
		if err != nil {
			return Snapshot{}, err
		}
		c.store.Set(key, snapshot, c.ttl)
		observability.CountSchemaCacheEvent("refresh")
		c.logger.Info("schema cache refreshed",
			slog.String("prefix", tablePrefix),
			slog.Int("max_tables", maxTables),
			slog.Int("tables", len(snapshot.Tables)),
			slog.Int("source_tables", snapshot.SourceTableCount),
		)
		return snapshot, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return value.(Snapshot), nil
}

// Invalidate drops every cached snapshot. The next request per key
// triggers a fresh introspection.
func (c *Cache) Invalidate() {
	c.store.Flush()
	observability.CountSchemaCacheEvent("invalidate")
}

func cacheKey(tablePrefix string, maxTables int) string {
	return fmt.Sprintf("%s|%d", tablePrefix, maxTables)
}
