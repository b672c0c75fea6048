// Package cache provides a two-tier read cache: a small in-process LRU in
// front of a shared remote key-value store. Reads fall through local, remote,
// then the loader; loads populate both tiers.
package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/crypto/blake2s"
)

// DefaultTTL applies when a caller passes a zero TTL.
const DefaultTTL = 5 * time.Minute

// RemoteKV is the shared second tier. Implementations must be safe for
// concurrent use.
type RemoteKV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// DeletePattern removes every key matching a glob pattern, returning the
	// number of keys removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	Close() error
}

// Loader produces a value on cache miss.
type Loader func(ctx context.Context) (interface{}, error)

// DefaultMaxLocalEntries bounds the in-process tier when the config does not
// say otherwise. The local tier holds hot query results only; the remote tier
// is the shared capacity.
const DefaultMaxLocalEntries = 1000

// Config tunes the cache tiers.
type Config struct {
	// MaxLocalEntries bounds the in-process tier. Defaults to
	// DefaultMaxLocalEntries.
	MaxLocalEntries int64

	// LocalTTL bounds local residency independent of the remote TTL so a
	// process never serves entries the remote tier already dropped.
	LocalTTL time.Duration

	Logger hclog.Logger
}

// Stats reports hit counters per tier.
type Stats struct {
	LocalHits    uint64 `json:"localHits"`
	RemoteHits   uint64 `json:"remoteHits"`
	Misses       uint64 `json:"misses"`
	Loads        uint64 `json:"loads"`
	LoadFailures uint64 `json:"loadFailures"`
}

// Cache is the two-tier cache. A nil remote tier degrades to local-only.
type Cache struct {
	local  *ristretto.Cache[string, []byte]
	remote RemoteKV
	ttl    time.Duration
	logger hclog.Logger

	mu    sync.Mutex
	stats Stats
}

// New builds the cache. remote may be nil.
func New(cfg Config, remote RemoteKV) (*Cache, error) {
	if cfg.MaxLocalEntries == 0 {
		cfg.MaxLocalEntries = DefaultMaxLocalEntries
	}
	if cfg.LocalTTL == 0 {
		cfg.LocalTTL = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	local, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: cfg.MaxLocalEntries * 10,
		MaxCost:     cfg.MaxLocalEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache: %w", err)
	}

	return &Cache{
		local:  local,
		remote: remote,
		ttl:    cfg.LocalTTL,
		logger: cfg.Logger.Named("cache"),
	}, nil
}

// Get returns the raw cached bytes for key, checking local then remote.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := c.local.Get(key); ok {
		c.count(func(s *Stats) { s.LocalHits++ })
		return v, true
	}
	if c.remote != nil {
		v, ok, err := c.remote.Get(ctx, key)
		if err != nil {
			c.logger.Warn("remote cache read failed", "key", key, "error", err)
		} else if ok {
			c.count(func(s *Stats) { s.RemoteHits++ })
			c.local.SetWithTTL(key, v, 1, c.ttl)
			return v, true
		}
	}
	c.count(func(s *Stats) { s.Misses++ })
	return nil, false
}

// Set writes value into both tiers.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	localTTL := c.ttl
	if ttl < localTTL {
		localTTL = ttl
	}
	c.local.SetWithTTL(key, value, 1, localTTL)
	if c.remote != nil {
		if err := c.remote.Set(ctx, key, value, ttl); err != nil {
			c.logger.Warn("remote cache write failed", "key", key, "error", err)
		}
	}
}

// GetOrLoad returns the cached JSON value for key, invoking loader on miss
// and storing the result. dest receives the decoded value.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, dest interface{}, loader Loader) error {
	if raw, ok := c.Get(ctx, key); ok {
		if err := json.Unmarshal(raw, dest); err == nil {
			return nil
		}
		// Undecodable entry: treat as a miss and overwrite below.
		c.logger.Warn("evicting corrupt cache entry", "key", key)
	}

	c.count(func(s *Stats) { s.Loads++ })
	value, err := loader(ctx)
	if err != nil {
		c.count(func(s *Stats) { s.LoadFailures++ })
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	c.Set(ctx, key, raw, ttl)
	return json.Unmarshal(raw, dest)
}

// Invalidate removes exact keys from both tiers.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	for _, k := range keys {
		c.local.Del(k)
	}
	if c.remote != nil {
		if err := c.remote.Delete(ctx, keys...); err != nil {
			c.logger.Warn("remote cache delete failed", "error", err)
		}
	}
}

// InvalidatePattern removes every key matching a glob pattern. The local tier
// cannot enumerate keys, so it is cleared wholesale; the remote tier deletes
// selectively.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) int {
	c.local.Clear()
	if c.remote == nil {
		return 0
	}
	n, err := c.remote.DeletePattern(ctx, pattern)
	if err != nil {
		c.logger.Warn("remote cache pattern delete failed", "pattern", pattern, "error", err)
		return 0
	}
	return n
}

// InvalidateBranch drops every cached entry scoped to a branch.
func (c *Cache) InvalidateBranch(ctx context.Context, branch string) int {
	return c.InvalidatePattern(ctx, "*:"+branch+":*")
}

// Stats returns a snapshot of the hit counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close releases both tiers.
func (c *Cache) Close() error {
	c.local.Close()
	if c.remote != nil {
		return c.remote.Close()
	}
	return nil
}

func (c *Cache) count(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

// Key builds a namespaced cache key: "<prefix>:<branch>:<hash>", where the
// hash digests the sorted parameters so equivalent queries share an entry.
func Key(prefix, branch string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, k := range names {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
		b.WriteByte(';')
	}
	sum := blake2s.Sum256([]byte(b.String()))
	return prefix + ":" + branch + ":" + hex.EncodeToString(sum[:8])
}
