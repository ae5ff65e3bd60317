package authz

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheTTL bounds how long a cached decision may be served.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultAutoRefreshInterval drives the periodic background refresh.
	DefaultAutoRefreshInterval = 30 * time.Minute
)

// CacheMetrics receives cache lifecycle signals. Implemented by
// observability.Metrics; a nil value disables instrumentation.
type CacheMetrics interface {
	CacheHit()
	CacheMiss()
	CacheRefresh(success bool)
}

// Cache memoizes authorization decisions per user and operation with
// TTL-based expiry. Entries are plain booleans; there is no pending state.
// Concurrent GetOrCompute calls for the same key may race and recompute,
// last write wins. Refreshes against the backend are deduplicated per user
// via singleflight so concurrent callers share one network fetch.
type Cache struct {
	mu     sync.RWMutex
	values map[string]bool
	stamps map[string]time.Time

	ttl     time.Duration
	source  PermissionSource
	logger  *slog.Logger
	metrics CacheMetrics
	now     func() time.Time

	refreshGroup singleflight.Group
}

// CacheOption customizes Cache construction.
type CacheOption func(*Cache)

// WithTTL overrides the entry lifetime.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock injects the time source used for stamping and expiry.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCacheMetrics attaches cache instrumentation.
func WithCacheMetrics(m CacheMetrics) CacheOption {
	return func(c *Cache) {
		c.metrics = m
	}
}

// NewCache constructs a Cache backed by the given permission source. The
// source may be nil, in which case refresh and server validation degrade to
// table-driven evaluation.
func NewCache(source PermissionSource, logger *slog.Logger, opts ...CacheOption) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		values: make(map[string]bool),
		stamps: make(map[string]time.Time),
		ttl:    DefaultCacheTTL,
		source: source,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// cacheKey builds the composite (userID, operation, argument signature) key.
// Arguments are JSON-serialized so the signature is stable across calls.
func cacheKey(userID, op string, args ...string) string {
	sig, _ := json.Marshal(args)
	return userKeyPrefix(userID) + op + "|" + string(sig)
}

// userKeyPrefix quotes the userID before joining so an opaque backend ID
// containing the separator cannot alias another user's prefix.
func userKeyPrefix(userID string) string {
	return strconv.Quote(userID) + "|"
}

// GetOrCompute returns the cached value for key when present and within TTL,
// otherwise invokes compute and stores its result with the current
// timestamp. Errors from compute are returned without storing anything.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (bool, error)) (bool, error) {
	c.mu.RLock()
	stamp, ok := c.stamps[key]
	value, present := c.values[key]
	c.mu.RUnlock()
	if ok && present && c.now().Sub(stamp) < c.ttl {
		if c.metrics != nil {
			c.metrics.CacheHit()
		}
		return value, nil
	}
	if c.metrics != nil {
		c.metrics.CacheMiss()
	}
	result, err := compute(ctx)
	if err != nil {
		return false, err
	}
	c.store(key, result)
	return result, nil
}

func (c *Cache) store(key string, value bool) {
	now := c.now()
	c.mu.Lock()
	c.values[key] = value
	c.stamps[key] = now
	c.mu.Unlock()
}

// HasPermission answers a permission check through the cache, delegating to
// the table-driven evaluator on miss.
func (c *Cache) HasPermission(ctx context.Context, user *User, perm Permission) bool {
	if user == nil {
		return false
	}
	result, _ := c.GetOrCompute(ctx, cacheKey(user.ID, "hasPermission", string(perm)), func(context.Context) (bool, error) {
		return HasPermission(user.Role, perm), nil
	})
	return result
}

// CanAccessRoute answers a route check through the cache.
func (c *Cache) CanAccessRoute(ctx context.Context, user *User, path string) bool {
	if user == nil {
		return false
	}
	result, _ := c.GetOrCompute(ctx, cacheKey(user.ID, "canAccessRoute", path), func(context.Context) (bool, error) {
		return CanAccessRoute(user.Role, path), nil
	})
	return result
}

// CanAccessResource answers a scoped resource check through the cache.
func (c *Cache) CanAccessResource(ctx context.Context, user *User, perm Permission, userScope, resourceScope Scope) bool {
	if user == nil {
		return false
	}
	key := cacheKey(user.ID, "canAccessResource", string(perm), string(userScope), string(resourceScope))
	result, _ := c.GetOrCompute(ctx, key, func(context.Context) (bool, error) {
		return CanAccessResource(user.Role, perm, userScope, resourceScope), nil
	})
	return result
}

// RefreshPermissions replaces the user's cached entries with the backend's
// authoritative view: clear, fetch, pre-populate granted permissions, then
// pre-warm route answers from the local table. Concurrent callers for the
// same user await a single in-flight refresh. Failures are logged and
// swallowed; subsequent accesses fall back to table-driven evaluation.
func (c *Cache) RefreshPermissions(ctx context.Context, user *User) {
	if user == nil || c.source == nil {
		return
	}
	_, err, _ := c.refreshGroup.Do(user.ID, func() (interface{}, error) {
		c.ClearUserCache(user.ID)
		perms, err := c.source.FetchPermissions(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		now := c.now()
		c.mu.Lock()
		for _, p := range perms {
			key := cacheKey(user.ID, "hasPermission", string(p))
			c.values[key] = true
			c.stamps[key] = now
		}
		for _, route := range KnownRoutes() {
			key := cacheKey(user.ID, "canAccessRoute", route)
			c.values[key] = CanAccessRoute(user.Role, route)
			c.stamps[key] = now
		}
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.CacheRefresh(false)
		}
		c.logger.Warn("permission refresh failed, serving table-driven answers",
			slog.String("user_id", user.ID), slog.Any("error", err))
		return
	}
	if c.metrics != nil {
		c.metrics.CacheRefresh(true)
	}
}

// CheckMultiplePermissions fans out independent permission checks
// concurrently and assembles the result map. Each check is isolated: a panic
// in one records false for that permission and leaves the others intact.
func (c *Cache) CheckMultiplePermissions(ctx context.Context, user *User, perms []Permission) map[Permission]bool {
	results := make(map[Permission]bool, len(perms))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, perm := range perms {
		wg.Add(1)
		go func(perm Permission) {
			defer wg.Done()
			allowed := false
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Error("permission check panicked",
							slog.String("permission", string(perm)), slog.Any("panic", r))
					}
				}()
				allowed = c.HasPermission(ctx, user, perm)
			}()
			mu.Lock()
			results[perm] = allowed
			mu.Unlock()
		}(perm)
	}
	wg.Wait()
	return results
}

// ValidatePermissionWithServer bypasses the cache for a single authoritative
// answer. A backend failure falls back to the local table and never
// propagates upward.
func (c *Cache) ValidatePermissionWithServer(ctx context.Context, user *User, perm Permission) bool {
	if user == nil {
		return false
	}
	if c.source == nil {
		return HasPermission(user.Role, perm)
	}
	valid, err := c.source.ValidatePermission(ctx, user.ID, perm)
	if err != nil {
		c.logger.Warn("server-side permission validation failed, using local table",
			slog.String("user_id", user.ID), slog.String("permission", string(perm)), slog.Any("error", err))
		return HasPermission(user.Role, perm)
	}
	return valid
}

// SetupAutoRefresh starts a periodic background refresh for the user and
// returns a stop function. Per-tick failures are already swallowed by
// RefreshPermissions so the ticker keeps running.
func (c *Cache) SetupAutoRefresh(user *User, interval time.Duration) func() {
	if interval <= 0 {
		interval = DefaultAutoRefreshInterval
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.RefreshPermissions(context.Background(), user)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

// ClearUserCache removes every entry keyed under the given user.
func (c *Cache) ClearUserCache(userID string) {
	prefix := userKeyPrefix(userID)
	c.mu.Lock()
	for key := range c.values {
		if strings.HasPrefix(key, prefix) {
			delete(c.values, key)
			delete(c.stamps, key)
		}
	}
	c.mu.Unlock()
}

// ClearAllCache empties the cache.
func (c *Cache) ClearAllCache() {
	c.mu.Lock()
	c.values = make(map[string]bool)
	c.stamps = make(map[string]time.Time)
	c.mu.Unlock()
}
