package accesscache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

const (
	// DefaultTTL bounds how long an entry lives without a stamp mismatch
	DefaultTTL = 3 * time.Minute
	// DefaultSize is the maximum number of cached pairs
	DefaultSize = 10000
)

// Resolver is the slow path behind the cache
type Resolver interface {
	Resolve(ctx context.Context, userID, tenantID string) (*access.Resolution, error)
	Stamps(ctx context.Context, userID, tenantID string) (access.Stamps, error)
}

// Config configures the cache
type Config struct {
	TTL  time.Duration
	Size int
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{TTL: DefaultTTL, Size: DefaultSize}
}

type key struct {
	userID   string
	tenantID string
}

func (k key) String() string {
	return k.userID + "\x00" + k.tenantID
}

// Cache holds resolved access contexts
type Cache struct {
	resolver Resolver
	catalog  access.CatalogSource
	entries  *lru.LRU[key, *access.ResolvedAccessContext]
	group    singleflight.Group
	log      *logrus.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	// mu serializes compare-and-store against invalidation
	mu sync.Mutex
	// epoch moves on every invalidation; a resolution that straddles one is
	// returned to its caller but not stored
	epoch atomic.Uint64
}

// New creates a cache in front of resolver. log and metrics may be nil.
func New(resolver Resolver, catalog access.CatalogSource, cfg Config, log *logrus.Logger, metrics *observability.Metrics) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if log == nil {
		log = logrus.New()
	}
	return &Cache{
		resolver: resolver,
		catalog:  catalog,
		entries:  lru.NewLRU[key, *access.ResolvedAccessContext](cfg.Size, nil, cfg.TTL),
		log:      log,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Get returns the access context for the pair, resolving it when missing,
// expired or stale
func (c *Cache) Get(ctx context.Context, userID, tenantID string) (*access.ResolvedAccessContext, error) {
	k := key{userID: userID, tenantID: tenantID}

	if cached, ok := c.entries.Get(k); ok {
		stamps, err := c.resolver.Stamps(ctx, userID, tenantID)
		switch {
		case err != nil && !errors.Is(err, access.ErrNotFound):
			// the entry is still within its TTL
			c.metrics.RecordCacheRefresh("stamp_error")
			c.log.WithError(err).WithFields(logrus.Fields{
				"user_id":   userID,
				"tenant_id": tenantID,
			}).Warn("Stamp check failed, serving cached access context")
			return cached, nil
		case err == nil && stamps == cached.Stamps:
			c.metrics.RecordCacheHit()
			return cached, nil
		}
		c.metrics.RecordCacheRefresh("stamp")
	} else {
		c.metrics.RecordCacheMiss()
	}

	return c.load(ctx, k)
}

// load resolves the pair once per epoch. The flight key carries the epoch so a
// caller arriving after an invalidation never joins a resolution that started
// before it.
func (c *Cache) load(ctx context.Context, k key) (*access.ResolvedAccessContext, error) {
	epoch := c.epoch.Load()
	flight := k.String() + "\x00" + strconv.FormatUint(epoch, 10)
	v, err, _ := c.group.Do(flight, func() (interface{}, error) {
		res, err := c.resolver.Resolve(ctx, k.userID, k.tenantID)
		if err != nil {
			if errors.Is(err, access.ErrNotFound) {
				c.remove(k)
			}
			return nil, err
		}
		built := access.BuildContext(c.catalog.Catalog(), res, c.now())
		return c.store(k, built, epoch), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*access.ResolvedAccessContext), nil
}

// store writes the context unless a strictly newer one is already cached.
// It returns whichever context the caller should use.
func (c *Cache) store(k key, v *access.ResolvedAccessContext, epoch uint64) *access.ResolvedAccessContext {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch.Load() != epoch {
		return v
	}
	if existing, ok := c.entries.Peek(k); ok && v.Stamps.Before(existing.Stamps) {
		c.metrics.RecordStaleWrite()
		return existing
	}
	c.entries.Add(k, v)
	return v
}

func (c *Cache) remove(k key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(k)
}

// Peek returns a cached entry without checking stamps
func (c *Cache) Peek(userID, tenantID string) (*access.ResolvedAccessContext, bool) {
	return c.entries.Peek(key{userID: userID, tenantID: tenantID})
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	return c.entries.Len()
}

// InvalidatePair drops one entry
func (c *Cache) InvalidatePair(userID, tenantID string) {
	c.invalidate(ScopePair, func(k key, _ *access.ResolvedAccessContext) bool {
		return k.userID == userID && k.tenantID == tenantID
	})
}

// InvalidateUser drops every entry for a user, after a platform role change
// or a grant on an organization
func (c *Cache) InvalidateUser(userID string) {
	c.invalidate(ScopeUser, func(k key, _ *access.ResolvedAccessContext) bool {
		return k.userID == userID
	})
}

// InvalidateTenant drops every entry on a tenant, after a tier change or a
// transfer
func (c *Cache) InvalidateTenant(tenantID string) {
	c.invalidate(ScopeTenant, func(k key, _ *access.ResolvedAccessContext) bool {
		return k.tenantID == tenantID
	})
}

// InvalidateOrganization drops every entry whose profile came from the
// organization
func (c *Cache) InvalidateOrganization(orgID string) {
	c.invalidate(ScopeOrganization, func(_ key, v *access.ResolvedAccessContext) bool {
		return v.OrganizationID == orgID
	})
}

// Purge drops everything, e.g. after the catalog changed
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch.Add(1)
	c.entries.Purge()
	c.metrics.RecordInvalidation(string(ScopeAll))
}

func (c *Cache) invalidate(scope Scope, match func(key, *access.ResolvedAccessContext) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch.Add(1)
	for _, k := range c.entries.Keys() {
		v, ok := c.entries.Peek(k)
		if ok && match(k, v) {
			c.entries.Remove(k)
		}
	}
	c.metrics.RecordInvalidation(string(scope))
}

// Apply executes an invalidation, typically one received from the bus
func (c *Cache) Apply(inv Invalidation) {
	switch inv.Scope {
	case ScopePair:
		c.InvalidatePair(inv.UserID, inv.TenantID)
	case ScopeUser:
		c.InvalidateUser(inv.UserID)
	case ScopeTenant:
		c.InvalidateTenant(inv.TenantID)
	case ScopeOrganization:
		c.InvalidateOrganization(inv.OrganizationID)
	case ScopeAll:
		c.Purge()
	default:
		c.log.WithField("scope", inv.Scope).Warn("Ignoring invalidation with unknown scope")
	}
}
