package accesscache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/resolver"
	"github.com/platinummonkey/gatehouse/pkg/stores"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(&bytes.Buffer{})
	return log
}

// fakeResolver serves a fixed profile and counts calls
type fakeResolver struct {
	mu        sync.Mutex
	stamps    access.Stamps
	tier      access.Tier
	orgID     string
	stampErr  error
	resolveFn func()
	resolves  atomic.Int32
}

func (f *fakeResolver) Resolve(ctx context.Context, userID, tenantID string) (*access.Resolution, error) {
	f.resolves.Add(1)
	if f.resolveFn != nil {
		f.resolveFn()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &access.Resolution{
		Profile: access.Profile{
			UserID:         userID,
			TenantID:       tenantID,
			OrganizationID: f.orgID,
			EffectiveTier:  f.tier,
			TenantRole:     access.RoleOwner,
			Stamps:         f.stamps,
		},
	}, nil
}

func (f *fakeResolver) Stamps(ctx context.Context, userID, tenantID string) (access.Stamps, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stamps, f.stampErr
}

func (f *fakeResolver) set(tier access.Tier, stamps access.Stamps) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tier = tier
	f.stamps = stamps
}

func newCache(r Resolver, metrics *observability.Metrics) *Cache {
	return New(r, access.NewStaticCatalog(access.DefaultCatalog()), DefaultConfig(), quietLogger(), metrics)
}

func TestCache_HitWhenStampsMatch(t *testing.T) {
	r := &fakeResolver{tier: access.TierStarter, stamps: access.Stamps{TierVersion: 1, RoleVersion: 1}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	c := newCache(r, metrics)
	ctx := context.Background()

	first, err := c.Get(ctx, "u", "t")
	require.NoError(t, err)
	second, err := c.Get(ctx, "u", "t")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), r.resolves.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheMissesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheHitsTotal))
}

func TestCache_RefreshOnStampChange(t *testing.T) {
	r := &fakeResolver{tier: access.TierStarter, stamps: access.Stamps{TierVersion: 1}}
	c := newCache(r, nil)
	ctx := context.Background()

	_, err := c.Get(ctx, "u", "t")
	require.NoError(t, err)

	r.set(access.TierEnterprise, access.Stamps{TierVersion: 2})
	got, err := c.Get(ctx, "u", "t")
	require.NoError(t, err)
	assert.Equal(t, access.TierEnterprise, got.EffectiveTier)
	assert.Equal(t, int32(2), r.resolves.Load())
}

func TestCache_StampErrorServesCachedEntry(t *testing.T) {
	r := &fakeResolver{tier: access.TierStarter, stamps: access.Stamps{TierVersion: 1}}
	c := newCache(r, nil)
	ctx := context.Background()

	first, err := c.Get(ctx, "u", "t")
	require.NoError(t, err)

	r.mu.Lock()
	r.stampErr = access.Unavailable("tiers", errors.New("timeout"))
	r.mu.Unlock()

	got, err := c.Get(ctx, "u", "t")
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Equal(t, int32(1), r.resolves.Load())
}

func TestCache_ExpiredEntryIsResolvedAgain(t *testing.T) {
	r := &fakeResolver{tier: access.TierStarter}
	c := New(r, access.NewStaticCatalog(access.DefaultCatalog()), Config{TTL: 20 * time.Millisecond, Size: 10}, quietLogger(), nil)
	ctx := context.Background()

	_, err := c.Get(ctx, "u", "t")
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = c.Get(ctx, "u", "t")
	require.NoError(t, err)
	assert.Equal(t, int32(2), r.resolves.Load())
}

func TestCache_OlderStampsNeverOverwriteNewer(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	c := newCache(&fakeResolver{}, metrics)
	k := key{userID: "u", tenantID: "t"}

	newer := &access.ResolvedAccessContext{Profile: access.Profile{Stamps: access.Stamps{TierVersion: 5, RoleVersion: 5}}}
	older := &access.ResolvedAccessContext{Profile: access.Profile{Stamps: access.Stamps{TierVersion: 4, RoleVersion: 5}}}

	epoch := c.epoch.Load()
	assert.Same(t, newer, c.store(k, newer, epoch))
	assert.Same(t, newer, c.store(k, older, epoch))

	got, ok := c.Peek("u", "t")
	require.True(t, ok)
	assert.Same(t, newer, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheStaleWritesTotal))
}

func TestCache_ResolutionStraddlingInvalidationIsNotStored(t *testing.T) {
	r := &fakeResolver{tier: access.TierStarter}
	c := newCache(r, nil)
	r.resolveFn = func() { c.InvalidateTenant("t") }

	got, err := c.Get(context.Background(), "u", "t")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Zero(t, c.Len())
}

func TestCache_ConcurrentMissesShareOneResolution(t *testing.T) {
	release := make(chan struct{})
	r := &fakeResolver{tier: access.TierStarter}
	r.resolveFn = func() { <-release }
	c := newCache(r, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "u", "t")
			assert.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), r.resolves.Load())
}

// gatedResolver reads the tier when a resolution starts and holds the first
// resolution open until released
type gatedResolver struct {
	*fakeResolver
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedResolver) Resolve(ctx context.Context, userID, tenantID string) (*access.Resolution, error) {
	res, err := g.fakeResolver.Resolve(ctx, userID, tenantID)
	if g.calls.Add(1) == 1 {
		close(g.started)
		<-g.release
	}
	return res, err
}

func TestCache_CallerAfterInvalidationDoesNotJoinOlderResolution(t *testing.T) {
	r := &gatedResolver{
		fakeResolver: &fakeResolver{tier: access.TierTrial, stamps: access.Stamps{TierVersion: 1}},
		started:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	c := newCache(r, nil)
	ctx := context.Background()

	type result struct {
		rac *access.ResolvedAccessContext
		err error
	}
	firstDone := make(chan result, 1)
	go func() {
		rac, err := c.Get(ctx, "u", "t")
		firstDone <- result{rac, err}
	}()
	<-r.started

	r.set(access.TierEnterprise, access.Stamps{TierVersion: 2})
	c.InvalidateTenant("t")

	second, err := c.Get(ctx, "u", "t")
	require.NoError(t, err)
	assert.Equal(t, access.TierEnterprise, second.EffectiveTier)
	assert.Equal(t, int64(2), second.Stamps.TierVersion)

	close(r.release)
	first := <-firstDone
	require.NoError(t, first.err)
	assert.Equal(t, access.TierTrial, first.rac.EffectiveTier)

	cached, ok := c.Peek("u", "t")
	require.True(t, ok)
	assert.Equal(t, access.TierEnterprise, cached.EffectiveTier)
	assert.Equal(t, int32(2), r.calls.Load())
}

func TestCache_Invalidation(t *testing.T) {
	r := &fakeResolver{tier: access.TierStarter, orgID: "org-1"}
	c := newCache(r, nil)
	ctx := context.Background()

	fill := func() {
		c.Purge()
		for _, pair := range [][2]string{{"u1", "t1"}, {"u1", "t2"}, {"u2", "t1"}} {
			_, err := c.Get(ctx, pair[0], pair[1])
			require.NoError(t, err)
		}
		require.Equal(t, 3, c.Len())
	}

	fill()
	c.InvalidateUser("u1")
	assert.Equal(t, 1, c.Len())

	fill()
	c.InvalidateTenant("t1")
	assert.Equal(t, 1, c.Len())

	fill()
	c.InvalidatePair("u2", "t1")
	assert.Equal(t, 2, c.Len())

	fill()
	c.Apply(Invalidation{Scope: ScopeOrganization, OrganizationID: "org-1"})
	assert.Zero(t, c.Len())

	fill()
	c.Apply(Invalidation{Scope: "bogus"})
	assert.Equal(t, 3, c.Len())
}

func TestCache_NotFoundIsNotCached(t *testing.T) {
	mem := stores.NewMemory()
	c := newCache(resolver.New(mem, mem, mem, quietLogger(), nil), nil)

	_, err := c.Get(context.Background(), "ghost", "t")
	assert.ErrorIs(t, err, access.ErrNotFound)
	assert.Zero(t, c.Len())
}

// TestCache_FreshnessUnderConcurrentWriters interleaves tier and role writes
// with readers. Once writers stop, every read reflects the final state.
func TestCache_FreshnessUnderConcurrentWriters(t *testing.T) {
	mem := stores.NewMemory()
	mem.PutUser("u", access.PlatformNone)
	mem.PutTenant(stores.Tenant{ID: "t", OwnerUserID: "u"}, access.TierTrial)
	mem.Grant("u", stores.ScopeTenant, "t", access.RoleViewer)

	c := newCache(resolver.New(mem, mem, mem, quietLogger(), nil), nil)
	ctx, cancel := context.WithCancel(context.Background())

	var readers sync.WaitGroup
	for i := 0; i < 8; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for ctx.Err() == nil {
				_, err := c.Get(context.Background(), "u", "t")
				assert.NoError(t, err)
			}
		}()
	}

	tiers := access.Tiers()
	roles := []access.Role{access.RoleViewer, access.RoleMember, access.RoleAdmin, access.RoleOwner}
	for i := 0; i < 200; i++ {
		require.NoError(t, mem.SetTenantTier("t", tiers[i%len(tiers)]))
		mem.Grant("u", stores.ScopeTenant, "t", roles[i%len(roles)])
	}
	require.NoError(t, mem.SetTenantTier("t", access.TierEnterprise))
	mem.Grant("u", stores.ScopeTenant, "t", access.RoleOwner)

	cancel()
	readers.Wait()

	for i := 0; i < 5; i++ {
		got, err := c.Get(context.Background(), "u", "t")
		require.NoError(t, err)
		assert.Equal(t, access.TierEnterprise, got.EffectiveTier, fmt.Sprintf("read %d", i))
		assert.Equal(t, access.RoleOwner, got.TenantRole)
		assert.True(t, got.Feature("advanced_reports", access.PermissionView).Allowed)
	}
}
