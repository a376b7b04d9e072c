package resolver

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/stores"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(&bytes.Buffer{})
	return log
}

func newResolver(mem *stores.Memory) *Resolver {
	return New(mem, mem, mem, quietLogger(), nil)
}

// chain builds an organization with a hero and one member location, plus a
// standalone tenant owned by the same user
func chain(t *testing.T) *stores.Memory {
	t.Helper()
	mem := stores.NewMemory()
	mem.PutUser("owner", access.PlatformNone)
	mem.PutOrganization(stores.Organization{ID: "org-1", Name: "Chain", OwnerUserID: "owner", HeroTenantID: "hero"}, access.TierOrganization, 5000)
	mem.PutTenant(stores.Tenant{ID: "hero", Name: "Flagship", OwnerUserID: "owner"}, "")
	mem.PutTenant(stores.Tenant{ID: "loc-1", Name: "Downtown", OwnerUserID: "owner"}, access.TierStarter)
	mem.PutTenant(stores.Tenant{ID: "solo", Name: "Solo", OwnerUserID: "owner"}, access.TierProfessional)
	require.NoError(t, mem.JoinOrganization("hero", "org-1"))
	require.NoError(t, mem.JoinOrganization("loc-1", "org-1"))
	mem.Grant("owner", stores.ScopeOrganization, "org-1", access.RoleOwner)
	mem.Grant("owner", stores.ScopeTenant, "loc-1", access.RoleAdmin)
	mem.Grant("owner", stores.ScopeTenant, "solo", access.RoleOwner)
	mem.SetUsage("org-1", access.ResourceSKUs, 1200)
	mem.SetUsage("loc-1", access.ResourceSKUs, 7)
	mem.SetUsage("solo", access.ResourceSKUs, 30)
	return mem
}

func hasAnomaly(res *access.Resolution, kind string) bool {
	for _, a := range res.Anomalies {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

func TestResolve_OrganizationTenantInheritsTier(t *testing.T) {
	mem := chain(t)
	res, err := newResolver(mem).Resolve(context.Background(), "owner", "loc-1")
	require.NoError(t, err)

	p := res.Profile
	assert.Equal(t, access.TierOrganization, p.EffectiveTier)
	assert.Equal(t, "org-1", p.OrganizationID)
	assert.Equal(t, "hero", p.HeroTenantID)
	assert.Equal(t, access.RoleAdmin, p.TenantRole)
	assert.Equal(t, access.RoleOwner, p.OrganizationRole)
	assert.Equal(t, int64(5000), res.PoolLimit)
	assert.Equal(t, int64(1200), res.Counters[access.ResourceSKUs])
	assert.NotZero(t, p.Stamps.OrganizationVersion)
}

func TestResolve_TierInheritanceExclusivity(t *testing.T) {
	mem := chain(t)
	r := newResolver(mem)

	// changing the ignored own tier never changes the effective tier
	for _, tier := range access.Tiers() {
		require.NoError(t, mem.SetTenantTier("loc-1", tier))
		res, err := r.Resolve(context.Background(), "owner", "loc-1")
		require.NoError(t, err)
		assert.Equal(t, access.TierOrganization, res.Profile.EffectiveTier, "own tier %s leaked", tier)
		assert.True(t, hasAnomaly(res, access.AnomalyOwnTierIgnored))
	}

	require.NoError(t, mem.SetOrganizationTier("org-1", access.TierEnterprise, 5000))
	res, err := r.Resolve(context.Background(), "owner", "loc-1")
	require.NoError(t, err)
	assert.Equal(t, access.TierEnterprise, res.Profile.EffectiveTier)
}

func TestResolve_StandaloneUsesOwnTier(t *testing.T) {
	mem := chain(t)
	res, err := newResolver(mem).Resolve(context.Background(), "owner", "solo")
	require.NoError(t, err)

	assert.Equal(t, access.TierProfessional, res.Profile.EffectiveTier)
	assert.False(t, res.Profile.InOrganization())
	assert.Zero(t, res.PoolLimit)
	assert.Equal(t, int64(30), res.Counters[access.ResourceSKUs])
	assert.Zero(t, res.Profile.Stamps.OrganizationVersion)
	assert.Empty(t, res.Anomalies)
}

func TestResolve_StandaloneWithoutTierIsTrial(t *testing.T) {
	mem := chain(t)
	mem.PutTenant(stores.Tenant{ID: "new", OwnerUserID: "owner"}, "")

	res, err := newResolver(mem).Resolve(context.Background(), "owner", "new")
	require.NoError(t, err)
	assert.Equal(t, access.TierTrial, res.Profile.EffectiveTier)
	assert.Equal(t, access.RoleNone, res.Profile.TenantRole)
	assert.Empty(t, res.Anomalies)
}

func TestResolve_UnknownValuesAreReported(t *testing.T) {
	mem := chain(t)
	mem.PutTenant(stores.Tenant{ID: "odd", OwnerUserID: "owner"}, "platinum")
	mem.Grant("owner", stores.ScopeTenant, "odd", "superuser")

	res, err := newResolver(mem).Resolve(context.Background(), "owner", "odd")
	require.NoError(t, err)
	assert.Equal(t, access.TierTrial, res.Profile.EffectiveTier)
	assert.Equal(t, access.RoleNone, res.Profile.TenantRole)
	assert.True(t, hasAnomaly(res, access.AnomalyUnknownTier))
	assert.True(t, hasAnomaly(res, access.AnomalyUnknownRole))
}

func TestResolve_DanglingOrganizationReference(t *testing.T) {
	mem := chain(t)
	mem.PutTenant(stores.Tenant{ID: "orphan", OwnerUserID: "owner", OrganizationID: "gone"}, access.TierEnterprise)
	mem.SetUsage("orphan", access.ResourceSKUs, 3)

	r := newResolver(mem)
	res, err := r.Resolve(context.Background(), "owner", "orphan")
	require.NoError(t, err)
	assert.Equal(t, access.TierTrial, res.Profile.EffectiveTier)
	assert.False(t, res.Profile.InOrganization())
	assert.Equal(t, int64(3), res.Counters[access.ResourceSKUs])
	assert.True(t, hasAnomaly(res, access.AnomalyMissingOrgRecord))

	stamps, err := r.Stamps(context.Background(), "owner", "orphan")
	require.NoError(t, err)
	assert.Equal(t, res.Profile.Stamps, stamps)
}

func TestResolve_HeroNotMember(t *testing.T) {
	mem := chain(t)
	require.NoError(t, mem.LeaveOrganization("hero"))

	res, err := newResolver(mem).Resolve(context.Background(), "owner", "loc-1")
	require.NoError(t, err)
	assert.Equal(t, access.TierOrganization, res.Profile.EffectiveTier)
	assert.True(t, hasAnomaly(res, access.AnomalyHeroNotMember))
}

func TestResolve_PlatformBypass(t *testing.T) {
	tests := []struct {
		role       access.PlatformRole
		bypassTier bool
		bypassRole bool
	}{
		{access.PlatformAdmin, true, true},
		{access.PlatformSupport, false, true},
		{access.PlatformViewer, false, false},
		{access.PlatformNone, false, false},
		{"intern", false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			mem := chain(t)
			mem.PutUser("staff", tt.role)

			res, err := newResolver(mem).Resolve(context.Background(), "staff", "solo")
			require.NoError(t, err)
			assert.Equal(t, tt.bypassTier, res.Profile.BypassTier)
			assert.Equal(t, tt.bypassRole, res.Profile.BypassRole)
			assert.Equal(t, access.RoleNone, res.Profile.TenantRole)
		})
	}
}

func TestResolve_NotFound(t *testing.T) {
	mem := chain(t)
	r := newResolver(mem)

	_, err := r.Resolve(context.Background(), "ghost", "solo")
	assert.ErrorIs(t, err, access.ErrNotFound)
	assert.False(t, access.IsRetryable(err))

	_, err = r.Resolve(context.Background(), "owner", "missing")
	assert.ErrorIs(t, err, access.ErrNotFound)
}

type failingUsage struct {
	stores.UsageStore
}

func (failingUsage) GetUsage(ctx context.Context, ownerID string) (map[access.ResourceKind]int64, error) {
	return nil, errors.New("connection refused")
}

func TestResolve_SourceErrorIsRetryable(t *testing.T) {
	mem := chain(t)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	r := New(mem, mem, failingUsage{mem}, quietLogger(), metrics)

	_, err := r.Resolve(context.Background(), "owner", "loc-1")
	require.Error(t, err)
	assert.True(t, access.IsRetryable(err))
	assert.Contains(t, err.Error(), "usage unavailable")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ResolutionsTotal.WithLabelValues("unavailable")))
}

// skewingIdentity bumps the user's version between the user and membership
// reads for the first n resolutions
type skewingIdentity struct {
	*stores.Memory
	remaining atomic.Int32
}

func (s *skewingIdentity) GetMemberships(ctx context.Context, userID string) (*stores.MembershipSet, error) {
	set, err := s.Memory.GetMemberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.remaining.Add(-1) >= 0 {
		set.Version++
	}
	return set, nil
}

func TestResolve_RetriesOnVersionSkew(t *testing.T) {
	mem := chain(t)
	identity := &skewingIdentity{Memory: mem}
	identity.remaining.Store(2)

	res, err := New(identity, mem, mem, quietLogger(), nil).Resolve(context.Background(), "owner", "solo")
	require.NoError(t, err)
	assert.Equal(t, access.RoleOwner, res.Profile.TenantRole)
}

func TestResolve_PersistentSkewIsUnavailable(t *testing.T) {
	mem := chain(t)
	identity := &skewingIdentity{Memory: mem}
	identity.remaining.Store(100)

	_, err := New(identity, mem, mem, quietLogger(), nil).Resolve(context.Background(), "owner", "solo")
	require.Error(t, err)
	assert.True(t, access.IsRetryable(err))
	assert.ErrorIs(t, err, errVersionSkew)
}

func TestStamps_TrackWrites(t *testing.T) {
	mem := chain(t)
	r := newResolver(mem)
	ctx := context.Background()

	res, err := r.Resolve(ctx, "owner", "loc-1")
	require.NoError(t, err)
	before, err := r.Stamps(ctx, "owner", "loc-1")
	require.NoError(t, err)
	assert.Equal(t, res.Profile.Stamps, before)

	require.NoError(t, mem.SetOrganizationTier("org-1", access.TierEnterprise, 100))
	afterTier, err := r.Stamps(ctx, "owner", "loc-1")
	require.NoError(t, err)
	assert.True(t, before.Before(afterTier))

	mem.Revoke("owner", stores.ScopeTenant, "loc-1")
	afterRole, err := r.Stamps(ctx, "owner", "loc-1")
	require.NoError(t, err)
	assert.True(t, afterTier.Before(afterRole))
}
