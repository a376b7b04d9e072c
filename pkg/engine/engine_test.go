package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/accesscache"
	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/propagation"
	"github.com/platinummonkey/gatehouse/pkg/stores"
)

type recordingBus struct {
	mu   sync.Mutex
	sent []accesscache.Invalidation
	err  error
}

func (b *recordingBus) Publish(ctx context.Context, inv accesscache.Invalidation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, inv)
	return b.err
}

func (b *recordingBus) last() accesscache.Invalidation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[len(b.sent)-1]
}

type harness struct {
	engine   *Engine
	store    *stores.Memory
	settings *propagation.MemorySettings
	bus      *recordingBus
	metrics  *observability.Metrics
	audit    *audit.MemoryLogger
	finished *finishedJobs
}

// newHarness seeds:
//
//	org-1 (organization tier, pool 5000, hero t-hero): t-hero, t-1, t-2
//	  alice: organization admin; carl: viewer on t-1
//	s-1, s-2: standalone starter siblings owned by bob; dana: admin on s-2
//	root: platform admin; sam: platform support
func newHarness(t *testing.T) *harness {
	t.Helper()
	store := stores.NewMemory()
	store.PutOrganization(stores.Organization{ID: "org-1", OwnerUserID: "alice", HeroTenantID: "t-hero"}, access.TierOrganization, 5000)
	for _, id := range []string{"t-hero", "t-1", "t-2"} {
		store.PutTenant(stores.Tenant{ID: id, OwnerUserID: "alice", OrganizationID: "org-1"}, "")
	}
	store.PutTenant(stores.Tenant{ID: "s-1", OwnerUserID: "bob"}, access.TierStarter)
	store.PutTenant(stores.Tenant{ID: "s-2", OwnerUserID: "bob"}, access.TierStarter)

	for _, u := range []string{"alice", "bob", "carl", "dana"} {
		store.PutUser(u, access.PlatformNone)
	}
	store.PutUser("root", access.PlatformAdmin)
	store.PutUser("sam", access.PlatformSupport)
	store.Grant("alice", stores.ScopeOrganization, "org-1", access.RoleAdmin)
	store.Grant("carl", stores.ScopeTenant, "t-1", access.RoleViewer)
	store.Grant("bob", stores.ScopeTenant, "s-1", access.RoleOwner)
	store.Grant("bob", stores.ScopeTenant, "s-2", access.RoleOwner)
	store.Grant("dana", stores.ScopeTenant, "s-2", access.RoleAdmin)

	settings := propagation.NewMemorySettings()
	settings.Put("t-hero", "menu", map[string]any{"price": 12})
	settings.Put("s-1", "receipts", map[string]any{"footer": "thanks"})

	bus := &recordingBus{}
	auditLog := audit.NewMemoryLogger(0)
	finished := &finishedJobs{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	log, _ := test.NewNullLogger()

	cfg := DefaultConfig()
	cfg.Propagation.Retry = propagation.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2}

	e := New(Deps{
		Identity:  store,
		Tiers:     store,
		Usage:     store,
		Directory: store,
		Catalog:   access.NewStaticCatalog(access.DefaultCatalog()),
		Jobs:      propagation.NewMemoryJobStore(),
		Settings:  settings,
		Source:    settings,
		Bus:       bus,
		Audit:     auditLog,

		JobListeners: []propagation.JobListener{finished},
	}, cfg, log, metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return &harness{engine: e, store: store, settings: settings, bus: bus, metrics: metrics, audit: auditLog, finished: finished}
}

func TestEngine_EvaluateFeature(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		user    string
		tenant  string
		feature string
		kind    access.PermissionKind
		want    access.Decision
	}{
		{"member inherits organization tier", "carl", "t-1", "chain_settings", access.PermissionView, access.Decision{Allowed: true, Reason: access.ReasonOK}},
		{"viewer denied edit", "carl", "t-1", "chain_settings", access.PermissionEdit, access.Decision{Allowed: false, Reason: access.ReasonRole}},
		{"owner qualifies", "bob", "s-1", "inventory", access.PermissionAdmin, access.Decision{Allowed: true, Reason: access.ReasonOK}},
		{"starter lacks professional feature", "bob", "s-1", "advanced_reports", access.PermissionView, access.Decision{Allowed: false, Reason: access.ReasonTier}},
		{"platform admin", "root", "s-1", "audit_log", access.PermissionAdmin, access.Decision{Allowed: true, Reason: access.ReasonAdmin}},
		{"support still tier gated", "sam", "s-1", "audit_log", access.PermissionView, access.Decision{Allowed: false, Reason: access.ReasonTier}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := h.engine.EvaluateFeature(ctx, tt.user, tt.tenant, tt.feature, tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DecisionsTotal.WithLabelValues("feature", "role")))
}

func TestEngine_EvaluateFeature_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d, err := h.engine.EvaluateFeature(ctx, "bob", "s-1", "teleport", access.PermissionView)
	assert.ErrorIs(t, err, access.ErrUnknownFeature)
	assert.Equal(t, access.ReasonUnknown, d.Reason)

	d, err = h.engine.EvaluateFeature(ctx, "ghost", "s-1", "inventory", access.PermissionView)
	assert.ErrorIs(t, err, access.ErrNotFound)
	assert.False(t, d.Allowed)

	_, err = h.engine.ResolveAccess(ctx, "", "s-1")
	assert.ErrorIs(t, err, access.ErrValidationFailed)
}

func TestEngine_EvaluatePreset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d, err := h.engine.EvaluatePreset(ctx, "alice", "t-hero", access.PresetChainPropagation)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = h.engine.EvaluatePreset(ctx, "bob", "s-1", access.PresetChainPropagation)
	require.NoError(t, err)
	assert.Equal(t, access.Decision{Allowed: false, Reason: access.ReasonTier}, d)

	_, err = h.engine.EvaluatePreset(ctx, "bob", "s-1", "NOPE")
	assert.ErrorIs(t, err, access.ErrUnknownFeature)
}

func TestEngine_AuthorizePresetWithoutTenant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d, err := h.engine.AuthorizePreset(ctx, "root", "", access.PresetPlatformPropagation)
	require.NoError(t, err)
	assert.Equal(t, access.Decision{Allowed: true, Reason: access.ReasonAdmin}, d)

	d, err = h.engine.AuthorizePreset(ctx, "sam", "", access.PresetPlatformPropagation)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	_, err = h.engine.AuthorizePreset(ctx, "ghost", "", access.PresetPlatformPropagation)
	assert.ErrorIs(t, err, access.ErrNotFound)
}

func TestEngine_NotifyInvalidatesAndBroadcasts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d, err := h.engine.EvaluateFeature(ctx, "bob", "s-1", "advanced_reports", access.PermissionView)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 1, h.engine.cache.Len())

	require.NoError(t, h.store.SetTenantTier("s-1", access.TierProfessional))
	require.NoError(t, h.engine.NotifyTenantTierChanged(ctx, "s-1"))

	assert.Equal(t, 0, h.engine.cache.Len())
	assert.Equal(t, accesscache.Invalidation{Scope: accesscache.ScopeTenant, TenantID: "s-1"}, h.bus.last())

	d, err = h.engine.EvaluateFeature(ctx, "bob", "s-1", "advanced_reports", access.PermissionView)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEngine_NotifyKeepsLocalInvalidationWhenBroadcastFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bus.err = errors.New("redis down")

	_, err := h.engine.ResolveAccess(ctx, "carl", "t-1")
	require.NoError(t, err)

	err = h.engine.NotifyRoleChanged(ctx, "carl")
	assert.ErrorContains(t, err, "redis down")
	assert.Equal(t, 0, h.engine.cache.Len())
}

func TestEngine_NotifyTenantTransferred(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.NotifyTenantTransferred(ctx, "s-1", "", "org-1"))
	require.Len(t, h.bus.sent, 2)
	assert.Equal(t, accesscache.ScopeTenant, h.bus.sent[0].Scope)
	assert.Equal(t, accesscache.Invalidation{Scope: accesscache.ScopeOrganization, OrganizationID: "org-1"}, h.bus.sent[1])
}

func TestEngine_Usage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetUsage("org-1", access.ResourceSKUs, 4990)

	usage, err := h.engine.Usage(ctx, "carl", "t-1")
	require.NoError(t, err)
	assert.Equal(t, access.UsageStatus{Current: 4990, Limit: 5000, Percent: 100}, usage[access.ResourceSKUs])

	assert.NoError(t, h.engine.CheckUsage(ctx, "carl", "t-1", access.ResourceSKUs, 10))
	err = h.engine.CheckUsage(ctx, "carl", "t-1", access.ResourceSKUs, 11)
	require.True(t, access.IsQuotaExceeded(err))
	var qe *access.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, int64(5000), qe.Limit)

	// pooled: a sibling member's write lands on the organization counter
	v, err := h.engine.RecordUsage(ctx, "t-2", access.ResourceSKUs, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), v)
	assert.Equal(t, accesscache.Invalidation{Scope: accesscache.ScopeOrganization, OrganizationID: "org-1"}, h.bus.last())

	usage, err = h.engine.Usage(ctx, "carl", "t-1")
	require.NoError(t, err)
	assert.True(t, usage[access.ResourceSKUs].LimitReached)

	v, err = h.engine.RecordUsage(ctx, "s-1", access.ResourceSeats, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.UsageIncrementsTotal.WithLabelValues("skus"))+
		testutil.ToFloat64(h.metrics.UsageIncrementsTotal.WithLabelValues("seats")))

	_, err = h.engine.RecordUsage(ctx, "s-1", "widgets", 1)
	assert.ErrorIs(t, err, access.ErrValidationFailed)
}

func TestEngine_OrganizationPropagation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := h.engine.SubmitPropagationJob(ctx, propagation.Request{
		Scope:           propagation.ScopeOrganization,
		InitiatorUserID: "alice",
		OrganizationID:  "org-1",
		Payload:         propagation.Payload{Namespace: "menu"},
	})
	require.NoError(t, err)

	done, err := h.engine.WaitForJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, propagation.StatusCompleted, done.Status)
	assert.Equal(t, 2, done.Summary().Succeeded)

	got, err := h.engine.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, propagation.StatusCompleted, got.Status)

	values, _ := h.settings.Settings(ctx, "t-2", "menu")
	assert.Equal(t, 12, values["price"])

	_, err = h.engine.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, propagation.ErrJobFinished)

	jobs, err := h.engine.ListJobs(ctx, propagation.ListFilter{InitiatorUserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestEngine_PropagationDeniedForViewer(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := h.engine.SubmitPropagationJob(ctx, propagation.Request{
		Scope:           propagation.ScopeOrganization,
		InitiatorUserID: "carl",
		OrganizationID:  "org-1",
		Payload:         propagation.Payload{Namespace: "menu"},
	})
	require.NoError(t, err)

	done, err := h.engine.WaitForJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, propagation.StatusFailed, done.Status)
	assert.Contains(t, done.Error, "CHAIN_PROPAGATION denied (role)")

	values, _ := h.settings.Settings(ctx, "t-1", "menu")
	assert.Empty(t, values)
}

func TestEngine_SingleTenantPushNeedsSourceAuthority(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// dana administers s-2 but holds no role on t-hero
	job, err := h.engine.SubmitPropagationJob(ctx, propagation.Request{
		Scope:           propagation.ScopeSingleTenant,
		InitiatorUserID: "dana",
		SourceTenantID:  "t-hero",
		TargetTenantID:  "s-2",
		Payload:         propagation.Payload{Namespace: "menu"},
	})
	require.NoError(t, err)

	done, err := h.engine.WaitForJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, propagation.StatusFailed, done.Status)
	assert.Contains(t, done.Error, "SINGLE_TENANT_PUSH denied")
	assert.Empty(t, done.Targets)

	values, _ := h.settings.Settings(ctx, "s-2", "menu")
	assert.Empty(t, values)

	// bob owns s-2; an admin grant on t-hero covers the source end
	h.store.Grant("bob", stores.ScopeTenant, "t-hero", access.RoleAdmin)
	job, err = h.engine.SubmitPropagationJob(ctx, propagation.Request{
		Scope:           propagation.ScopeSingleTenant,
		InitiatorUserID: "bob",
		SourceTenantID:  "t-hero",
		TargetTenantID:  "s-2",
		Payload:         propagation.Payload{Namespace: "menu"},
	})
	require.NoError(t, err)

	done, err = h.engine.WaitForJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, propagation.StatusCompleted, done.Status)
	values, _ = h.settings.Settings(ctx, "s-2", "menu")
	assert.Equal(t, 12, values["price"])
}

func TestEngine_PeerOffer(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	offers, err := h.engine.OfferSettings(ctx, propagation.OfferRequest{
		UserID:         "bob",
		SourceTenantID: "s-1",
		Payload:        propagation.Payload{Namespace: "receipts"},
	})
	require.NoError(t, err)
	require.Len(t, offers, 1)

	// dana administers the receiving sibling; carl has no role there
	_, _, err = h.engine.AcceptOffer(ctx, offers[0].ID, "carl")
	assert.ErrorIs(t, err, access.ErrValidationFailed)

	o, job, err := h.engine.AcceptOffer(ctx, offers[0].ID, "dana")
	require.NoError(t, err)
	assert.Equal(t, propagation.OfferAccepted, o.Status)

	done, err := h.engine.WaitForJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, propagation.StatusCompleted, done.Status)

	values, _ := h.settings.Settings(ctx, "s-2", "receipts")
	assert.Equal(t, "thanks", values["footer"])

	listed, err := h.engine.ListOffers(ctx, "s-2")
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestEngine_PurgeCache(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.ResolveAccess(context.Background(), "bob", "s-1")
	require.NoError(t, err)
	require.Equal(t, 1, h.engine.cache.Len())

	h.engine.PurgeCache()
	assert.Equal(t, 0, h.engine.cache.Len())

	h.engine.ApplyInvalidation(accesscache.Invalidation{Scope: accesscache.ScopeAll})
	assert.Equal(t, 0, h.engine.cache.Len())
}
