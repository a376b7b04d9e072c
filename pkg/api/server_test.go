package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/engine"
	"github.com/platinummonkey/gatehouse/pkg/httputil"
	"github.com/platinummonkey/gatehouse/pkg/middleware"
	"github.com/platinummonkey/gatehouse/pkg/propagation"
	"github.com/platinummonkey/gatehouse/pkg/stores"
)

type fixture struct {
	server   *Server
	engine   *engine.Engine
	store    *stores.Memory
	settings *propagation.MemorySettings
}

// newFixture seeds:
//
//	org-1 (organization tier, pool 5000, hero t-hero): t-hero, t-1
//	  alice: organization admin; carl: viewer on t-1
//	s-1, s-2: standalone starter siblings owned by bob; dana: admin on s-2
//	root: platform admin
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := stores.NewMemory()
	store.PutOrganization(stores.Organization{ID: "org-1", OwnerUserID: "alice", HeroTenantID: "t-hero"}, access.TierOrganization, 5000)
	store.PutTenant(stores.Tenant{ID: "t-hero", OwnerUserID: "alice", OrganizationID: "org-1"}, "")
	store.PutTenant(stores.Tenant{ID: "t-1", OwnerUserID: "alice", OrganizationID: "org-1"}, "")
	store.PutTenant(stores.Tenant{ID: "s-1", OwnerUserID: "bob"}, access.TierStarter)
	store.PutTenant(stores.Tenant{ID: "s-2", OwnerUserID: "bob"}, access.TierStarter)
	for _, u := range []string{"alice", "bob", "carl", "dana"} {
		store.PutUser(u, access.PlatformNone)
	}
	store.PutUser("root", access.PlatformAdmin)
	store.Grant("alice", stores.ScopeOrganization, "org-1", access.RoleAdmin)
	store.Grant("carl", stores.ScopeTenant, "t-1", access.RoleViewer)
	store.Grant("bob", stores.ScopeTenant, "s-1", access.RoleOwner)
	store.Grant("bob", stores.ScopeTenant, "s-2", access.RoleOwner)
	store.Grant("dana", stores.ScopeTenant, "s-2", access.RoleAdmin)

	settings := propagation.NewMemorySettings()
	settings.Put("t-hero", "menu", map[string]any{"price": 12})
	settings.Put("s-1", "receipts", map[string]any{"footer": "thanks"})

	log, _ := test.NewNullLogger()
	cfg := engine.DefaultConfig()
	cfg.Propagation.Retry = propagation.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2}
	e := engine.New(engine.Deps{
		Identity:  store,
		Tiers:     store,
		Usage:     store,
		Directory: store,
		Catalog:   access.NewStaticCatalog(access.DefaultCatalog()),
		Jobs:      propagation.NewMemoryJobStore(),
		Settings:  settings,
		Source:    settings,
		Audit:     audit.NewMemoryLogger(0),
	}, cfg, log, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})

	authn := middleware.NewAuthenticator(nil, "X-User-ID", log)
	return &fixture{
		server:   NewServer(e, log, authn.Handler),
		engine:   e,
		store:    store,
		settings: settings,
	}
}

func (f *fixture) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestServer_RequiresAuthentication(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/access/tenants/s-1", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/nowhere", "bob", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ResolveAccess(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/access/tenants/t-1", "carl", "")
	require.Equal(t, http.StatusOK, w.Code)

	rc := decode[access.ResolvedAccessContext](t, w)
	assert.Equal(t, "org-1", rc.OrganizationID)
	assert.Equal(t, access.TierOrganization, rc.EffectiveTier)
	assert.Equal(t, access.RoleViewer, rc.TenantRole)
	assert.True(t, rc.Features["chain_settings"][access.PermissionView].Allowed)
}

func TestServer_EvaluateFeature(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		user, path string
		wantCode   int
		wantReason string
		allowed    bool
	}{
		{"viewer may view", "carl", "/api/v1/access/tenants/t-1/features/chain_settings", http.StatusOK, "ok", true},
		{"viewer denied edit", "carl", "/api/v1/access/tenants/t-1/features/chain_settings?kind=edit", http.StatusOK, "role", false},
		{"starter lacks tier", "bob", "/api/v1/access/tenants/s-1/features/advanced_reports", http.StatusOK, "tier", false},
		{"platform admin", "root", "/api/v1/access/tenants/s-1/features/audit_log?kind=admin", http.StatusOK, "admin", true},
		{"unknown feature", "bob", "/api/v1/access/tenants/s-1/features/teleport", http.StatusNotFound, reasonUnknownFeature, false},
		{"unknown user", "ghost", "/api/v1/access/tenants/s-1/features/inventory", http.StatusNotFound, reasonNotFound, false},
		{"bad kind", "bob", "/api/v1/access/tenants/s-1/features/inventory?kind=own", http.StatusBadRequest, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodGet, tt.path, tt.user, "")
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode != http.StatusOK {
				if tt.wantReason != "" {
					assert.Equal(t, tt.wantReason, decode[httputil.ErrorResponse](t, w).Reason)
				}
				return
			}
			got := decode[FeatureDecisionResponse](t, w)
			assert.Equal(t, tt.allowed, got.Allowed)
			assert.Equal(t, access.Reason(tt.wantReason), got.Reason)
		})
	}
}

func TestServer_EvaluatePreset(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/access/tenants/t-hero/presets/"+access.PresetChainPropagation, "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[PresetDecisionResponse](t, w).Allowed)

	w = f.do(t, http.MethodGet, "/api/v1/access/tenants/s-1/presets/"+access.PresetChainPropagation, "bob", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[PresetDecisionResponse](t, w)
	assert.Equal(t, access.Decision{Allowed: false, Reason: access.ReasonTier}, got.Decision)
}

func TestServer_Usage(t *testing.T) {
	f := newFixture(t)
	f.store.SetUsage("org-1", access.ResourceSKUs, 4990)

	w := f.do(t, http.MethodGet, "/api/v1/access/tenants/t-1/usage", "carl", "")
	require.Equal(t, http.StatusOK, w.Code)
	usage := decode[UsageResponse](t, w)
	assert.Equal(t, int64(5000), usage.Usage[access.ResourceSKUs].Limit)

	w = f.do(t, http.MethodPost, "/api/v1/access/tenants/t-1/usage/skus/check", "carl", `{"delta": 10}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[UsageCheckResponse](t, w).Allowed)

	w = f.do(t, http.MethodPost, "/api/v1/access/tenants/t-1/usage/skus/check", "carl", `{"delta": 11}`)
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode[httputil.ErrorResponse](t, w)
	assert.Equal(t, reasonQuotaExceeded, body.Reason)
	assert.Equal(t, "5000", body.Details["limit"])

	w = f.do(t, http.MethodPost, "/api/v1/access/tenants/t-1/usage/widgets/check", "carl", `{"delta": 1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/access/tenants/t-1/usage/skus/check", "carl", `{"delta": 0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_PropagationJobLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/propagation/jobs", "alice",
		`{"scope":"organization","organization_id":"org-1","payload":{"namespace":"menu"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	submitted := decode[JobResponse](t, w)
	assert.Equal(t, "alice", submitted.InitiatorUserID)
	assert.Equal(t, "/api/v1/propagation/jobs/"+submitted.ID, w.Header().Get("Location"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.engine.WaitForJob(ctx, submitted.ID)
	require.NoError(t, err)

	w = f.do(t, http.MethodGet, "/api/v1/propagation/jobs/"+submitted.ID, "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[JobResponse](t, w)
	assert.Equal(t, propagation.StatusCompleted, got.Status)
	assert.Equal(t, propagation.Summary{Total: 1, Succeeded: 1}, got.Summary)

	// jobs of other users read as missing
	w = f.do(t, http.MethodGet, "/api/v1/propagation/jobs/"+submitted.ID, "bob", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/propagation/jobs/"+submitted.ID+"/cancel", "alice", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/propagation/jobs?status=completed", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[JobListResponse](t, w).Count)

	w = f.do(t, http.MethodGet, "/api/v1/propagation/jobs", "bob", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[JobListResponse](t, w).Count)
}

func TestServer_SubmitJobRejections(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/propagation/jobs", "alice", `{"scope":"galaxy","payload":{"namespace":"menu"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, reasonValidationFailed, decode[httputil.ErrorResponse](t, w).Reason)

	w = f.do(t, http.MethodPost, "/api/v1/propagation/jobs", "alice", `{"scope":"organization","initiator_user_id":"root"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "initiator cannot be set by the caller")

	w = f.do(t, http.MethodGet, "/api/v1/propagation/jobs/missing", "alice", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_PeerOffers(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/offers", "bob", `{"source_tenant_id":"s-1","payload":{"namespace":"receipts"}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	offers := decode[OfferListResponse](t, w)
	require.Equal(t, 1, offers.Count)
	offerID := offers.Offers[0].ID

	w = f.do(t, http.MethodGet, "/api/v1/tenants/s-2/offers", "carl", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/tenants/s-2/offers", "dana", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[OfferListResponse](t, w).Count)

	w = f.do(t, http.MethodPost, "/api/v1/offers/"+offerID+"/accept", "carl", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/offers/"+offerID+"/accept", "dana", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[AcceptOfferResponse](t, w)
	assert.Equal(t, propagation.OfferAccepted, accepted.Offer.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := f.engine.WaitForJob(ctx, accepted.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, propagation.StatusCompleted, done.Status)

	w = f.do(t, http.MethodPost, "/api/v1/offers/"+offerID+"/decline", "dana", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/offers/nope/decline", "dana", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_MiddlewareOrder(t *testing.T) {
	log, _ := test.NewNullLogger()
	var seen []string
	tag := func(name string) mux.MiddlewareFunc {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = append(seen, name+":"+mux.Vars(r)["tenant"])
				next.ServeHTTP(w, r)
			})
		}
	}
	s := NewServer(&stubEngine{}, log, tag("first"), tag("second"))

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/access/tenants/t-9/usage", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, []string{"first:t-9", "second:t-9"}, seen)
}

func TestServer_AuditEvents(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/propagation/jobs", "alice",
		`{"scope":"organization","organization_id":"org-1","payload":{"namespace":"menu"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	job := decode[JobResponse](t, w)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.engine.WaitForJob(ctx, job.ID)
	require.NoError(t, err)

	w = f.do(t, http.MethodGet, "/api/v1/audit/events?event_type=propagation.job_submitted,propagation.job_finished&organization_id=org-1", "root", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[AuditEventsResponse](t, w)
	require.Equal(t, 2, got.Count)
	assert.Equal(t, audit.EventJobFinished, got.Events[0].EventType)
	assert.Equal(t, audit.EventJobSubmitted, got.Events[1].EventType)
	assert.Equal(t, "alice", got.Events[1].UserID)
	assert.Equal(t, job.ID, got.Events[1].ResourceID)

	w = f.do(t, http.MethodGet, "/api/v1/audit/events?user_id=nobody", "root", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"events":[],"count":0}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/v1/audit/events", "alice", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/audit/events?start_time=yesterday", "root", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/audit/events?limit=ten", "root", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
