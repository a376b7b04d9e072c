package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/accesscache"
	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/propagation"
	"github.com/platinummonkey/gatehouse/pkg/resolver"
	"github.com/platinummonkey/gatehouse/pkg/stores"
)

// Deps are the engine's data sources
type Deps struct {
	Identity  stores.IdentityStore
	Tiers     stores.TierStore
	Usage     stores.UsageStore
	Directory stores.Directory
	Catalog   access.CatalogSource

	Jobs     propagation.JobStore
	Settings propagation.Applier
	Source   propagation.SourceReader

	// Bus broadcasts invalidations to other instances; nil keeps them local
	Bus accesscache.InvalidationBus

	// Audit records job, offer and access change events; nil discards them
	Audit audit.Logger
	// JobListeners are told about finished jobs after the audit record,
	// e.g. the webhook dispatcher
	JobListeners []propagation.JobListener
}

// Config configures the engine's components
type Config struct {
	Cache       accesscache.Config
	Propagation propagation.Config
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		Cache:       accesscache.DefaultConfig(),
		Propagation: propagation.DefaultConfig(),
	}
}

// Engine answers access questions and runs propagation jobs
type Engine struct {
	identity stores.IdentityStore
	tiers    stores.TierStore
	usage    stores.UsageStore
	dir      stores.Directory
	catalog  access.CatalogSource
	jobs     propagation.JobStore
	bus      accesscache.InvalidationBus
	audit    audit.Logger
	listen   []propagation.JobListener

	resolver *resolver.Resolver
	cache    *accesscache.Cache
	runner   *propagation.Runner
	offers   *propagation.OfferService

	log     *logrus.Logger
	metrics *observability.Metrics
}

// New wires an engine. log and metrics may be nil.
func New(deps Deps, cfg Config, log *logrus.Logger, metrics *observability.Metrics) *Engine {
	if log == nil {
		log = logrus.New()
	}
	bus := deps.Bus
	if bus == nil {
		bus = accesscache.NopBus{}
	}
	auditLog := deps.Audit
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}

	e := &Engine{
		identity: deps.Identity,
		tiers:    deps.Tiers,
		usage:    deps.Usage,
		dir:      deps.Directory,
		catalog:  deps.Catalog,
		jobs:     deps.Jobs,
		bus:      bus,
		audit:    auditLog,
		listen:   deps.JobListeners,
		log:      log,
		metrics:  metrics,
	}
	e.resolver = resolver.New(deps.Identity, deps.Tiers, deps.Usage, log, metrics)
	e.cache = accesscache.New(e.resolver, deps.Catalog, cfg.Cache, log, metrics)
	e.runner = propagation.NewRunner(propagation.Deps{
		Store:      deps.Jobs,
		Directory:  deps.Directory,
		Authorizer: e,
		Applier:    deps.Settings,
		Source:     deps.Source,
		Listener:   e,
	}, cfg.Propagation, log, metrics)
	e.offers = propagation.NewOfferService(deps.Directory, e, deps.Source, e.runner, log, metrics)
	return e
}

// ResolveAccess returns the access context of a user on a tenant, served
// from the cache when its stamps are current
func (e *Engine) ResolveAccess(ctx context.Context, userID, tenantID string) (*access.ResolvedAccessContext, error) {
	if userID == "" || tenantID == "" {
		return nil, &access.ValidationError{Reason: "user and tenant are required"}
	}
	return e.cache.Get(ctx, userID, tenantID)
}

// EvaluateFeature decides whether the user may exercise kind on a feature
// of the tenant. Every error comes with a denying decision.
func (e *Engine) EvaluateFeature(ctx context.Context, userID, tenantID, featureID string, kind access.PermissionKind) (access.Decision, error) {
	if _, ok := e.catalog.Catalog().Feature(featureID); !ok {
		e.metrics.RecordDecision("feature", string(access.ReasonUnknown))
		return deny(), fmt.Errorf("%w: %s", access.ErrUnknownFeature, featureID)
	}

	rc, err := e.ResolveAccess(ctx, userID, tenantID)
	if err != nil {
		return deny(), err
	}
	d := rc.Feature(featureID, kind)
	e.metrics.RecordDecision("feature", string(d.Reason))
	return d, nil
}

// EvaluatePreset decides a preset for the user on the tenant
func (e *Engine) EvaluatePreset(ctx context.Context, userID, tenantID, presetID string) (access.Decision, error) {
	if _, ok := e.catalog.Catalog().Preset(presetID); !ok {
		e.metrics.RecordDecision("preset", string(access.ReasonUnknown))
		return deny(), fmt.Errorf("%w: %s", access.ErrUnknownFeature, presetID)
	}

	rc, err := e.ResolveAccess(ctx, userID, tenantID)
	if err != nil {
		return deny(), err
	}
	d, ok := rc.Presets[presetID]
	if !ok {
		// catalog reloaded after the context was built
		d = deny()
	}
	e.metrics.RecordDecision("preset", string(d.Reason))
	return d, nil
}

// AuthorizePreset implements propagation.Authorizer. Without a tenant only
// the user's platform role is considered.
func (e *Engine) AuthorizePreset(ctx context.Context, userID, tenantID, presetID string) (access.Decision, error) {
	if tenantID != "" {
		return e.EvaluatePreset(ctx, userID, tenantID, presetID)
	}

	user, err := e.identity.GetUser(ctx, userID)
	if err != nil {
		return deny(), access.Unavailable("identity", err)
	}
	role := access.NormalizePlatformRole(user.PlatformRole)
	bypassTier, bypassRole := access.BypassFor(role)
	p := &access.Profile{
		UserID:        userID,
		EffectiveTier: access.TierTrial,
		PlatformRole:  role,
		BypassTier:    bypassTier,
		BypassRole:    bypassRole,
	}
	d := e.catalog.Catalog().EvaluatePreset(p, presetID)
	e.metrics.RecordDecision("preset", string(d.Reason))
	return d, nil
}

// Usage returns the tenant's consumption as seen by the user's context
func (e *Engine) Usage(ctx context.Context, userID, tenantID string) (map[access.ResourceKind]access.UsageStatus, error) {
	rc, err := e.ResolveAccess(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	return rc.Usage, nil
}

// PurgeCache drops every cached context, e.g. after a catalog reload
func (e *Engine) PurgeCache() {
	e.cache.Purge()
}

// ApplyInvalidation applies an invalidation received from another instance
func (e *Engine) ApplyInvalidation(inv accesscache.Invalidation) {
	e.cache.Apply(inv)
}

// Close stops accepting jobs and waits for running ones to settle
func (e *Engine) Close(ctx context.Context) error {
	return e.runner.Close(ctx)
}

func deny() access.Decision {
	return access.Decision{Allowed: false, Reason: access.ReasonUnknown}
}
