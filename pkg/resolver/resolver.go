package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/stores"
)

var resolverTracer = otel.Tracer("gatehouse/resolver")

// DefaultMaxAttempts bounds re-reads when the identity reads disagree
const DefaultMaxAttempts = 3

// errVersionSkew means a write landed between the user and membership reads
var errVersionSkew = errors.New("identity version changed during resolution")

// Resolver builds access resolutions from the backing stores
type Resolver struct {
	identity    stores.IdentityStore
	tiers       stores.TierStore
	usage       stores.UsageStore
	log         *logrus.Logger
	metrics     *observability.Metrics
	maxAttempts int
}

// New creates a resolver. log and metrics may be nil.
func New(identity stores.IdentityStore, tiers stores.TierStore, usage stores.UsageStore, log *logrus.Logger, metrics *observability.Metrics) *Resolver {
	if log == nil {
		log = logrus.New()
	}
	return &Resolver{
		identity:    identity,
		tiers:       tiers,
		usage:       usage,
		log:         log,
		metrics:     metrics,
		maxAttempts: DefaultMaxAttempts,
	}
}

// identitySnapshot is the first round of reads
type identitySnapshot struct {
	user        *stores.UserRecord
	memberships *stores.MembershipSet
	tenant      *stores.TenantTierRecord
}

// Resolve fetches everything needed to decide what userID may do on
// tenantID. Missing users or tenants return an error wrapping
// access.ErrNotFound; store failures wrap access.ErrSourceUnavailable.
func (r *Resolver) Resolve(ctx context.Context, userID, tenantID string) (*access.Resolution, error) {
	start := time.Now()
	ctx, span := resolverTracer.Start(ctx, "resolver.Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("tenant_id", tenantID),
	)

	res, err := r.resolve(ctx, userID, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.RecordResolution(outcome(err), time.Since(start))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("effective_tier", string(res.Profile.EffectiveTier)),
		attribute.Int("anomalies", len(res.Anomalies)),
	)
	span.SetStatus(codes.Ok, "resolved")
	r.metrics.RecordResolution("ok", time.Since(start))
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, userID, tenantID string) (*access.Resolution, error) {
	var snap *identitySnapshot
	var err error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		snap, err = r.readIdentity(ctx, userID, tenantID)
		if !errors.Is(err, errVersionSkew) {
			break
		}
		r.log.WithFields(logrus.Fields{
			"user_id": userID,
			"attempt": attempt,
		}).Debug("Identity version moved between reads, retrying")
	}
	if errors.Is(err, errVersionSkew) {
		return nil, access.Unavailable("identity", fmt.Errorf("%w after %d attempts", err, r.maxAttempts))
	}
	if err != nil {
		return nil, err
	}

	b := &builder{
		log:      r.log.WithFields(logrus.Fields{"user_id": userID, "tenant_id": tenantID}),
		metrics:  r.metrics,
		snap:     snap,
		tenantID: tenantID,
	}

	if orgID := snap.tenant.OrganizationID; orgID != "" {
		if err := r.readOrganization(ctx, b, orgID); err != nil {
			return nil, err
		}
	} else {
		counters, err := r.usage.GetUsage(ctx, tenantID)
		if err != nil {
			return nil, access.Unavailable("usage", err)
		}
		b.counters = counters
	}

	return b.build(), nil
}

// readIdentity fetches the user, the memberships and the tenant tier
// record concurrently
func (r *Resolver) readIdentity(ctx context.Context, userID, tenantID string) (*identitySnapshot, error) {
	snap := &identitySnapshot{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		u, err := r.identity.GetUser(gctx, userID)
		if err != nil {
			return access.Unavailable("identity", err)
		}
		snap.user = u
		return nil
	})
	g.Go(func() error {
		ms, err := r.identity.GetMemberships(gctx, userID)
		if err != nil {
			return access.Unavailable("identity", err)
		}
		snap.memberships = ms
		return nil
	})
	g.Go(func() error {
		t, err := r.tiers.GetTenantTier(gctx, tenantID)
		if err != nil {
			return access.Unavailable("tiers", err)
		}
		snap.tenant = t
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if snap.user.Version != snap.memberships.Version {
		return nil, errVersionSkew
	}
	return snap, nil
}

// readOrganization fetches the organization tier record and the pooled
// counters. A dangling organization reference degrades the tenant to a
// standalone trial instead of failing.
func (r *Resolver) readOrganization(ctx context.Context, b *builder, orgID string) error {
	g, gctx := errgroup.WithContext(ctx)

	var orgMissing bool
	g.Go(func() error {
		org, err := r.tiers.GetOrganizationTier(gctx, orgID)
		if errors.Is(err, access.ErrNotFound) {
			orgMissing = true
			return nil
		}
		if err != nil {
			return access.Unavailable("tiers", err)
		}
		b.org = org
		if org.HeroTenantID != "" && org.HeroTenantID != b.tenantID {
			b.heroMember = r.heroIsMember(gctx, org)
		} else {
			b.heroMember = org.HeroTenantID != ""
		}
		return nil
	})
	g.Go(func() error {
		counters, err := r.usage.GetUsage(gctx, orgID)
		if err != nil {
			return access.Unavailable("usage", err)
		}
		b.counters = counters
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if orgMissing {
		b.anomaly(access.AnomalyMissingOrgRecord, fmt.Sprintf("organization %q referenced by tenant does not exist", orgID))
		counters, err := r.usage.GetUsage(ctx, b.tenantID)
		if err != nil {
			return access.Unavailable("usage", err)
		}
		b.counters = counters
	}
	return nil
}

// heroIsMember reports whether the organization's hero tenant points back
// at the organization. Read failures are treated as membership so a flaky
// diagnostic never blocks resolution.
func (r *Resolver) heroIsMember(ctx context.Context, org *stores.OrganizationTierRecord) bool {
	hero, err := r.tiers.GetTenantTier(ctx, org.HeroTenantID)
	if errors.Is(err, access.ErrNotFound) {
		return false
	}
	if err != nil {
		r.log.WithError(err).WithField("organization_id", org.OrganizationID).Debug("Hero tenant check skipped")
		return true
	}
	return hero.OrganizationID == org.OrganizationID
}

// Stamps reads only the versioned records for the pair. It is the cheap
// freshness check a cache runs before trusting an entry.
func (r *Resolver) Stamps(ctx context.Context, userID, tenantID string) (access.Stamps, error) {
	ctx, span := resolverTracer.Start(ctx, "resolver.Stamps")
	defer span.End()

	var stamps access.Stamps
	var orgID string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := r.identity.GetUser(gctx, userID)
		if err != nil {
			return access.Unavailable("identity", err)
		}
		stamps.RoleVersion = u.Version
		return nil
	})
	g.Go(func() error {
		t, err := r.tiers.GetTenantTier(gctx, tenantID)
		if err != nil {
			return access.Unavailable("tiers", err)
		}
		stamps.TierVersion = t.Version
		orgID = t.OrganizationID
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return access.Stamps{}, err
	}

	if orgID != "" {
		org, err := r.tiers.GetOrganizationTier(ctx, orgID)
		switch {
		case errors.Is(err, access.ErrNotFound):
			// resolved as standalone; zero matches the stored profile
		case err != nil:
			span.RecordError(err)
			return access.Stamps{}, access.Unavailable("tiers", err)
		default:
			stamps.OrganizationVersion = org.Version
		}
	}
	return stamps, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, access.ErrNotFound):
		return "not_found"
	case access.IsRetryable(err):
		return "unavailable"
	default:
		return "error"
	}
}
