package resolver

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/stores"
)

// builder assembles a Resolution from fetched records
type builder struct {
	log      *logrus.Entry
	metrics  *observability.Metrics
	snap     *identitySnapshot
	tenantID string

	org        *stores.OrganizationTierRecord
	heroMember bool
	counters   map[access.ResourceKind]int64
	anomalies  []access.Anomaly
}

func (b *builder) anomaly(kind, msg string) {
	b.anomalies = append(b.anomalies, access.Anomaly{Kind: kind, Message: msg})
	b.metrics.RecordAnomaly(kind)
	b.log.WithField("anomaly", kind).Warn(msg)
}

func (b *builder) build() *access.Resolution {
	user, tenant := b.snap.user, b.snap.tenant

	p := access.Profile{
		UserID:       user.ID,
		TenantID:     b.tenantID,
		PlatformRole: access.NormalizePlatformRole(user.PlatformRole),
		Stamps: access.Stamps{
			TierVersion: tenant.Version,
			RoleVersion: user.Version,
		},
	}
	p.BypassTier, p.BypassRole = access.BypassFor(p.PlatformRole)
	p.TenantRole = b.roleOn(stores.ScopeTenant, b.tenantID)

	var poolLimit int64
	if b.org != nil {
		p.OrganizationID = b.org.OrganizationID
		p.HeroTenantID = b.org.HeroTenantID
		p.OrganizationRole = b.roleOn(stores.ScopeOrganization, b.org.OrganizationID)
		p.Stamps.OrganizationVersion = b.org.Version
		p.EffectiveTier = b.tier(b.org.Tier, "organization "+b.org.OrganizationID)
		poolLimit = b.org.PoolLimit

		if tenant.OwnTier != "" {
			b.anomaly(access.AnomalyOwnTierIgnored,
				fmt.Sprintf("tenant own tier %q ignored while bound to organization %q", tenant.OwnTier, b.org.OrganizationID))
		}
		if !b.heroMember {
			b.anomaly(access.AnomalyHeroNotMember,
				fmt.Sprintf("hero tenant %q is not a member of organization %q", b.org.HeroTenantID, b.org.OrganizationID))
		}
	} else if tenant.OrganizationID != "" || tenant.OwnTier == "" {
		// a dangling organization reference never falls back to the own tier
		p.EffectiveTier = access.TierTrial
	} else {
		p.EffectiveTier = b.tier(tenant.OwnTier, "tenant "+b.tenantID)
	}

	counters := b.counters
	if counters == nil {
		counters = map[access.ResourceKind]int64{}
	}

	return &access.Resolution{
		Profile:    p,
		PoolLimit:  poolLimit,
		Counters:   counters,
		Extensions: tenant.Extensions,
		Anomalies:  b.anomalies,
	}
}

// tier normalizes a stored tier, reporting values off the ladder
func (b *builder) tier(t access.Tier, owner string) access.Tier {
	if t.Valid() {
		return t
	}
	b.anomaly(access.AnomalyUnknownTier, fmt.Sprintf("%s has unknown tier %q, treated as trial", owner, t))
	return access.TierTrial
}

// roleOn finds the grant on a scope. Absence is none; values off the
// ladder are reported and treated as none.
func (b *builder) roleOn(scope stores.Scope, id string) access.Role {
	for _, m := range b.snap.memberships.Memberships {
		if m.Scope != scope || m.ScopeID != id {
			continue
		}
		if !m.Role.Valid() {
			b.anomaly(access.AnomalyUnknownRole, fmt.Sprintf("unknown role %q on %s %q", m.Role, scope, id))
			return access.RoleNone
		}
		return m.Role
	}
	return access.RoleNone
}
