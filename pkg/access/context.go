package access

import "time"

// Stamps are the versions of the records a profile was built from
type Stamps struct {
	// TierVersion is the tenant tier record version (tier and organization reference)
	TierVersion int64 `json:"tier_version"`
	// OrganizationVersion is the organization tier record version, zero for standalone tenants
	OrganizationVersion int64 `json:"organization_version"`
	// RoleVersion is the user's identity version (platform role and memberships)
	RoleVersion int64 `json:"role_version"`
}

// Before reports whether s is strictly older than o: no component is newer
// and at least one is older.
func (s Stamps) Before(o Stamps) bool {
	if s.TierVersion > o.TierVersion || s.OrganizationVersion > o.OrganizationVersion || s.RoleVersion > o.RoleVersion {
		return false
	}
	return s != o
}

// Anomaly is a data inconsistency resolution worked around
type Anomaly struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

const (
	AnomalyOwnTierIgnored   = "own_tier_ignored"
	AnomalyHeroNotMember    = "hero_not_member"
	AnomalyUnknownTier      = "unknown_tier"
	AnomalyUnknownRole      = "unknown_role"
	AnomalyMissingOrgRecord = "missing_organization"
)

// Extensions are tenant-defined values grouped by namespace. They travel with
// the context for callers but never influence a Decision.
type Extensions map[string]map[string]any

// Get returns a value from a namespace
func (e Extensions) Get(namespace, key string) (any, bool) {
	ns, ok := e[namespace]
	if !ok {
		return nil, false
	}
	v, ok := ns[key]
	return v, ok
}

// Resolution is everything fetched for one (user, tenant) pair
type Resolution struct {
	Profile    Profile
	PoolLimit  int64
	Counters   map[ResourceKind]int64
	Extensions Extensions
	Anomalies  []Anomaly
}

// ResolvedAccessContext is the derived, cache-only view of one user on one
// tenant
type ResolvedAccessContext struct {
	Profile
	Features   map[string]map[PermissionKind]Decision `json:"features"`
	Presets    map[string]Decision                    `json:"presets"`
	Usage      map[ResourceKind]UsageStatus           `json:"usage"`
	Extensions Extensions                             `json:"extensions,omitempty"`
	Anomalies  []Anomaly                              `json:"anomalies,omitempty"`
	ResolvedAt time.Time                              `json:"resolved_at"`
}

// BuildContext evaluates every catalog feature and preset against the
// resolved profile and computes usage
func BuildContext(c *Catalog, res *Resolution, now time.Time) *ResolvedAccessContext {
	p := res.Profile
	out := &ResolvedAccessContext{
		Profile:    p,
		Features:   make(map[string]map[PermissionKind]Decision, len(c.features)),
		Presets:    make(map[string]Decision, len(c.presets)),
		Usage:      ComputeUsage(EffectiveLimits(c, p.EffectiveTier, res.PoolLimit), res.Counters),
		Extensions: res.Extensions,
		Anomalies:  res.Anomalies,
		ResolvedAt: now,
	}

	for id, f := range c.features {
		decisions := make(map[PermissionKind]Decision, len(f.Requirements))
		for _, kind := range PermissionKinds() {
			decisions[kind] = Evaluate(&p, &f, kind)
		}
		out.Features[id] = decisions
	}
	for id, preset := range c.presets {
		out.Presets[id] = EvaluatePreset(&p, &preset)
	}
	return out
}

// Feature returns the memoized decision, denying anything not evaluated
func (c *ResolvedAccessContext) Feature(featureID string, kind PermissionKind) Decision {
	if c == nil {
		return denyUnknown
	}
	d, ok := c.Features[featureID][kind]
	if !ok {
		return denyUnknown
	}
	return d
}
