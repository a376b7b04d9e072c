package access

import (
	"fmt"
	"math"
)

// ResourceKind is a metered resource
type ResourceKind string

const (
	ResourceSKUs      ResourceKind = "skus"
	ResourceLocations ResourceKind = "locations"
	ResourceSeats     ResourceKind = "seats"
	ResourceAPICalls  ResourceKind = "api_calls"
)

// ResourceKinds returns every metered resource
func ResourceKinds() []ResourceKind {
	return []ResourceKind{ResourceSKUs, ResourceLocations, ResourceSeats, ResourceAPICalls}
}

// Valid reports whether the resource kind is known
func (k ResourceKind) Valid() bool {
	switch k {
	case ResourceSKUs, ResourceLocations, ResourceSeats, ResourceAPICalls:
		return true
	}
	return false
}

// Limit is a tier's cap on one resource
type Limit struct {
	Max       int64 `json:"max" yaml:"max"`
	Unlimited bool  `json:"unlimited,omitempty" yaml:"unlimited,omitempty"`
}

// LimitTable maps tiers to per-resource limits
type LimitTable map[Tier]map[ResourceKind]Limit

// Validate checks that every tier and resource is known and every tier
// declares every resource
func (t LimitTable) Validate() error {
	for _, tier := range Tiers() {
		limits, ok := t[tier]
		if !ok {
			return fmt.Errorf("limits: missing tier %s", tier)
		}
		for _, kind := range ResourceKinds() {
			l, ok := limits[kind]
			if !ok {
				return fmt.Errorf("limits: tier %s missing %s", tier, kind)
			}
			if !l.Unlimited && l.Max < 0 {
				return fmt.Errorf("limits: tier %s has negative %s limit", tier, kind)
			}
		}
	}
	for tier, limits := range t {
		if !tier.Valid() {
			return fmt.Errorf("limits: unknown tier %q", tier)
		}
		for kind := range limits {
			if !kind.Valid() {
				return fmt.Errorf("limits: unknown resource %q", kind)
			}
		}
	}
	return nil
}

func unlimited() Limit      { return Limit{Unlimited: true} }
func capped(n int64) Limit { return Limit{Max: n} }

// DefaultLimits returns the built-in limit table. The organization tier's
// SKU limit is normally replaced by the organization's pool limit.
func DefaultLimits() LimitTable {
	return LimitTable{
		TierTrial: {
			ResourceSKUs:      capped(100),
			ResourceLocations: capped(1),
			ResourceSeats:     capped(2),
			ResourceAPICalls:  capped(1000),
		},
		TierStarter: {
			ResourceSKUs:      capped(1000),
			ResourceLocations: capped(3),
			ResourceSeats:     capped(5),
			ResourceAPICalls:  capped(10000),
		},
		TierProfessional: {
			ResourceSKUs:      capped(10000),
			ResourceLocations: capped(10),
			ResourceSeats:     capped(25),
			ResourceAPICalls:  capped(100000),
		},
		TierEnterprise: {
			ResourceSKUs:      capped(100000),
			ResourceLocations: capped(50),
			ResourceSeats:     unlimited(),
			ResourceAPICalls:  unlimited(),
		},
		TierOrganization: {
			ResourceSKUs:      capped(250000),
			ResourceLocations: unlimited(),
			ResourceSeats:     unlimited(),
			ResourceAPICalls:  unlimited(),
		},
	}
}

// UsageStatus is the consumption of one resource against its limit
type UsageStatus struct {
	Current      int64 `json:"current"`
	Limit        int64 `json:"limit"`
	Unlimited    bool  `json:"unlimited"`
	Percent      int   `json:"percent"`
	LimitReached bool  `json:"limit_reached"`
}

// ComputeStatus derives the status of one counter. Unlimited resources never
// report a percentage or a reached limit.
func ComputeStatus(current int64, limit Limit) UsageStatus {
	if limit.Unlimited {
		return UsageStatus{Current: current, Unlimited: true}
	}

	status := UsageStatus{
		Current:      current,
		Limit:        limit.Max,
		LimitReached: current >= limit.Max,
	}
	if limit.Max <= 0 {
		if current > 0 {
			status.Percent = 100
		}
		return status
	}

	pct := math.Round(100 * float64(current) / float64(limit.Max))
	switch {
	case pct < 0:
		pct = 0
	case pct > 100:
		pct = 100
	}
	status.Percent = int(pct)
	return status
}

// ComputeUsage derives a status for every resource in limits
func ComputeUsage(limits map[ResourceKind]Limit, counters map[ResourceKind]int64) map[ResourceKind]UsageStatus {
	usage := make(map[ResourceKind]UsageStatus, len(limits))
	for kind, limit := range limits {
		usage[kind] = ComputeStatus(counters[kind], limit)
	}
	return usage
}

// EffectiveLimits returns the tier limits with the organization pool limit
// applied to SKUs when one is set
func EffectiveLimits(c *Catalog, tier Tier, poolLimit int64) map[ResourceKind]Limit {
	base := c.Limits(tier)
	limits := make(map[ResourceKind]Limit, len(base))
	for k, v := range base {
		limits[k] = v
	}
	if poolLimit > 0 {
		limits[ResourceSKUs] = Limit{Max: poolLimit}
	}
	return limits
}

// CheckQuota returns a QuotaExceededError when adding delta to current would
// go past the limit
func CheckQuota(kind ResourceKind, current, delta int64, limit Limit) error {
	if limit.Unlimited {
		return nil
	}
	if current+delta > limit.Max {
		return &QuotaExceededError{Resource: kind, Current: current, Limit: limit.Max}
	}
	return nil
}
