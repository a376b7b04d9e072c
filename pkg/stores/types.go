package stores

import (
	"context"

	"github.com/platinummonkey/gatehouse/pkg/access"
)

// Scope is what a membership grants a role on
type Scope string

const (
	ScopeTenant       Scope = "tenant"
	ScopeOrganization Scope = "organization"
)

// UserRecord is a user's platform-level identity
type UserRecord struct {
	ID           string              `json:"id"`
	PlatformRole access.PlatformRole `json:"platform_role"`
	Version      int64               `json:"version"`
}

// Membership is one role grant on a tenant or organization
type Membership struct {
	Scope   Scope       `json:"scope"`
	ScopeID string      `json:"scope_id"`
	Role    access.Role `json:"role"`
}

// MembershipSet is every grant a user holds, stamped with the user's
// identity version at read time
type MembershipSet struct {
	UserID      string       `json:"user_id"`
	Memberships []Membership `json:"memberships"`
	Version     int64        `json:"version"`
}

// RoleOn returns the role granted on the scope, or none
func (s *MembershipSet) RoleOn(scope Scope, id string) access.Role {
	if s == nil || id == "" {
		return access.RoleNone
	}
	for _, m := range s.Memberships {
		if m.Scope == scope && m.ScopeID == id {
			return access.NormalizeRole(m.Role)
		}
	}
	return access.RoleNone
}

// TenantTierRecord is the tier-relevant part of a tenant. OwnTier is empty
// when the tenant never had one.
type TenantTierRecord struct {
	TenantID       string            `json:"tenant_id"`
	OwnTier        access.Tier       `json:"own_tier,omitempty"`
	OrganizationID string            `json:"organization_id,omitempty"`
	Version        int64             `json:"version"`
	Extensions     access.Extensions `json:"extensions,omitempty"`
}

// OrganizationTierRecord is an organization's shared tier and SKU pool
type OrganizationTierRecord struct {
	OrganizationID string      `json:"organization_id"`
	Tier           access.Tier `json:"tier"`
	PoolLimit      int64       `json:"pool_limit"`
	HeroTenantID   string      `json:"hero_tenant_id"`
	Version        int64       `json:"version"`
}

// Tenant is the directory view of a tenant
type Tenant struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	OwnerUserID    string `json:"owner_user_id"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// Organization is the directory view of an organization
type Organization struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	OwnerUserID  string `json:"owner_user_id"`
	HeroTenantID string `json:"hero_tenant_id"`
}

// TenantFilter selects tenants for platform-wide propagation. Empty fields
// match everything.
type TenantFilter struct {
	Tiers          []access.Tier `json:"tiers,omitempty"`
	OrganizationID string        `json:"organization_id,omitempty"`
	StandaloneOnly bool          `json:"standalone_only,omitempty"`
	TenantIDs      []string      `json:"tenant_ids,omitempty"`
}

// IdentityStore supplies platform roles and memberships
type IdentityStore interface {
	GetUser(ctx context.Context, userID string) (*UserRecord, error)
	GetMemberships(ctx context.Context, userID string) (*MembershipSet, error)
}

// TierStore supplies tenant and organization tiers
type TierStore interface {
	GetTenantTier(ctx context.Context, tenantID string) (*TenantTierRecord, error)
	GetOrganizationTier(ctx context.Context, orgID string) (*OrganizationTierRecord, error)
}

// UsageStore supplies usage counters for a tenant or an organization pool.
// Increment is atomic at the source.
type UsageStore interface {
	GetUsage(ctx context.Context, ownerID string) (map[access.ResourceKind]int64, error)
	Increment(ctx context.Context, ownerID string, kind access.ResourceKind, delta int64) (int64, error)
}

// Directory answers the structural questions propagation needs
type Directory interface {
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	GetOrganization(ctx context.Context, orgID string) (*Organization, error)
	OrganizationTenants(ctx context.Context, orgID string) ([]string, error)
	Siblings(ctx context.Context, tenantID string) ([]string, error)
	ListTenants(ctx context.Context, filter TenantFilter) ([]string, error)
}
