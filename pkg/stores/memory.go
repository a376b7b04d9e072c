package stores

import (
	"context"
	"sort"
	"sync"

	"github.com/platinummonkey/gatehouse/pkg/access"
)

type memUser struct {
	record      UserRecord
	memberships []Membership
}

type memTenant struct {
	tenant     Tenant
	ownTier    access.Tier
	version    int64
	extensions access.Extensions
}

type memOrg struct {
	org       Organization
	tier      access.Tier
	poolLimit int64
	version   int64
}

// Memory is an in-process implementation of every store interface. All
// versions come from one sequence so they only ever increase.
type Memory struct {
	mu      sync.RWMutex
	seq     int64
	users   map[string]*memUser
	tenants map[string]*memTenant
	orgs    map[string]*memOrg
	usage   map[string]map[access.ResourceKind]int64
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]*memUser),
		tenants: make(map[string]*memTenant),
		orgs:    make(map[string]*memOrg),
		usage:   make(map[string]map[access.ResourceKind]int64),
	}
}

func (m *Memory) next() int64 {
	m.seq++
	return m.seq
}

// PutUser creates or updates a user's platform role
func (m *Memory) PutUser(userID string, role access.PlatformRole) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		u = &memUser{record: UserRecord{ID: userID}}
		m.users[userID] = u
	}
	u.record.PlatformRole = role
	u.record.Version = m.next()
}

// Grant sets the user's role on a tenant or organization, replacing any
// existing grant on the same scope
func (m *Memory) Grant(userID string, scope Scope, scopeID string, role access.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		u = &memUser{record: UserRecord{ID: userID, PlatformRole: access.PlatformNone}}
		m.users[userID] = u
	}
	for i, ms := range u.memberships {
		if ms.Scope == scope && ms.ScopeID == scopeID {
			u.memberships[i].Role = role
			u.record.Version = m.next()
			return
		}
	}
	u.memberships = append(u.memberships, Membership{Scope: scope, ScopeID: scopeID, Role: role})
	u.record.Version = m.next()
}

// Revoke removes the user's grant on a scope
func (m *Memory) Revoke(userID string, scope Scope, scopeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return
	}
	kept := u.memberships[:0]
	for _, ms := range u.memberships {
		if ms.Scope != scope || ms.ScopeID != scopeID {
			kept = append(kept, ms)
		}
	}
	u.memberships = kept
	u.record.Version = m.next()
}

// PutTenant creates or replaces a tenant
func (m *Memory) PutTenant(t Tenant, ownTier access.Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.tenants[t.ID]
	var ext access.Extensions
	if ok {
		ext = existing.extensions
	}
	m.tenants[t.ID] = &memTenant{tenant: t, ownTier: ownTier, version: m.next(), extensions: ext}
}

// SetTenantTier changes a tenant's own tier
func (m *Memory) SetTenantTier(tenantID string, tier access.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[tenantID]
	if !ok {
		return access.NewNotFound("tenant", tenantID)
	}
	t.ownTier = tier
	t.version = m.next()
	return nil
}

// SetTenantExtensions replaces a tenant's extension namespace
func (m *Memory) SetTenantExtensions(tenantID, namespace string, values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[tenantID]
	if !ok {
		return access.NewNotFound("tenant", tenantID)
	}
	if t.extensions == nil {
		t.extensions = access.Extensions{}
	}
	t.extensions[namespace] = values
	t.version = m.next()
	return nil
}

// PutOrganization creates or replaces an organization
func (m *Memory) PutOrganization(o Organization, tier access.Tier, poolLimit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orgs[o.ID] = &memOrg{org: o, tier: tier, poolLimit: poolLimit, version: m.next()}
}

// SetOrganizationTier changes an organization's tier and pool
func (m *Memory) SetOrganizationTier(orgID string, tier access.Tier, poolLimit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orgs[orgID]
	if !ok {
		return access.NewNotFound("organization", orgID)
	}
	o.tier = tier
	o.poolLimit = poolLimit
	o.version = m.next()
	return nil
}

// SetHeroTenant changes an organization's hero tenant
func (m *Memory) SetHeroTenant(orgID, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orgs[orgID]
	if !ok {
		return access.NewNotFound("organization", orgID)
	}
	o.org.HeroTenantID = tenantID
	o.version = m.next()
	return nil
}

// JoinOrganization binds a tenant to an organization. The tenant's own tier
// is kept but no longer used for resolution.
func (m *Memory) JoinOrganization(tenantID, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[tenantID]
	if !ok {
		return access.NewNotFound("tenant", tenantID)
	}
	if _, ok := m.orgs[orgID]; !ok {
		return access.NewNotFound("organization", orgID)
	}
	t.tenant.OrganizationID = orgID
	t.version = m.next()
	return nil
}

// LeaveOrganization unbinds a tenant from its organization
func (m *Memory) LeaveOrganization(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[tenantID]
	if !ok {
		return access.NewNotFound("tenant", tenantID)
	}
	t.tenant.OrganizationID = ""
	t.version = m.next()
	return nil
}

// SetUsage overwrites a counter
func (m *Memory) SetUsage(ownerID string, kind access.ResourceKind, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.usage[ownerID] == nil {
		m.usage[ownerID] = make(map[access.ResourceKind]int64)
	}
	m.usage[ownerID][kind] = value
}

// GetUser implements IdentityStore
func (m *Memory) GetUser(ctx context.Context, userID string) (*UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, access.NewNotFound("user", userID)
	}
	rec := u.record
	return &rec, nil
}

// GetMemberships implements IdentityStore
func (m *Memory) GetMemberships(ctx context.Context, userID string) (*MembershipSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, access.NewNotFound("user", userID)
	}
	ms := make([]Membership, len(u.memberships))
	copy(ms, u.memberships)
	return &MembershipSet{UserID: userID, Memberships: ms, Version: u.record.Version}, nil
}

// GetTenantTier implements TierStore
func (m *Memory) GetTenantTier(ctx context.Context, tenantID string) (*TenantTierRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, access.NewNotFound("tenant", tenantID)
	}
	return &TenantTierRecord{
		TenantID:       tenantID,
		OwnTier:        t.ownTier,
		OrganizationID: t.tenant.OrganizationID,
		Version:        t.version,
		Extensions:     copyExtensions(t.extensions),
	}, nil
}

// GetOrganizationTier implements TierStore
func (m *Memory) GetOrganizationTier(ctx context.Context, orgID string) (*OrganizationTierRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orgs[orgID]
	if !ok {
		return nil, access.NewNotFound("organization", orgID)
	}
	return &OrganizationTierRecord{
		OrganizationID: orgID,
		Tier:           o.tier,
		PoolLimit:      o.poolLimit,
		HeroTenantID:   o.org.HeroTenantID,
		Version:        o.version,
	}, nil
}

// GetUsage implements UsageStore. Owners with no counters report zeros.
func (m *Memory) GetUsage(ctx context.Context, ownerID string) (map[access.ResourceKind]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[access.ResourceKind]int64, len(m.usage[ownerID]))
	for k, v := range m.usage[ownerID] {
		out[k] = v
	}
	return out, nil
}

// Increment implements UsageStore
func (m *Memory) Increment(ctx context.Context, ownerID string, kind access.ResourceKind, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.usage[ownerID] == nil {
		m.usage[ownerID] = make(map[access.ResourceKind]int64)
	}
	m.usage[ownerID][kind] += delta
	return m.usage[ownerID][kind], nil
}

// GetTenant implements Directory
func (m *Memory) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, access.NewNotFound("tenant", tenantID)
	}
	out := t.tenant
	return &out, nil
}

// GetOrganization implements Directory
func (m *Memory) GetOrganization(ctx context.Context, orgID string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orgs[orgID]
	if !ok {
		return nil, access.NewNotFound("organization", orgID)
	}
	out := o.org
	return &out, nil
}

// OrganizationTenants implements Directory
func (m *Memory) OrganizationTenants(ctx context.Context, orgID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.orgs[orgID]; !ok {
		return nil, access.NewNotFound("organization", orgID)
	}
	var ids []string
	for id, t := range m.tenants {
		if t.tenant.OrganizationID == orgID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Siblings implements Directory. Only standalone tenants have siblings.
func (m *Memory) Siblings(ctx context.Context, tenantID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	self, ok := m.tenants[tenantID]
	if !ok {
		return nil, access.NewNotFound("tenant", tenantID)
	}
	if self.tenant.OrganizationID != "" || self.tenant.OwnerUserID == "" {
		return nil, nil
	}
	var ids []string
	for id, t := range m.tenants {
		if id == tenantID || t.tenant.OrganizationID != "" {
			continue
		}
		if t.tenant.OwnerUserID == self.tenant.OwnerUserID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListTenants implements Directory. Tier filters match the effective tier.
func (m *Memory) ListTenants(ctx context.Context, filter TenantFilter) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, t := range m.tenants {
		tier := access.NormalizeTier(t.ownTier)
		if orgID := t.tenant.OrganizationID; orgID != "" {
			if o, ok := m.orgs[orgID]; ok {
				tier = access.NormalizeTier(o.tier)
			}
		}
		if matchFilter(filter, id, t.tenant.OrganizationID, tier) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func matchFilter(f TenantFilter, tenantID, orgID string, tier access.Tier) bool {
	if f.StandaloneOnly && orgID != "" {
		return false
	}
	if f.OrganizationID != "" && f.OrganizationID != orgID {
		return false
	}
	if len(f.TenantIDs) > 0 && !contains(f.TenantIDs, tenantID) {
		return false
	}
	if len(f.Tiers) > 0 {
		found := false
		for _, t := range f.Tiers {
			if t == tier {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func copyExtensions(e access.Extensions) access.Extensions {
	if e == nil {
		return nil
	}
	out := make(access.Extensions, len(e))
	for ns, values := range e {
		inner := make(map[string]any, len(values))
		for k, v := range values {
			inner[k] = v
		}
		out[ns] = inner
	}
	return out
}
