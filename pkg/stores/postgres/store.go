package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/stores"
)

//go:embed schema.sql
var schema string

// DBProvider hands out connections for writes and for lag-tolerant reads
type DBProvider interface {
	Primary() *sql.DB
	Replica() *sql.DB
}

type singleDB struct{ db *sql.DB }

func (s singleDB) Primary() *sql.DB { return s.db }
func (s singleDB) Replica() *sql.DB { return s.db }

// Store implements every stores interface over PostgreSQL
type Store struct {
	dbs DBProvider
}

var (
	_ stores.IdentityStore = (*Store)(nil)
	_ stores.TierStore     = (*Store)(nil)
	_ stores.UsageStore    = (*Store)(nil)
	_ stores.Directory     = (*Store)(nil)
)

// NewStore creates a store over a single connection pool
func NewStore(db *sql.DB) *Store {
	return &Store{dbs: singleDB{db: db}}
}

// NewStoreWithConnections creates a store that reads usage from replicas
func NewStoreWithConnections(dbs DBProvider) *Store {
	return &Store{dbs: dbs}
}

// Migrate creates the gatehouse tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.dbs.Primary().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// GetUser implements stores.IdentityStore
func (s *Store) GetUser(ctx context.Context, userID string) (*stores.UserRecord, error) {
	query := `SELECT id, platform_role, version FROM gatehouse_users WHERE id = $1`

	var u stores.UserRecord
	var role string
	err := s.dbs.Primary().QueryRowContext(ctx, query, userID).Scan(&u.ID, &role, &u.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, access.NewNotFound("user", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.PlatformRole = access.PlatformRole(role)
	return &u, nil
}

// GetMemberships implements stores.IdentityStore. The version is read in the
// same statement as the grants.
func (s *Store) GetMemberships(ctx context.Context, userID string) (*stores.MembershipSet, error) {
	query := `
		SELECT u.version, m.scope, m.scope_id, m.role
		FROM gatehouse_users u
		LEFT JOIN gatehouse_memberships m ON m.user_id = u.id
		WHERE u.id = $1
		ORDER BY m.scope, m.scope_id
	`
	rows, err := s.dbs.Primary().QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get memberships: %w", err)
	}
	defer rows.Close()

	set := &stores.MembershipSet{UserID: userID}
	found := false
	for rows.Next() {
		var scope, scopeID, role sql.NullString
		if err := rows.Scan(&set.Version, &scope, &scopeID, &role); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		found = true
		if !scope.Valid {
			continue
		}
		set.Memberships = append(set.Memberships, stores.Membership{
			Scope:   stores.Scope(scope.String),
			ScopeID: scopeID.String,
			Role:    access.Role(role.String),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memberships: %w", err)
	}
	if !found {
		return nil, access.NewNotFound("user", userID)
	}
	return set, nil
}

// GetTenantTier implements stores.TierStore
func (s *Store) GetTenantTier(ctx context.Context, tenantID string) (*stores.TenantTierRecord, error) {
	query := `
		SELECT id, own_tier, organization_id, version, extensions
		FROM gatehouse_tenants
		WHERE id = $1
	`
	var rec stores.TenantTierRecord
	var ownTier, orgID sql.NullString
	var ext []byte
	err := s.dbs.Primary().QueryRowContext(ctx, query, tenantID).Scan(&rec.TenantID, &ownTier, &orgID, &rec.Version, &ext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, access.NewNotFound("tenant", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant tier: %w", err)
	}
	rec.OwnTier = access.Tier(ownTier.String)
	rec.OrganizationID = orgID.String
	if len(ext) > 0 {
		if err := json.Unmarshal(ext, &rec.Extensions); err != nil {
			return nil, fmt.Errorf("failed to decode tenant extensions: %w", err)
		}
	}
	return &rec, nil
}

// GetOrganizationTier implements stores.TierStore
func (s *Store) GetOrganizationTier(ctx context.Context, orgID string) (*stores.OrganizationTierRecord, error) {
	query := `
		SELECT id, tier, pool_limit, hero_tenant_id, version
		FROM gatehouse_organizations
		WHERE id = $1
	`
	var rec stores.OrganizationTierRecord
	var tier string
	var hero sql.NullString
	err := s.dbs.Primary().QueryRowContext(ctx, query, orgID).Scan(&rec.OrganizationID, &tier, &rec.PoolLimit, &hero, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, access.NewNotFound("organization", orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization tier: %w", err)
	}
	rec.Tier = access.Tier(tier)
	rec.HeroTenantID = hero.String
	return &rec, nil
}

// GetUsage implements stores.UsageStore
func (s *Store) GetUsage(ctx context.Context, ownerID string) (map[access.ResourceKind]int64, error) {
	query := `SELECT resource, value FROM gatehouse_usage_counters WHERE owner_id = $1`

	rows, err := s.dbs.Replica().QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[access.ResourceKind]int64)
	for rows.Next() {
		var resource string
		var value int64
		if err := rows.Scan(&resource, &value); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		usage[access.ResourceKind(resource)] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage: %w", err)
	}
	return usage, nil
}

// Increment implements stores.UsageStore with a single upsert so concurrent
// writers never lose updates
func (s *Store) Increment(ctx context.Context, ownerID string, kind access.ResourceKind, delta int64) (int64, error) {
	query := `
		INSERT INTO gatehouse_usage_counters (owner_id, resource, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, resource)
		DO UPDATE SET value = gatehouse_usage_counters.value + EXCLUDED.value
		RETURNING value
	`
	var value int64
	if err := s.dbs.Primary().QueryRowContext(ctx, query, ownerID, string(kind), delta).Scan(&value); err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return value, nil
}

// GetTenant implements stores.Directory
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*stores.Tenant, error) {
	query := `SELECT id, name, owner_user_id, organization_id FROM gatehouse_tenants WHERE id = $1`

	var t stores.Tenant
	var orgID sql.NullString
	err := s.dbs.Primary().QueryRowContext(ctx, query, tenantID).Scan(&t.ID, &t.Name, &t.OwnerUserID, &orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, access.NewNotFound("tenant", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	t.OrganizationID = orgID.String
	return &t, nil
}

// GetOrganization implements stores.Directory
func (s *Store) GetOrganization(ctx context.Context, orgID string) (*stores.Organization, error) {
	query := `SELECT id, name, owner_user_id, hero_tenant_id FROM gatehouse_organizations WHERE id = $1`

	var o stores.Organization
	var hero sql.NullString
	err := s.dbs.Primary().QueryRowContext(ctx, query, orgID).Scan(&o.ID, &o.Name, &o.OwnerUserID, &hero)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, access.NewNotFound("organization", orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	o.HeroTenantID = hero.String
	return &o, nil
}

// OrganizationTenants implements stores.Directory
func (s *Store) OrganizationTenants(ctx context.Context, orgID string) ([]string, error) {
	if _, err := s.GetOrganization(ctx, orgID); err != nil {
		return nil, err
	}
	query := `SELECT id FROM gatehouse_tenants WHERE organization_id = $1 ORDER BY id`
	return s.queryIDs(ctx, query, orgID)
}

// Siblings implements stores.Directory
func (s *Store) Siblings(ctx context.Context, tenantID string) ([]string, error) {
	query := `
		SELECT s.id
		FROM gatehouse_tenants t
		JOIN gatehouse_tenants s
		  ON s.owner_user_id = t.owner_user_id
		 AND s.id <> t.id
		 AND s.organization_id IS NULL
		WHERE t.id = $1 AND t.organization_id IS NULL
		ORDER BY s.id
	`
	return s.queryIDs(ctx, query, tenantID)
}

// ListTenants implements stores.Directory. Tier filters match the effective
// tier, so organization-bound tenants match on the organization's tier.
func (s *Store) ListTenants(ctx context.Context, filter stores.TenantFilter) ([]string, error) {
	var conds []string
	var args []interface{}

	if filter.StandaloneOnly {
		conds = append(conds, "t.organization_id IS NULL")
	}
	if filter.OrganizationID != "" {
		args = append(args, filter.OrganizationID)
		conds = append(conds, fmt.Sprintf("t.organization_id = $%d", len(args)))
	}
	if len(filter.TenantIDs) > 0 {
		args = append(args, pq.Array(filter.TenantIDs))
		conds = append(conds, fmt.Sprintf("t.id = ANY($%d)", len(args)))
	}
	if len(filter.Tiers) > 0 {
		tiers := make([]string, len(filter.Tiers))
		for i, t := range filter.Tiers {
			tiers[i] = string(t)
		}
		args = append(args, pq.Array(tiers))
		conds = append(conds, fmt.Sprintf("COALESCE(o.tier, NULLIF(t.own_tier, ''), 'trial') = ANY($%d)", len(args)))
	}

	query := `
		SELECT t.id
		FROM gatehouse_tenants t
		LEFT JOIN gatehouse_organizations o ON o.id = t.organization_id`
	if len(conds) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conds, " AND ")
	}
	query += "\n\t\tORDER BY t.id"

	return s.queryIDs(ctx, query, args...)
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.dbs.Primary().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenants: %w", err)
	}
	return ids, nil
}
