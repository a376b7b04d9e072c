package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/accesscache"
)

// CheckUsage reports whether adding delta of kind would exceed the tenant's
// limit, returning a *access.QuotaExceededError if so. The check reads the
// cached context and is advisory; the counter itself is only ever changed
// through RecordUsage.
func (e *Engine) CheckUsage(ctx context.Context, userID, tenantID string, kind access.ResourceKind, delta int64) error {
	if !kind.Valid() {
		return &access.ValidationError{Reason: fmt.Sprintf("unknown resource %q", kind)}
	}
	rc, err := e.ResolveAccess(ctx, userID, tenantID)
	if err != nil {
		return err
	}
	status, ok := rc.Usage[kind]
	if !ok {
		return nil
	}
	return access.CheckQuota(kind, status.Current, delta, access.Limit{Max: status.Limit, Unlimited: status.Unlimited})
}

// RecordUsage atomically adds delta to the counter that backs the tenant:
// the organization pool for bound tenants, the tenant's own otherwise.
// It returns the new value.
func (e *Engine) RecordUsage(ctx context.Context, tenantID string, kind access.ResourceKind, delta int64) (int64, error) {
	if !kind.Valid() {
		return 0, &access.ValidationError{Reason: fmt.Sprintf("unknown resource %q", kind)}
	}
	owner, orgID, err := e.usageOwner(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	value, err := e.usage.Increment(ctx, owner, kind, delta)
	if err != nil {
		return 0, access.Unavailable("usage", err)
	}
	e.metrics.RecordUsageIncrement(string(kind))

	inv := accesscache.Invalidation{Scope: accesscache.ScopeTenant, TenantID: tenantID}
	if orgID != "" {
		inv = accesscache.Invalidation{Scope: accesscache.ScopeOrganization, OrganizationID: orgID}
	}
	if err := e.notify(ctx, inv); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"resource":  kind,
		}).Warn("Usage recorded but invalidation broadcast failed")
	}
	return value, nil
}

// usageOwner returns the counter owner for a tenant. A dangling
// organization reference falls back to the tenant, matching resolution.
func (e *Engine) usageOwner(ctx context.Context, tenantID string) (owner, orgID string, err error) {
	rec, err := e.tiers.GetTenantTier(ctx, tenantID)
	if err != nil {
		return "", "", access.Unavailable("tiers", err)
	}
	if rec.OrganizationID == "" {
		return tenantID, "", nil
	}
	if _, err := e.tiers.GetOrganizationTier(ctx, rec.OrganizationID); err != nil {
		if errors.Is(err, access.ErrNotFound) {
			return tenantID, "", nil
		}
		return "", "", access.Unavailable("tiers", err)
	}
	return rec.OrganizationID, rec.OrganizationID, nil
}
