package engine

import (
	"context"
	"fmt"

	"github.com/platinummonkey/gatehouse/pkg/accesscache"
	"github.com/platinummonkey/gatehouse/pkg/audit"
)

// NotifyTenantTierChanged is called after a tenant's own tier or extensions
// changed
func (e *Engine) NotifyTenantTierChanged(ctx context.Context, tenantID string) error {
	err := e.notify(ctx, accesscache.Invalidation{Scope: accesscache.ScopeTenant, TenantID: tenantID})
	e.recordChange(ctx, audit.EventTierChanged, audit.ResourceTenant, tenantID, func(ev *audit.Event) {
		ev.TenantID = tenantID
	}, err)
	return err
}

// NotifyOrganizationChanged is called after an organization's tier, pool or
// hero tenant changed
func (e *Engine) NotifyOrganizationChanged(ctx context.Context, orgID string) error {
	err := e.notify(ctx, accesscache.Invalidation{Scope: accesscache.ScopeOrganization, OrganizationID: orgID})
	e.recordChange(ctx, audit.EventOrganizationChanged, audit.ResourceOrganization, orgID, func(ev *audit.Event) {
		ev.OrganizationID = orgID
	}, err)
	return err
}

// NotifyRoleChanged is called after a user's platform role or any of their
// memberships changed
func (e *Engine) NotifyRoleChanged(ctx context.Context, userID string) error {
	err := e.notify(ctx, accesscache.Invalidation{Scope: accesscache.ScopeUser, UserID: userID})
	e.recordChange(ctx, audit.EventRoleChanged, audit.ResourceUser, userID, nil, err)
	return err
}

// NotifyMembershipChanged is called after a grant on one tenant changed
func (e *Engine) NotifyMembershipChanged(ctx context.Context, userID, tenantID string) error {
	err := e.notify(ctx, accesscache.Invalidation{Scope: accesscache.ScopePair, UserID: userID, TenantID: tenantID})
	e.recordChange(ctx, audit.EventMembershipChanged, audit.ResourceUser, userID, func(ev *audit.Event) {
		ev.TenantID = tenantID
	}, err)
	return err
}

// NotifyTenantTransferred is called after a tenant joined, left or moved
// between organizations. Either organization id may be empty.
func (e *Engine) NotifyTenantTransferred(ctx context.Context, tenantID, fromOrgID, toOrgID string) error {
	invs := []accesscache.Invalidation{{Scope: accesscache.ScopeTenant, TenantID: tenantID}}
	for _, orgID := range []string{fromOrgID, toOrgID} {
		if orgID != "" {
			invs = append(invs, accesscache.Invalidation{Scope: accesscache.ScopeOrganization, OrganizationID: orgID})
		}
	}
	var first error
	for _, inv := range invs {
		if err := e.notify(ctx, inv); err != nil && first == nil {
			first = err
		}
	}
	e.recordChange(ctx, audit.EventTenantTransferred, audit.ResourceTenant, tenantID, func(ev *audit.Event) {
		ev.TenantID = tenantID
		ev.OrganizationID = toOrgID
		ev.Metadata["from_organization_id"] = fromOrgID
		ev.Metadata["to_organization_id"] = toOrgID
	}, first)
	return first
}

// notify invalidates locally, then broadcasts. The local cache is always
// invalidated even when the broadcast fails.
func (e *Engine) notify(ctx context.Context, inv accesscache.Invalidation) error {
	e.cache.Apply(inv)
	if err := e.bus.Publish(ctx, inv); err != nil {
		return fmt.Errorf("failed to broadcast %s invalidation: %w", inv.Scope, err)
	}
	return nil
}

// recordChange audits a reported access change. A failed broadcast is
// recorded as a failure even though the local cache was invalidated.
func (e *Engine) recordChange(ctx context.Context, t audit.EventType, rt audit.ResourceType, id string, fill func(*audit.Event), err error) {
	status, msg := outcome(err)
	event := audit.NewEvent(ctx, t, status)
	event.ResourceType = rt
	event.ResourceID = id
	event.ErrorMessage = msg
	if fill != nil {
		fill(event)
	}
	e.record(ctx, event)
}
