package propagation

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/gatehouse/pkg/access"
)

// plan is the outcome of validation
type plan struct {
	source  string
	targets []string
	payload Payload
}

func invalid(format string, args ...interface{}) error {
	return &access.ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// validate builds the target set and checks the initiator's authority.
// Every failure is a *access.ValidationError; nothing is mutated.
func (r *Runner) validate(ctx context.Context, job *Job) (*plan, error) {
	if job.InitiatorUserID == "" {
		return nil, invalid("initiator is required")
	}
	if job.Payload.Namespace == "" {
		return nil, invalid("payload namespace is required")
	}

	var p *plan
	var err error
	switch job.Scope {
	case ScopeSingleTenant:
		p, err = r.planSingleTenant(ctx, job)
	case ScopeOrganization:
		p, err = r.planOrganization(ctx, job)
	case ScopePlatform:
		p, err = r.planPlatform(ctx, job)
	default:
		return nil, invalid("unknown scope %q", job.Scope)
	}
	if err != nil {
		return nil, err
	}
	if len(p.targets) == 0 {
		return nil, invalid("target set is empty")
	}

	p.payload, err = r.resolvePayload(ctx, p.source, job.Payload)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Runner) planSingleTenant(ctx context.Context, job *Job) (*plan, error) {
	if job.TargetTenantID == "" {
		return nil, invalid("target tenant is required for single_tenant scope")
	}
	if job.TargetTenantID == job.SourceTenantID {
		return nil, invalid("target tenant is the source tenant")
	}
	if _, err := r.dir.GetTenant(ctx, job.TargetTenantID); err != nil {
		return nil, lookupFailed("target tenant", err)
	}
	if err := r.authorize(ctx, job.InitiatorUserID, job.TargetTenantID, access.PresetSingleTenantPush); err != nil {
		return nil, err
	}
	// values read from the source need the same authority there as on the target
	if len(job.Payload.Values) == 0 && job.SourceTenantID != "" {
		if err := r.authorize(ctx, job.InitiatorUserID, job.SourceTenantID, access.PresetSingleTenantPush); err != nil {
			return nil, err
		}
	}
	return &plan{source: job.SourceTenantID, targets: []string{job.TargetTenantID}}, nil
}

func (r *Runner) planOrganization(ctx context.Context, job *Job) (*plan, error) {
	if job.OrganizationID == "" {
		return nil, invalid("organization is required for organization scope")
	}
	org, err := r.dir.GetOrganization(ctx, job.OrganizationID)
	if err != nil {
		return nil, lookupFailed("organization", err)
	}
	hero := org.HeroTenantID
	if hero == "" {
		return nil, invalid("organization %q has no hero tenant", org.ID)
	}
	if job.SourceTenantID != "" && job.SourceTenantID != hero {
		return nil, invalid("source tenant must be the hero tenant %q", hero)
	}
	heroTenant, err := r.dir.GetTenant(ctx, hero)
	if err != nil {
		return nil, lookupFailed("hero tenant", err)
	}
	if heroTenant.OrganizationID != org.ID {
		return nil, fmt.Errorf("%w: %w",
			invalid("hero tenant %q is not a member of organization %q", hero, org.ID),
			access.ErrInconsistentReference)
	}

	if err := r.authorize(ctx, job.InitiatorUserID, hero, access.PresetChainPropagation); err != nil {
		return nil, err
	}

	members, err := r.dir.OrganizationTenants(ctx, org.ID)
	if err != nil {
		return nil, lookupFailed("organization members", err)
	}
	excludeHero := r.cfg.ExcludeHero && !job.IncludeHero
	targets := make([]string, 0, len(members))
	for _, id := range members {
		if id == hero && excludeHero {
			continue
		}
		targets = append(targets, id)
	}
	return &plan{source: hero, targets: targets}, nil
}

func (r *Runner) planPlatform(ctx context.Context, job *Job) (*plan, error) {
	if err := r.authorize(ctx, job.InitiatorUserID, job.SourceTenantID, access.PresetPlatformPropagation); err != nil {
		return nil, err
	}
	if job.Filter == nil {
		return nil, invalid("filter is required for platform scope")
	}
	ids, err := r.dir.ListTenants(ctx, *job.Filter)
	if err != nil {
		return nil, lookupFailed("tenant listing", err)
	}
	targets := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != job.SourceTenantID {
			targets = append(targets, id)
		}
	}
	return &plan{source: job.SourceTenantID, targets: targets}, nil
}

func (r *Runner) authorize(ctx context.Context, userID, tenantID, presetID string) error {
	d, err := r.auth.AuthorizePreset(ctx, userID, tenantID, presetID)
	if err != nil {
		return lookupFailed("initiator access", err)
	}
	if !d.Allowed {
		return invalid("preset %s denied (%s)", presetID, d.Reason)
	}
	return nil
}

// resolvePayload snapshots the values the job pushes, reading them from the
// source tenant when the request carried none
func (r *Runner) resolvePayload(ctx context.Context, source string, p Payload) (Payload, error) {
	if len(p.Values) > 0 {
		return p, nil
	}
	if source == "" {
		return Payload{}, invalid("payload has no values and no source tenant")
	}
	values, err := r.source.Settings(ctx, source, p.Namespace)
	if err != nil {
		return Payload{}, lookupFailed("source settings", err)
	}
	if len(values) == 0 {
		return Payload{}, invalid("source tenant %q has no %q settings", source, p.Namespace)
	}
	return Payload{Namespace: p.Namespace, Values: values}, nil
}

// lookupFailed turns a store error during validation into a validation
// failure that still carries the cause
func lookupFailed(what string, err error) error {
	reason := fmt.Sprintf("%s lookup failed: %v", what, err)
	if errors.Is(err, access.ErrNotFound) {
		reason = fmt.Sprintf("%s not found", what)
	}
	return fmt.Errorf("%w: %w", &access.ValidationError{Reason: reason}, err)
}
