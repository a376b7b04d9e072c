package access

// Reason explains an access decision
type Reason string

const (
	ReasonOK    Reason = "ok"
	ReasonTier  Reason = "tier"
	ReasonRole  Reason = "role"
	ReasonAdmin Reason = "admin"
	// ReasonUnknown is returned for unknown features, presets or permission
	// kinds, and for a missing profile
	ReasonUnknown Reason = "unknown"
)

// Decision is the outcome of evaluating a feature or preset
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
}

var denyUnknown = Decision{Allowed: false, Reason: ReasonUnknown}

// Profile is the merged authority of one user on one tenant
type Profile struct {
	UserID           string       `json:"user_id"`
	TenantID         string       `json:"tenant_id"`
	OrganizationID   string       `json:"organization_id,omitempty"`
	HeroTenantID     string       `json:"hero_tenant_id,omitempty"`
	EffectiveTier    Tier         `json:"effective_tier"`
	TenantRole       Role         `json:"tenant_role"`
	OrganizationRole Role         `json:"organization_role"`
	PlatformRole     PlatformRole `json:"platform_role"`
	BypassTier       bool         `json:"bypass_tier"`
	BypassRole       bool         `json:"bypass_role"`
	Stamps           Stamps       `json:"stamps"`
}

// InOrganization reports whether the tenant is bound to an organization
func (p *Profile) InOrganization() bool {
	return p.OrganizationID != ""
}

// IsPlatformAdmin reports whether the profile carries full platform bypass
func (p *Profile) IsPlatformAdmin() bool {
	return p.PlatformRole == PlatformAdmin && p.BypassTier && p.BypassRole
}

// BypassFor derives the bypass flags granted by a platform role. Support
// staff bypass role gates only; tier gates still apply to them.
func BypassFor(role PlatformRole) (bypassTier, bypassRole bool) {
	switch role {
	case PlatformAdmin:
		return true, true
	case PlatformSupport:
		return false, true
	default:
		return false, false
	}
}

// Evaluate decides whether the profile may exercise kind on the feature.
// Tenant-scoped features are gated on the tenant role, never the
// organization role.
func Evaluate(p *Profile, f *FeatureDefinition, kind PermissionKind) Decision {
	if p == nil || f == nil {
		return denyUnknown
	}
	r, ok := f.Requirements[kind]
	if !ok {
		return denyUnknown
	}

	if p.IsPlatformAdmin() {
		return Decision{Allowed: true, Reason: ReasonAdmin}
	}

	tierOK := p.EffectiveTier.AtLeast(r.MinTier)
	roleOK := p.TenantRole.AtLeast(r.MinRole)
	allowed := (tierOK || p.BypassTier) && (roleOK || p.BypassRole)

	switch {
	case allowed && tierOK && roleOK:
		return Decision{Allowed: true, Reason: ReasonOK}
	case allowed:
		return Decision{Allowed: true, Reason: ReasonAdmin}
	case !tierOK && !p.BypassTier:
		// reported ahead of role when both fail
		return Decision{Allowed: false, Reason: ReasonTier}
	default:
		return Decision{Allowed: false, Reason: ReasonRole}
	}
}
