package access

import "fmt"

// Built-in preset ids
const (
	PresetChainPropagation     = "CHAIN_PROPAGATION"
	PresetOrganizationSettings = "ORGANIZATION_SETTINGS"
	PresetSingleTenantPush     = "SINGLE_TENANT_PUSH"
	PresetPlatformPropagation  = "PLATFORM_PROPAGATION"
	PresetPeerSharing          = "PEER_SHARING"
)

// AccessPreset gates a whole surface rather than a single feature
type AccessPreset struct {
	ID                         string `json:"id" yaml:"id"`
	Description                string `json:"description,omitempty" yaml:"description,omitempty"`
	RequireOrganization        bool   `json:"require_organization" yaml:"require_organization"`
	RequireOrganizationAdmin   bool   `json:"require_organization_admin" yaml:"require_organization_admin"`
	MinimumRole                Role   `json:"minimum_role,omitempty" yaml:"minimum_role,omitempty"`
	AllowPlatformAdminOverride bool   `json:"allow_platform_admin_override" yaml:"allow_platform_admin_override"`
	RequirePlatformAdmin       bool   `json:"require_platform_admin,omitempty" yaml:"require_platform_admin,omitempty"`
}

func (p AccessPreset) validate() error {
	if p.ID == "" {
		return fmt.Errorf("preset id is required")
	}
	if p.MinimumRole != "" && !p.MinimumRole.Valid() {
		return fmt.Errorf("preset %s: unknown role %q", p.ID, p.MinimumRole)
	}
	if p.RequirePlatformAdmin && !p.AllowPlatformAdminOverride {
		return fmt.Errorf("preset %s: require_platform_admin needs allow_platform_admin_override", p.ID)
	}
	return nil
}

// BuiltInPresets returns the default preset table
func BuiltInPresets() []AccessPreset {
	return []AccessPreset{
		{
			ID:                         PresetChainPropagation,
			Description:                "Push hero tenant configuration to every organization member",
			RequireOrganization:        true,
			RequireOrganizationAdmin:   true,
			AllowPlatformAdminOverride: true,
		},
		{
			ID:                         PresetOrganizationSettings,
			Description:                "Edit organization-wide settings",
			RequireOrganization:        true,
			RequireOrganizationAdmin:   true,
			AllowPlatformAdminOverride: true,
		},
		{
			ID:                         PresetSingleTenantPush,
			Description:                "Push configuration to a single tenant",
			MinimumRole:                RoleAdmin,
			AllowPlatformAdminOverride: true,
		},
		{
			ID:                         PresetPlatformPropagation,
			Description:                "Push configuration to tenants across the platform",
			RequirePlatformAdmin:       true,
			AllowPlatformAdminOverride: true,
		},
		{
			ID:                         PresetPeerSharing,
			Description:                "Offer data to sibling tenants",
			MinimumRole:                RoleOwner,
			AllowPlatformAdminOverride: true,
		},
	}
}

// EvaluatePreset decides whether the profile may use the surface gated by
// the preset. Only platform admins override presets; the support role's
// role bypass does not apply at surface granularity. Organization presets
// are judged on the organization role.
func EvaluatePreset(p *Profile, preset *AccessPreset) Decision {
	if p == nil || preset == nil {
		return denyUnknown
	}

	if p.IsPlatformAdmin() && preset.AllowPlatformAdminOverride {
		return Decision{Allowed: true, Reason: ReasonAdmin}
	}
	if preset.RequirePlatformAdmin {
		return Decision{Allowed: false, Reason: ReasonRole}
	}

	if preset.RequireOrganization && !p.InOrganization() {
		return Decision{Allowed: false, Reason: ReasonTier}
	}

	role := p.TenantRole
	if preset.RequireOrganization {
		role = p.OrganizationRole
	}
	if preset.RequireOrganizationAdmin && !p.OrganizationRole.AtLeast(RoleAdmin) {
		return Decision{Allowed: false, Reason: ReasonRole}
	}
	if preset.MinimumRole != "" && !role.AtLeast(preset.MinimumRole) {
		return Decision{Allowed: false, Reason: ReasonRole}
	}

	return Decision{Allowed: true, Reason: ReasonOK}
}
