package access

import (
	"fmt"
	"sort"
)

// Requirement is the gate for one permission kind of a feature
type Requirement struct {
	MinTier Tier `json:"min_tier" yaml:"min_tier"`
	MinRole Role `json:"min_role" yaml:"min_role"`
}

// FeatureDefinition declares the tier and role needed for each permission kind
type FeatureDefinition struct {
	ID           string                         `json:"id" yaml:"id"`
	Description  string                         `json:"description,omitempty" yaml:"description,omitempty"`
	Requirements map[PermissionKind]Requirement `json:"requirements" yaml:"requirements"`
}

// req builds a requirement map in view, edit, manage, admin order
func req(view, edit, manage, admin Requirement) map[PermissionKind]Requirement {
	return map[PermissionKind]Requirement{
		PermissionView:   view,
		PermissionEdit:   edit,
		PermissionManage: manage,
		PermissionAdmin:  admin,
	}
}

// BuiltInFeatures returns the default feature table
func BuiltInFeatures() []FeatureDefinition {
	return []FeatureDefinition{
		{
			ID:          "inventory",
			Description: "Items, SKUs and stock levels",
			Requirements: req(
				Requirement{TierTrial, RoleViewer},
				Requirement{TierTrial, RoleMember},
				Requirement{TierTrial, RoleAdmin},
				Requirement{TierStarter, RoleOwner},
			),
		},
		{
			ID:          "locations",
			Description: "Store and warehouse locations",
			Requirements: req(
				Requirement{TierTrial, RoleViewer},
				Requirement{TierStarter, RoleMember},
				Requirement{TierStarter, RoleAdmin},
				Requirement{TierStarter, RoleOwner},
			),
		},
		{
			ID:          "team",
			Description: "Invitations and tenant roles",
			Requirements: req(
				Requirement{TierTrial, RoleMember},
				Requirement{TierTrial, RoleAdmin},
				Requirement{TierTrial, RoleAdmin},
				Requirement{TierTrial, RoleOwner},
			),
		},
		{
			ID:          "integrations",
			Description: "Payment and marketplace connectors",
			Requirements: req(
				Requirement{TierStarter, RoleViewer},
				Requirement{TierStarter, RoleAdmin},
				Requirement{TierStarter, RoleAdmin},
				Requirement{TierStarter, RoleOwner},
			),
		},
		{
			ID:          "advanced_reports",
			Description: "Margin, velocity and forecast reports",
			Requirements: req(
				Requirement{TierProfessional, RoleViewer},
				Requirement{TierProfessional, RoleMember},
				Requirement{TierProfessional, RoleAdmin},
				Requirement{TierProfessional, RoleOwner},
			),
		},
		{
			ID:          "api_access",
			Description: "API tokens and webhooks",
			Requirements: req(
				Requirement{TierProfessional, RoleMember},
				Requirement{TierProfessional, RoleAdmin},
				Requirement{TierProfessional, RoleAdmin},
				Requirement{TierEnterprise, RoleOwner},
			),
		},
		{
			ID:          "audit_log",
			Description: "Tenant audit trail",
			Requirements: req(
				Requirement{TierEnterprise, RoleAdmin},
				Requirement{TierEnterprise, RoleAdmin},
				Requirement{TierEnterprise, RoleOwner},
				Requirement{TierEnterprise, RoleOwner},
			),
		},
		{
			ID:          "chain_settings",
			Description: "Settings shared across an organization",
			Requirements: req(
				Requirement{TierOrganization, RoleViewer},
				Requirement{TierOrganization, RoleAdmin},
				Requirement{TierOrganization, RoleAdmin},
				Requirement{TierOrganization, RoleOwner},
			),
		},
	}
}

// validateFeature checks that every permission kind is declared with known
// ladder values
func validateFeature(f FeatureDefinition) error {
	if f.ID == "" {
		return fmt.Errorf("feature id is required")
	}
	for _, kind := range PermissionKinds() {
		r, ok := f.Requirements[kind]
		if !ok {
			return fmt.Errorf("feature %s: missing requirement for %s", f.ID, kind)
		}
		if !r.MinTier.Valid() {
			return fmt.Errorf("feature %s: unknown tier %q for %s", f.ID, r.MinTier, kind)
		}
		if !r.MinRole.Valid() {
			return fmt.Errorf("feature %s: unknown role %q for %s", f.ID, r.MinRole, kind)
		}
	}
	for kind := range f.Requirements {
		if !kind.Valid() {
			return fmt.Errorf("feature %s: unknown permission kind %q", f.ID, kind)
		}
	}
	return nil
}

// ValidateMonotonic checks, for every feature and every tier, that raising
// the role never revokes a permission granted to a lower role.
func ValidateMonotonic(features []FeatureDefinition) error {
	roles := Roles()
	for _, f := range features {
		for _, tier := range Tiers() {
			for _, kind := range PermissionKinds() {
				for i := 1; i < len(roles); i++ {
					lower := &Profile{EffectiveTier: tier, TenantRole: roles[i-1], PlatformRole: PlatformNone}
					higher := &Profile{EffectiveTier: tier, TenantRole: roles[i], PlatformRole: PlatformNone}
					if Evaluate(lower, &f, kind).Allowed && !Evaluate(higher, &f, kind).Allowed {
						return fmt.Errorf("feature %s: %s at tier %s granted to %s but not %s",
							f.ID, kind, tier, roles[i-1], roles[i])
					}
				}
			}
		}
	}
	return nil
}

// ValidateKindOrder is a catalog authoring rule, separate from role
// monotonicity: along view, edit, manage and admin, each kind needs at least
// the tier and role of the kind before it.
func ValidateKindOrder(features []FeatureDefinition) error {
	kinds := PermissionKinds()
	for _, f := range features {
		for i := 1; i < len(kinds); i++ {
			weaker := f.Requirements[kinds[i-1]]
			stronger := f.Requirements[kinds[i]]
			if stronger.MinTier.Position() < weaker.MinTier.Position() ||
				stronger.MinRole.Position() < weaker.MinRole.Position() {
				return fmt.Errorf("feature %s: %s is easier to obtain than %s", f.ID, kinds[i], kinds[i-1])
			}
		}
	}
	return nil
}

// Catalog is an immutable set of features, presets and tier limits
type Catalog struct {
	features map[string]FeatureDefinition
	presets  map[string]AccessPreset
	limits   LimitTable
}

// NewCatalog validates and indexes the given tables
func NewCatalog(features []FeatureDefinition, presets []AccessPreset, limits LimitTable) (*Catalog, error) {
	c := &Catalog{
		features: make(map[string]FeatureDefinition, len(features)),
		presets:  make(map[string]AccessPreset, len(presets)),
		limits:   limits,
	}

	for _, f := range features {
		if err := validateFeature(f); err != nil {
			return nil, err
		}
		if _, dup := c.features[f.ID]; dup {
			return nil, fmt.Errorf("duplicate feature %s", f.ID)
		}
		c.features[f.ID] = f
	}
	if err := ValidateMonotonic(features); err != nil {
		return nil, err
	}
	if err := ValidateKindOrder(features); err != nil {
		return nil, err
	}

	for _, p := range presets {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.presets[p.ID]; dup {
			return nil, fmt.Errorf("duplicate preset %s", p.ID)
		}
		c.presets[p.ID] = p
	}

	if err := limits.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// DefaultCatalog returns the built-in catalog
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(BuiltInFeatures(), BuiltInPresets(), DefaultLimits())
	if err != nil {
		panic(fmt.Sprintf("built-in catalog is invalid: %v", err))
	}
	return c
}

// Feature looks up a feature by id
func (c *Catalog) Feature(id string) (FeatureDefinition, bool) {
	f, ok := c.features[id]
	return f, ok
}

// Preset looks up a preset by id
func (c *Catalog) Preset(id string) (AccessPreset, bool) {
	p, ok := c.presets[id]
	return p, ok
}

// FeatureIDs returns all feature ids in sorted order
func (c *Catalog) FeatureIDs() []string {
	ids := make([]string, 0, len(c.features))
	for id := range c.features {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PresetIDs returns all preset ids in sorted order
func (c *Catalog) PresetIDs() []string {
	ids := make([]string, 0, len(c.presets))
	for id := range c.presets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Limits returns the limit table for a tier
func (c *Catalog) Limits(tier Tier) map[ResourceKind]Limit {
	return c.limits[NormalizeTier(tier)]
}

// EvaluateFeature evaluates a feature by id. Unknown ids are denied.
func (c *Catalog) EvaluateFeature(p *Profile, featureID string, kind PermissionKind) Decision {
	f, ok := c.features[featureID]
	if !ok {
		return Decision{Allowed: false, Reason: ReasonUnknown}
	}
	return Evaluate(p, &f, kind)
}

// EvaluatePreset evaluates a preset by id. Unknown ids are denied.
func (c *Catalog) EvaluatePreset(p *Profile, presetID string) Decision {
	preset, ok := c.presets[presetID]
	if !ok {
		return Decision{Allowed: false, Reason: ReasonUnknown}
	}
	return EvaluatePreset(p, &preset)
}
