package access

// Tier represents a subscription tier
type Tier string

const (
	TierTrial        Tier = "trial"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
	TierOrganization Tier = "organization"
)

// Role represents a tenant or organization role
type Role string

const (
	RoleNone   Role = "none"
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// PlatformRole represents a platform-wide staff role
type PlatformRole string

const (
	PlatformNone    PlatformRole = "none"
	PlatformViewer  PlatformRole = "viewer"
	PlatformSupport PlatformRole = "support"
	PlatformAdmin   PlatformRole = "admin"
)

// PermissionKind is the kind of access requested on a feature
type PermissionKind string

const (
	PermissionView   PermissionKind = "view"
	PermissionEdit   PermissionKind = "edit"
	PermissionManage PermissionKind = "manage"
	PermissionAdmin  PermissionKind = "admin"
)

var tierLadder = map[Tier]int{
	TierTrial:        0,
	TierStarter:      1,
	TierProfessional: 2,
	TierEnterprise:   3,
	TierOrganization: 4,
}

var roleLadder = map[Role]int{
	RoleNone:   0,
	RoleViewer: 1,
	RoleMember: 2,
	RoleAdmin:  3,
	RoleOwner:  4,
}

var permissionLadder = map[PermissionKind]int{
	PermissionView:   0,
	PermissionEdit:   1,
	PermissionManage: 2,
	PermissionAdmin:  3,
}

// Tiers returns every tier, lowest first
func Tiers() []Tier {
	return []Tier{TierTrial, TierStarter, TierProfessional, TierEnterprise, TierOrganization}
}

// Roles returns every role, lowest first
func Roles() []Role {
	return []Role{RoleNone, RoleViewer, RoleMember, RoleAdmin, RoleOwner}
}

// PermissionKinds returns every permission kind, weakest first
func PermissionKinds() []PermissionKind {
	return []PermissionKind{PermissionView, PermissionEdit, PermissionManage, PermissionAdmin}
}

// Position returns the ladder position of the tier. Unknown tiers sit below
// trial so they never satisfy a gate.
func (t Tier) Position() int {
	if pos, ok := tierLadder[t]; ok {
		return pos
	}
	return -1
}

// Valid reports whether the tier is on the ladder
func (t Tier) Valid() bool {
	_, ok := tierLadder[t]
	return ok
}

// AtLeast reports whether t is at or above min on the ladder
func (t Tier) AtLeast(min Tier) bool {
	return t.Valid() && t.Position() >= min.Position()
}

// Position returns the ladder position of the role. Unknown roles are
// treated as none.
func (r Role) Position() int {
	if pos, ok := roleLadder[r]; ok {
		return pos
	}
	return 0
}

// Valid reports whether the role is on the ladder
func (r Role) Valid() bool {
	_, ok := roleLadder[r]
	return ok
}

// AtLeast reports whether r is at or above min on the ladder
func (r Role) AtLeast(min Role) bool {
	return r.Position() >= min.Position()
}

// Valid reports whether the platform role is known
func (p PlatformRole) Valid() bool {
	switch p {
	case PlatformNone, PlatformViewer, PlatformSupport, PlatformAdmin:
		return true
	}
	return false
}

// Valid reports whether the permission kind is known
func (k PermissionKind) Valid() bool {
	_, ok := permissionLadder[k]
	return ok
}

// NormalizeTier maps an empty or unknown tier to trial
func NormalizeTier(t Tier) Tier {
	if !t.Valid() {
		return TierTrial
	}
	return t
}

// NormalizeRole maps an empty or unknown role to none
func NormalizeRole(r Role) Role {
	if !r.Valid() {
		return RoleNone
	}
	return r
}

// NormalizePlatformRole maps an empty or unknown platform role to none
func NormalizePlatformRole(p PlatformRole) PlatformRole {
	if !p.Valid() {
		return PlatformNone
	}
	return p
}

// MaxRole returns the higher of two roles
func MaxRole(a, b Role) Role {
	if b.Position() > a.Position() {
		return b
	}
	return a
}
