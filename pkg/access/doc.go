// Package access holds the typed core of access decisions: the tier and role
// ladders, feature and preset requirement tables, usage limits, and the pure
// evaluation functions that turn a resolved profile into allow/deny decisions.
//
// Nothing in this package performs I/O. Profiles are produced by
// pkg/resolver and memoized by pkg/accesscache; this package only answers
// "given this profile, is this allowed, and why".
//
// Every feature's requirements are data (see BuiltInFeatures and
// LoadCatalogFile), so the role-monotonicity property can be checked
// mechanically with ValidateMonotonic. NewCatalog also applies the separate
// ValidateKindOrder authoring rule.
package access
