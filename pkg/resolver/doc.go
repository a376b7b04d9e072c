// Package resolver merges a user's platform role, tenant and organization
// roles, the effective tier and the usage counters into one access profile.
//
// Store reads are issued concurrently. The version stamps on the result are
// taken from the records actually read, so a cache holding the profile can
// later detect that any of them moved:
//
//	r := resolver.New(store, store, store, log, metrics)
//	res, err := r.Resolve(ctx, "user-1", "tenant-1")
//	if access.IsRetryable(err) {
//	    // upstream store failed; deny and retry later
//	}
//
// Organization-bound tenants always take the organization's tier and SKU
// pool. A tenant's own tier is ignored while it belongs to an organization
// and the inconsistency is reported as an anomaly rather than repaired.
package resolver
