// Package stores defines the boundary contracts gatehouse consumes: the
// identity store, the tier store, the usage counter store and the tenant
// directory.
//
// Two implementations ship with the package: Memory, used by tests and the
// single-node development server, and the Postgres store in
// pkg/stores/postgres.
//
// Every record carries a version that increases on each mutation. Resolution
// uses these versions as stamps, so implementations must bump them whenever
// a tier, organization reference, platform role or membership changes.
package stores
