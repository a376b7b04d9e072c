// Package propagation pushes tenant settings across related tenants.
//
// Two regimes exist. Centralized jobs copy the organization's hero tenant
// settings onto member tenants once the initiator passes the
// CHAIN_PROPAGATION preset; targets have no say. Peer sharing between
// sibling tenants goes through offers that each receiving tenant accepts or
// declines on its own.
//
// Jobs move through
//
//	queued -> validating -> dry_run | applying -> completed | failed | partially_completed
//
// with cancelled reachable from any non-terminal status. Validation failures
// never mutate anything. While applying, every target is attempted
// independently with bounded parallelism and its own retry backoff; one
// target failing never blocks or rolls back another.
//
//	runner := propagation.NewRunner(propagation.Deps{
//	    Store:      propagation.NewMemoryJobStore(),
//	    Directory:  dir,
//	    Authorizer: engine,
//	    Applier:    settings,
//	    Source:     settings,
//	}, propagation.DefaultConfig(), log, metrics)
//	job, err := runner.Submit(ctx, propagation.Request{
//	    Scope:           propagation.ScopeOrganization,
//	    InitiatorUserID: "user-1",
//	    OrganizationID:  "org-1",
//	    Payload:         propagation.Payload{Namespace: "menu"},
//	})
package propagation
