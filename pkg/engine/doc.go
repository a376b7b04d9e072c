// Package engine is the entry point other services call. It ties the
// resolver, the access context cache and the propagation runner together
// behind one type.
//
//	eng := engine.New(engine.Deps{
//	    Identity:  store,
//	    Tiers:     store,
//	    Usage:     store,
//	    Directory: store,
//	    Catalog:   access.NewStaticCatalog(access.DefaultCatalog()),
//	    Jobs:      propagation.NewMemoryJobStore(),
//	    Settings:  settings,
//	    Source:    settings,
//	}, engine.DefaultConfig(), log, metrics)
//	defer eng.Close(ctx)
//
//	d, err := eng.EvaluateFeature(ctx, "user-1", "tenant-1", "advanced_reports", access.PermissionView)
//
// Mutations made elsewhere reach the cache through the Notify methods, which
// invalidate locally and broadcast to other instances over the configured
// bus.
package engine
