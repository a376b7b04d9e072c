// Package accesscache memoizes resolved access contexts per (user, tenant).
//
// An entry is trusted only while the version stamps it was built from still
// match the stores. Every Get on a cached entry runs the cheap stamp read; a
// mismatch re-resolves and replaces the entry. Entries also expire after a
// TTL so a missed invalidation heals on its own.
//
// Writes are guarded by stamp freshness: a resolution that started before a
// newer one finished never overwrites it. Concurrent misses for the same key
// share one resolution.
//
// Other instances learn about writes through an InvalidationBus. RedisBus
// carries invalidations over Redis pub/sub:
//
//	bus := accesscache.NewRedisBus(client, "gatehouse:invalidations", log)
//	go bus.Subscribe(ctx, cache.Apply, nil)
//	bus.Publish(ctx, accesscache.Invalidation{Scope: accesscache.ScopeTenant, TenantID: "t-1"})
package accesscache
