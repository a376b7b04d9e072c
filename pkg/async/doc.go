// Package async runs detached background work with panic recovery.
//
// Request handlers use it for side effects that must outlive the response,
// such as recording api_calls usage after a tenant-scoped request:
//
//	bg := async.NewBackground(log, 5*time.Second)
//	bg.Go(r.Context(), "record api usage", func(ctx context.Context) error {
//		_, err := engine.RecordUsage(ctx, tenantID, access.ResourceAPICalls, 1)
//		return err
//	})
//
// Shutdown calls Wait so in-flight tasks finish before stores close.
package async
