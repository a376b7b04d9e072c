// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, decision)
//	httputil.WriteAccepted(w, "/api/v1/propagation/jobs/"+job.ID, job)
//	httputil.WriteUnprocessable(w, "validation failed: source tenant required")
//	httputil.WriteServiceUnavailable(w, time.Second, "tier store unavailable")
//
// Every error body is an ErrorResponse.
//
// # Request Parsing
//
//	var req SubmitJobRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant")
//	page, err := httputil.ParsePage(r, 100, 1000)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(log),
//		httputil.RecoveryMiddleware(log),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: authentication, rate limiting and usage metering
package httputil
