// Package api exposes the access engine over HTTP.
//
// # Routes
//
// All routes live under /api/v1 and act as the authenticated user:
//
//	GET  /access/tenants/{tenant}                          resolved access context
//	GET  /access/tenants/{tenant}/features/{feature}?kind= feature decision
//	GET  /access/tenants/{tenant}/presets/{preset}         preset decision
//	GET  /access/tenants/{tenant}/usage                    usage against limits
//	POST /access/tenants/{tenant}/usage/{resource}/check   advisory quota pre-check
//	POST /propagation/jobs                                 submit a job (202)
//	GET  /propagation/jobs                                 the caller's jobs
//	GET  /propagation/jobs/{id}                            job status
//	POST /propagation/jobs/{id}/cancel                     cancel a running job
//	POST /offers                                           offer settings to siblings
//	GET  /tenants/{tenant}/offers                          offers to or from a tenant
//	POST /offers/{id}/accept                               accept an offer
//	POST /offers/{id}/decline                              decline an offer
//
// # Errors
//
// Engine errors map to statuses in one place (writeEngineError):
// not found is 404, an unavailable source is 503 with Retry-After, a
// failed validation is 422 and an exceeded quota is 409.
package api
