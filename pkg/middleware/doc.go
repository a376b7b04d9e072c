// Package middleware provides HTTP middleware for authentication, rate
// limiting and usage metering.
//
// # Components
//
// Authenticator resolves the caller from an OIDC bearer token, or in
// development from a trusted header set by a fronting proxy:
//
//	verifier, _ := middleware.NewOIDCVerifier(ctx, issuer, clientID)
//	authn := middleware.NewAuthenticator(verifier, "", log)
//	api.Use(authn.Handler)
//
// RateLimitMiddleware applies a fixed-window limit per user (or per client
// address before authentication). RedisLimiter shares windows across
// instances; MemoryLimiter serves single-node deployments.
//
// UsageMeter counts one api_calls unit per successful tenant-scoped
// request and rejects requests once the tenant's limit is reached.
//
// # Ordering
//
// Authenticator must run before RateLimitMiddleware and UsageMeter, which
// both key on the authenticated user.
package middleware
