// Package contextkeys holds the request-scoped values shared between
// middleware, handlers and the audit trail.
//
//	ctx = contextkeys.WithUserID(ctx, principal.UserID)
//	userID := contextkeys.GetUserID(ctx)
package contextkeys

import "context"

type key int

const (
	// principalKey holds the authenticated principal; set by middleware.Authenticator
	principalKey key = iota
	// requestIDKey holds the request id; set by httputil.RequestIDMiddleware
	requestIDKey
	// userIDKey holds the authenticated user id; read by logging, rate
	// limiting and audit events
	userIDKey
)

func lookup[T any](ctx context.Context, k key) (T, bool) {
	v, ok := ctx.Value(k).(T)
	return v, ok
}

// WithPrincipal stores the authenticated principal. The concrete type is
// owned by the authenticating middleware.
func WithPrincipal[T any](ctx context.Context, principal T) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// Principal returns the principal stored by WithPrincipal when it has type T.
func Principal[T any](ctx context.Context) (T, bool) {
	return lookup[T](ctx, principalKey)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetRequestID returns the request id, or "" outside a request
func GetRequestID(ctx context.Context) string {
	id, _ := lookup[string](ctx, requestIDKey)
	return id
}

// GetUserID returns the authenticated user id, or "" when anonymous
func GetUserID(ctx context.Context) string {
	id, _ := lookup[string](ctx, userIDKey)
	return id
}
