package contextkeys

import (
	"context"
	"testing"
)

func TestRequestAndUserIDs(t *testing.T) {
	ctx := context.Background()
	if got := GetRequestID(ctx); got != "" {
		t.Errorf("GetRequestID() on empty context = %q", got)
	}
	if got := GetUserID(ctx); got != "" {
		t.Errorf("GetUserID() on empty context = %q", got)
	}

	ctx = WithUserID(WithRequestID(ctx, "req-1"), "alice")
	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("GetRequestID() = %q, want req-1", got)
	}
	if got := GetUserID(ctx); got != "alice" {
		t.Errorf("GetUserID() = %q, want alice", got)
	}
}

func TestWrongTypeIsIgnored(t *testing.T) {
	ctx := context.WithValue(context.Background(), userIDKey, 42)
	if got := GetUserID(ctx); got != "" {
		t.Errorf("GetUserID() = %q, want empty for non-string value", got)
	}
}

type testPrincipal struct{ id string }

func TestPrincipal(t *testing.T) {
	ctx := context.Background()
	if _, ok := Principal[*testPrincipal](ctx); ok {
		t.Errorf("Principal() on empty context reported ok")
	}

	ctx = WithPrincipal(ctx, &testPrincipal{id: "alice"})
	p, ok := Principal[*testPrincipal](ctx)
	if !ok || p.id != "alice" {
		t.Errorf("Principal() = %v, %v; want alice, true", p, ok)
	}
	if _, ok := Principal[string](ctx); ok {
		t.Errorf("Principal[string]() reported ok for *testPrincipal value")
	}
	if got := GetUserID(ctx); got != "" {
		t.Errorf("GetUserID() = %q; principal must not leak into user id", got)
	}
}
