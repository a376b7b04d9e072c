package propagation

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/platinummonkey/gatehouse/pkg/access"
)

// Applier mutates target tenants
type Applier interface {
	// Diff reports what Apply would change without changing anything
	Diff(ctx context.Context, tenantID string, payload Payload) ([]Change, error)
	Apply(ctx context.Context, tenantID string, payload Payload) error
}

// SourceReader reads the settings a job pushes
type SourceReader interface {
	Settings(ctx context.Context, tenantID, namespace string) (map[string]any, error)
}

// MemorySettings is an in-process tenant settings store. It serves as both
// the source and the target of propagation in tests and single-node setups.
type MemorySettings struct {
	mu       sync.RWMutex
	settings map[string]map[string]map[string]any
}

var (
	_ Applier      = (*MemorySettings)(nil)
	_ SourceReader = (*MemorySettings)(nil)
)

// NewMemorySettings creates an empty settings store
func NewMemorySettings() *MemorySettings {
	return &MemorySettings{settings: make(map[string]map[string]map[string]any)}
}

// Put replaces a tenant's namespace
func (m *MemorySettings) Put(tenantID, namespace string, values map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settings[tenantID] == nil {
		m.settings[tenantID] = make(map[string]map[string]any)
	}
	cp := make(map[string]any, len(values))
	for k, v := range values {
		cp[k] = v
	}
	m.settings[tenantID][namespace] = cp
}

// Settings implements SourceReader. A tenant without the namespace returns
// an empty map.
func (m *MemorySettings) Settings(ctx context.Context, tenantID, namespace string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns := m.settings[tenantID][namespace]
	out := make(map[string]any, len(ns))
	for k, v := range ns {
		out[k] = v
	}
	return out, nil
}

// Diff implements Applier
func (m *MemorySettings) Diff(ctx context.Context, tenantID string, payload Payload) ([]Change, error) {
	current, err := m.Settings(ctx, tenantID, payload.Namespace)
	if err != nil {
		return nil, err
	}
	return diff(current, payload.Values), nil
}

// Apply implements Applier by merging the payload into the namespace
func (m *MemorySettings) Apply(ctx context.Context, tenantID string, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settings[tenantID] == nil {
		m.settings[tenantID] = make(map[string]map[string]any)
	}
	ns := m.settings[tenantID][payload.Namespace]
	if ns == nil {
		ns = make(map[string]any, len(payload.Values))
		m.settings[tenantID][payload.Namespace] = ns
	}
	for k, v := range payload.Values {
		ns[k] = v
	}
	return nil
}

// diff lists the keys of want whose value differs in current, sorted by key
func diff(current, want map[string]any) []Change {
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var changes []Change
	for _, k := range keys {
		from, ok := current[k]
		if ok && reflect.DeepEqual(from, want[k]) {
			continue
		}
		changes = append(changes, Change{Key: k, From: from, To: want[k]})
	}
	return changes
}

// Authorizer evaluates an access preset for the initiator. An empty
// tenantID evaluates the user's platform role alone.
type Authorizer interface {
	AuthorizePreset(ctx context.Context, userID, tenantID, presetID string) (access.Decision, error)
}

// AuthorizerFunc adapts a function to Authorizer
type AuthorizerFunc func(ctx context.Context, userID, tenantID, presetID string) (access.Decision, error)

// AuthorizePreset implements Authorizer
func (f AuthorizerFunc) AuthorizePreset(ctx context.Context, userID, tenantID, presetID string) (access.Decision, error) {
	return f(ctx, userID, tenantID, presetID)
}
