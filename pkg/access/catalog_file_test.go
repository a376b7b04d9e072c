package access

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalogYAML = `
features:
  - id: loyalty
    description: Loyalty programs
    requirements:
      view:   {min_tier: starter, min_role: viewer}
      edit:   {min_tier: starter, min_role: member}
      manage: {min_tier: professional, min_role: admin}
      admin:  {min_tier: professional, min_role: owner}
presets:
  - id: CHAIN_PROPAGATION
    require_organization: true
    require_organization_admin: true
    allow_platform_admin_override: true
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(testCatalogYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"loyalty"}, c.FeatureIDs())
	assert.Equal(t, []string{PresetChainPropagation}, c.PresetIDs())

	f, ok := c.Feature("loyalty")
	require.True(t, ok)
	assert.Equal(t, Requirement{MinTier: TierProfessional, MinRole: RoleAdmin}, f.Requirements[PermissionManage])

	// limits fall back to the built-in table
	assert.Equal(t, DefaultLimits()[TierTrial], c.Limits(TierTrial))
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing kind", `
features:
  - id: partial
    requirements:
      view: {min_tier: trial, min_role: viewer}
`},
		{"unknown tier", `
features:
  - id: odd
    requirements:
      view:   {min_tier: gold, min_role: viewer}
      edit:   {min_tier: gold, min_role: viewer}
      manage: {min_tier: gold, min_role: viewer}
      admin:  {min_tier: gold, min_role: viewer}
`},
		{"role inverted", `
features:
  - id: inverted
    requirements:
      view:   {min_tier: trial, min_role: owner}
      edit:   {min_tier: trial, min_role: viewer}
      manage: {min_tier: trial, min_role: owner}
      admin:  {min_tier: trial, min_role: owner}
`},
		{"not yaml", "features: [:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestCatalogLoader_DefaultsWithoutPath(t *testing.T) {
	l, err := NewCatalogLoader("", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultCatalog().FeatureIDs(), l.Catalog().FeatureIDs())
	assert.NoError(t, l.Reload())
}

func TestCatalogLoader_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalogYAML), 0o644))

	l, err := NewCatalogLoader(path, nil)
	require.NoError(t, err)

	var reloaded *Catalog
	l.OnReload(func(c *Catalog) { reloaded = c })

	require.NoError(t, os.WriteFile(path, []byte("features: [:"), 0o644))
	assert.Error(t, l.Reload())
	assert.Equal(t, []string{"loyalty"}, l.Catalog().FeatureIDs())
	assert.Nil(t, reloaded)

	require.NoError(t, os.WriteFile(path, []byte("presets: []\n"), 0o644))
	require.NoError(t, l.Reload())
	assert.Equal(t, DefaultCatalog().FeatureIDs(), l.Catalog().FeatureIDs())
	assert.Empty(t, l.Catalog().PresetIDs())
	assert.Same(t, l.Catalog(), reloaded)
}

func TestCatalogLoader_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalogYAML), 0o644))

	l, err := NewCatalogLoader(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("presets: []\n"), 0o644))

	assert.Eventually(t, func() bool {
		return len(l.Catalog().PresetIDs()) == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
