package tier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveKnownTiers(t *testing.T) {
	registry := NewRegistry()

	require.Equal(t, "free", registry.Resolve("free").Name)
	require.Equal(t, "pro", registry.Resolve("PRO").Name)
	require.Equal(t, "admin", registry.Resolve("  admin ").Name)
}

func TestUnknownTierFallsBackToAnonymous(t *testing.T) {
	registry := NewRegistry()

	require.Equal(t, "anonymous", registry.Resolve("").Name)
	require.Equal(t, "anonymous", registry.Resolve("enterprise").Name)
}

func TestAnonymousHasNoFeatures(t *testing.T) {
	anon := NewRegistry().Resolve("anonymous")

	require.False(t, anon.HasFeature(FeatureAssemble))
	require.False(t, anon.HasFeature(FeatureSolutions))
	require.NotNil(t, anon.GenerationsPerDay)
}

func TestAssemblyLimitsComeWithAssembleFeature(t *testing.T) {
	registry := NewRegistry()

	// Any tier carrying a non-zero assembly allowance must be able to reach
	// the assemble endpoint, otherwise the limit is dead config.
	for _, name := range []string{"free", "pro"} {
		tr := registry.Resolve(name)
		require.NotNil(t, tr.AssembliesPerWeek, name)
		require.Positive(t, *tr.AssembliesPerWeek, name)
		require.True(t, tr.HasFeature(FeatureAssemble), name)
	}
}

func TestAdminBypassesFeatureChecks(t *testing.T) {
	admin := NewRegistry().Resolve("admin")

	require.True(t, admin.HasFeature(FeatureAssemble))
	require.True(t, admin.HasFeature(FeatureCacheOps))
	require.Nil(t, admin.GenerationsPerDay)
	require.Nil(t, admin.AssembliesPerWeek)
}
