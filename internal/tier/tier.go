// Package tier maps the caller's subscription tier to its rate limits and
// feature entitlements.
package tier

import "strings"

// Feature names gate optional endpoint behavior per tier.
const (
	FeatureAssemble  = "assemble"
	FeatureCacheOps  = "cache_ops"
	FeatureSolutions = "solutions"
)

// Tier describes the limits attached to one subscription level. A nil limit
// means unlimited.
type Tier struct {
	Name              string
	GenerationsPerDay *int
	AssembliesPerWeek *int
	Features          map[string]struct{}
	Admin             bool
}

// HasFeature reports whether the tier grants the named feature. Admin tiers
// grant everything.
func (t *Tier) HasFeature(name string) bool {
	if t.Admin {
		return true
	}
	_, ok := t.Features[name]
	return ok
}

// Registry resolves tier names sent by the edge proxy. Unknown or empty names
// resolve to the anonymous tier.
type Registry struct {
	tiers    map[string]*Tier
	fallback *Tier
}

func intPtr(v int) *int { return &v }

// NewRegistry returns the built-in tier table.
func NewRegistry() *Registry {
	anonymous := &Tier{
		Name:              "anonymous",
		GenerationsPerDay: intPtr(5),
		AssembliesPerWeek: intPtr(0),
	}
	free := &Tier{
		Name:              "free",
		GenerationsPerDay: intPtr(25),
		AssembliesPerWeek: intPtr(1),
		Features: map[string]struct{}{
			FeatureAssemble:  {},
			FeatureSolutions: {},
		},
	}
	pro := &Tier{
		Name:              "pro",
		GenerationsPerDay: intPtr(500),
		AssembliesPerWeek: intPtr(20),
		Features: map[string]struct{}{
			FeatureAssemble:  {},
			FeatureSolutions: {},
		},
	}
	admin := &Tier{
		Name:  "admin",
		Admin: true,
	}

	return &Registry{
		tiers: map[string]*Tier{
			anonymous.Name: anonymous,
			free.Name:      free,
			pro.Name:       pro,
			admin.Name:     admin,
		},
		fallback: anonymous,
	}
}

// Resolve returns the tier for the given name, falling back to anonymous.
func (r *Registry) Resolve(name string) *Tier {
	if t, ok := r.tiers[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t
	}
	return r.fallback
}
