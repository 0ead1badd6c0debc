// Package profile maps query kinds to their execution budgets. All kinds run
// on the same engine; only the ceilings differ.
package profile

import (
	"fmt"
	"sort"

	"okr-query-sandbox/internal/sandbox"
)

// Kind identifies what a query is used for.
type Kind string

const (
	// KindQuery is an ad-hoc analytics query.
	KindQuery Kind = "query"
	// KindProgress computes a Key-Result progress value.
	KindProgress Kind = "progress"
	// KindWidget renders a dashboard widget.
	KindWidget Kind = "widget"
	// KindMetric is a computed-metric expression.
	KindMetric Kind = "metric"
)

// Profile bundles a kind with its resource budget.
type Profile struct {
	Kind   Kind
	Limits sandbox.ResourceLimits
}

// Registry maps kind names to profiles.
type Registry struct {
	profiles map[Kind]Profile
}

// NewRegistry creates a registry with all supported kinds.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[Kind]Profile)}
	for _, kind := range []Kind{KindQuery, KindProgress, KindWidget} {
		r.Register(Profile{Kind: kind, Limits: sandbox.DefaultLimits()})
	}
	r.Register(Profile{Kind: KindMetric, Limits: sandbox.MetricLimits()})
	return r
}

// Register adds or replaces a profile.
func (r *Registry) Register(p Profile) {
	r.profiles[p.Kind] = p
}

// Get returns the profile for the given kind name.
func (r *Registry) Get(kind string) (Profile, error) {
	p, ok := r.profiles[Kind(kind)]
	if !ok {
		return Profile{}, fmt.Errorf("unsupported query kind: %q (supported: %v)", kind, r.Kinds())
	}
	return p, nil
}

// Kinds returns all registered kind names, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.profiles))
	for k := range r.profiles {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}
