// Package apps maps human-readable app names and their common aliases to
// Android package identifiers. The registry is loaded once at start and is
// immutable afterwards.
package apps

import (
	"sort"
	"strings"

	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

// Registry resolves app names to package identifiers.
type Registry struct {
	byName map[string]string
	apps   []v1.AppInfo
}

// NewRegistry creates a Registry over the built-in app catalog.
func NewRegistry() *Registry {
	return NewRegistryWith(DefaultApps())
}

// NewRegistryWith creates a Registry over a custom catalog.
func NewRegistryWith(catalog []v1.AppInfo) *Registry {
	r := &Registry{
		byName: make(map[string]string),
		apps:   make([]v1.AppInfo, len(catalog)),
	}
	copy(r.apps, catalog)
	sort.Slice(r.apps, func(i, j int) bool { return r.apps[i].Name < r.apps[j].Name })

	for _, app := range catalog {
		r.byName[normalize(app.Name)] = app.Package
		for _, alias := range app.Aliases {
			r.byName[normalize(alias)] = app.Package
		}
		// A package id resolves to itself so callers may pass either form
		r.byName[normalize(app.Package)] = app.Package
	}
	return r
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Resolve returns the package id for an app name or alias.
func (r *Registry) Resolve(name string) (string, bool) {
	pkg, ok := r.byName[normalize(name)]
	return pkg, ok
}

// ListSupported returns the catalog sorted by name.
func (r *Registry) ListSupported() []v1.AppInfo {
	out := make([]v1.AppInfo, len(r.apps))
	copy(out, r.apps)
	return out
}
