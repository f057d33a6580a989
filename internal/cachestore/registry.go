package cachestore

import "fmt"

type Kind string

const (
	KindStatic Kind = "static"
	KindAPI    Kind = "api"
)

// Registry names the current generation of every partition kind. Anything
// else found in the store is stale.
type Registry struct {
	version string
	names   map[Kind]string
}

func NewRegistry(namespace, version string) *Registry {
	r := &Registry{version: version, names: map[Kind]string{}}
	for _, k := range []Kind{KindStatic, KindAPI} {
		r.names[k] = GenerationName(namespace, k, version)
	}
	return r
}

// GenerationName builds "static-v7" or, with a namespace, "app-static-v7".
func GenerationName(namespace string, kind Kind, version string) string {
	if namespace == "" {
		return fmt.Sprintf("%s-%s", kind, version)
	}
	return fmt.Sprintf("%s-%s-%s", namespace, kind, version)
}

func (r *Registry) Version() string { return r.version }

func (r *Registry) Name(kind Kind) string { return r.names[kind] }

func (r *Registry) IsCurrent(name string) bool {
	for _, n := range r.names {
		if n == name {
			return true
		}
	}
	return false
}

// Stale filters names down to the ones that are not current.
func (r *Registry) Stale(names []string) []string {
	var out []string
	for _, n := range names {
		if !r.IsCurrent(n) {
			out = append(out, n)
		}
	}
	return out
}
