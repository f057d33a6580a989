package strategy

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"offgrid/internal/config"
)

type Route int

const (
	// RouteBypass is not intercepted: cross-origin, or a method that is
	// neither GET nor a mutation.
	RouteBypass Route = iota
	RouteMutation
	// RouteNetwork is an API path outside the allow-list, never cached.
	RouteNetwork
	RouteNetworkFirst
	RouteCacheFirst
	// RouteNavigate is everything else: cache-first with the offline
	// document as last resort.
	RouteNavigate
)

func (r Route) String() string {
	switch r {
	case RouteBypass:
		return "bypass"
	case RouteMutation:
		return "mutation"
	case RouteNetwork:
		return "network"
	case RouteNetworkFirst:
		return "network-first"
	case RouteCacheFirst:
		return "cache-first"
	case RouteNavigate:
		return "navigate"
	}
	return "unknown"
}

type Router struct {
	origin           *url.URL
	apiPrefix        string
	cacheableAPI     config.Matcher
	staticExtensions map[string]bool
	staticDirs       config.Matcher
}

func NewRouter(origin *url.URL, rc config.RoutesConfig) *Router {
	r := &Router{
		origin:           origin,
		apiPrefix:        rc.APIPrefix,
		cacheableAPI:     rc.CacheableAPIMatch,
		staticExtensions: map[string]bool{},
		staticDirs:       rc.StaticDirsMatch,
	}
	for _, ext := range rc.StaticExtensions {
		r.staticExtensions[strings.ToLower(ext)] = true
	}
	return r
}

func (r *Router) Origin() *url.URL { return r.origin }

// SameOrigin reports whether u targets the application origin. Relative
// URLs do.
func (r *Router) SameOrigin(u *url.URL) bool {
	if u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Scheme, r.origin.Scheme) && strings.EqualFold(u.Host, r.origin.Host)
}

// Classify applies the routing predicate, first match wins.
func (r *Router) Classify(method string, u *url.URL) Route {
	if !r.SameOrigin(u) {
		return RouteBypass
	}
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return RouteMutation
	case http.MethodGet:
	default:
		return RouteBypass
	}

	p := u.Path
	if p == "" {
		p = "/"
	}
	if strings.HasPrefix(p, r.apiPrefix) {
		if r.cacheableAPI != nil && r.cacheableAPI.Match(p) {
			return RouteNetworkFirst
		}
		return RouteNetwork
	}
	if r.IsStatic(p) {
		return RouteCacheFirst
	}
	return RouteNavigate
}

func (r *Router) IsStatic(p string) bool {
	if r.staticExtensions[strings.ToLower(path.Ext(p))] {
		return true
	}
	return r.staticDirs != nil && r.staticDirs.Match(p)
}
