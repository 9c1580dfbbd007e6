// Package routing turns a recipient domain into a delivery decision: the
// static domain resolver maps domains to configured targets, the environment
// resolver maps domains to named environment buckets, and the authority
// client asks an external routing service what to do with everything else.
package routing

import (
	"fmt"
	"regexp"
	"strings"
)

// RouteConfig is one static route as written by the operator. Domain is a
// pattern; Target is a template that may reference the pattern's capture
// groups positionally ($1, $2, ...).
type RouteConfig struct {
	Domain          string            `yaml:"domain" json:"domain"`
	Target          string            `yaml:"target" json:"target"`
	Proto           string            `yaml:"proto,omitempty" json:"proto,omitempty"`
	Port            int               `yaml:"port,omitempty" json:"port,omitempty"`
	URI             string            `yaml:"uri,omitempty" json:"uri,omitempty"`
	NotificationURI string            `yaml:"notificationUri,omitempty" json:"notificationUri,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// ResolverConfig is the static routing table plus its defaults.
type ResolverConfig struct {
	Proto           string            `yaml:"proto,omitempty" json:"proto,omitempty"`
	Port            int               `yaml:"port,omitempty" json:"port,omitempty"`
	URI             string            `yaml:"uri,omitempty" json:"uri,omitempty"`
	NotificationURI string            `yaml:"notificationUri,omitempty" json:"notificationUri,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	DefaultTarget   string            `yaml:"defaultTarget,omitempty" json:"defaultTarget,omitempty"`
	Routes          []RouteConfig     `yaml:"routes" json:"routes"`
}

type route struct {
	pattern         *regexp.Regexp
	target          string
	proto           string
	port            int
	uri             string
	notificationURI string
	headers         map[string]string
}

// Resolver pattern-matches recipient domains against an ordered route list.
// Read-only after construction; safe for unsynchronized concurrent use.
type Resolver struct {
	routes          []route
	defaultTarget   string
	proto           string
	port            int
	uri             string
	notificationURI string
	headers         map[string]string
}

// Resolution is the outcome of matching a domain. Index is the position of
// the matching route, or -1 for the default target.
type Resolution struct {
	Index           int
	Target          string
	Proto           string
	Port            int
	URI             string
	NotificationURI string
	Headers         map[string]string
}

// URLs is a Resolution with the composed delivery and notification URLs.
type URLs struct {
	Resolution
	BaseURL         string
	URL             string
	NotificationURL string
}

// NewResolver compiles the routing table. A route missing its domain or
// target is a configuration error; the resolver refuses to start rather than
// silently skip it.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	proto := cfg.Proto
	if proto == "" {
		proto = "https"
	}

	r := &Resolver{
		defaultTarget:   cfg.DefaultTarget,
		proto:           proto,
		port:            cfg.Port,
		uri:             cfg.URI,
		notificationURI: cfg.NotificationURI,
		headers:         cfg.Headers,
	}

	for i, rc := range cfg.Routes {
		if rc.Target == "" {
			return nil, fmt.Errorf("route %d: missing target", i)
		}
		if rc.Domain == "" {
			return nil, fmt.Errorf("route %d: missing domain", i)
		}
		pattern, err := compilePattern(rc.Domain)
		if err != nil {
			return nil, fmt.Errorf("route %d: invalid domain pattern %q: %w", i, rc.Domain, err)
		}
		r.routes = append(r.routes, route{
			pattern:         pattern,
			target:          rc.Target,
			proto:           rc.Proto,
			port:            rc.Port,
			uri:             rc.URI,
			notificationURI: rc.NotificationURI,
			headers:         rc.Headers,
		})
	}

	return r, nil
}

// compilePattern anchors operator-supplied patterns. A pattern already
// written as ^...$ is taken as a regular expression; anything else is quoted
// and anchored so that "a.b.com" can never match "xa.b.com.evil".
func compilePattern(p string) (*regexp.Regexp, error) {
	expr := p
	if !strings.HasPrefix(p, "^") || !strings.HasSuffix(p, "$") {
		expr = "^" + regexp.QuoteMeta(p) + "$"
	}
	return regexp.Compile("(?i)" + expr)
}

// RouteCount reports the number of configured routes, default target
// included.
func (r *Resolver) RouteCount() int {
	n := len(r.routes)
	if r.defaultTarget != "" {
		n++
	}
	return n
}

// Resolve matches domain against the routes in configuration order; first
// match wins. With no match it falls back to the default target (Index -1)
// when one is configured, otherwise returns nil.
func (r *Resolver) Resolve(domain string) *Resolution {
	if domain != "" {
		for i, rt := range r.routes {
			if !rt.pattern.MatchString(domain) {
				continue
			}
			res := &Resolution{
				Index:           i,
				Target:          rt.pattern.ReplaceAllString(domain, rt.target),
				Proto:           rt.proto,
				Port:            rt.port,
				URI:             rt.uri,
				NotificationURI: rt.notificationURI,
				Headers:         rt.headers,
			}
			r.applyDefaults(res)
			return res
		}
	}
	if r.defaultTarget != "" {
		res := &Resolution{
			Index:  -1,
			Target: r.defaultTarget,
		}
		r.applyDefaults(res)
		return res
	}
	return nil
}

func (r *Resolver) applyDefaults(res *Resolution) {
	if res.Proto == "" {
		res.Proto = r.proto
	}
	if res.Port == 0 {
		res.Port = r.port
	}
	if res.URI == "" {
		res.URI = r.uri
	}
	if res.NotificationURI == "" {
		res.NotificationURI = r.notificationURI
	}
	if res.Headers == nil {
		res.Headers = r.headers
	}
}

// CanSolve reports whether an explicit route matches the domain. The default
// target does not count; this distinction drives the static-versus-dynamic
// branch of the routing state machine.
func (r *Resolver) CanSolve(domain string) bool {
	res := r.Resolve(domain)
	return res != nil && res.Index >= 0
}

// CreateURL composes proto://target[:port] with the route's URI suffixes.
// Returns nil when the domain does not resolve at all.
func (r *Resolver) CreateURL(domain string) *URLs {
	res := r.Resolve(domain)
	if res == nil {
		return nil
	}
	base := res.Proto + "://" + res.Target
	if res.Port != 0 {
		base = fmt.Sprintf("%s:%d", base, res.Port)
	}
	return &URLs{
		Resolution:      *res,
		BaseURL:         base,
		URL:             base + res.URI,
		NotificationURL: base + res.NotificationURI,
	}
}

// JoinURL joins a base URL and a URI path without doubling slashes.
func JoinURL(base, uri string) string {
	if uri == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(uri, "/")
}
