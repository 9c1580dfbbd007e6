package routing

import (
	"fmt"
	stdregexp "regexp"
	"strings"

	"github.com/arbormail/mailflow/internal/message"
)

// Environment is a dynamic-routing bucket: a group of domains sharing mail
// servers, base URLs and per-use credentials. Multiple domains may map to the
// same environment.
type Environment struct {
	MailServers []string `yaml:"mailServers,omitempty" json:"mailServers,omitempty"`
	BaseURL     string   `yaml:"baseUrl" json:"baseUrl"`

	RoutingURI          string `yaml:"routingUri" json:"routingUri"`
	EmailPostURI        string `yaml:"emailPostUri" json:"emailPostUri"`
	NotificationPostURI string `yaml:"notificationPostUri" json:"notificationPostUri"`

	RoutingHeaders          map[string]string `yaml:"routingHeaders,omitempty" json:"routingHeaders,omitempty"`
	EmailPostHeaders        map[string]string `yaml:"emailPostHeaders,omitempty" json:"emailPostHeaders,omitempty"`
	NotificationPostHeaders map[string]string `yaml:"notificationPostHeaders,omitempty" json:"notificationPostHeaders,omitempty"`

	RoutingAuth          *message.Auth `yaml:"routingAuth,omitempty" json:"routingAuth,omitempty"`
	EmailPostAuth        *message.Auth `yaml:"emailPostAuth,omitempty" json:"emailPostAuth,omitempty"`
	NotificationPostAuth *message.Auth `yaml:"notificationPostAuth,omitempty" json:"notificationPostAuth,omitempty"`

	// ForwardingDomain hosts SRS-rewritten senders for mail forwarded out of
	// this environment.
	ForwardingDomain string `yaml:"forwardingDomain,omitempty" json:"forwardingDomain,omitempty"`
}

// EnvRouteConfig maps a domain pattern to an environment name.
type EnvRouteConfig struct {
	Env    string `yaml:"env" json:"env"`
	Domain string `yaml:"domain" json:"domain"`
}

// RoutingTableConfig is the dynamic-routing configuration file: the ordered
// domain-to-environment routes, the environments themselves, and a common
// layer merged under every environment.
type RoutingTableConfig struct {
	Routes            []EnvRouteConfig       `yaml:"routes" json:"routes"`
	Environments      map[string]Environment `yaml:"environments" json:"environments"`
	EnvironmentCommon *Environment           `yaml:"environmentCommon,omitempty" json:"environmentCommon,omitempty"`
}

type envRoute struct {
	pattern *stdregexp.Regexp
	env     string
}

// EnvironmentResolver maps a recipient domain to its environment. Same
// pattern compilation and ordered first-match semantics as the static
// Resolver. Read-only after construction.
type EnvironmentResolver struct {
	routes       []envRoute
	environments map[string]Environment
}

// NewEnvironmentResolver compiles the environment routing table and layers
// environmentCommon under every environment (specific values win). A route
// missing env or domain is fatal.
func NewEnvironmentResolver(cfg RoutingTableConfig) (*EnvironmentResolver, error) {
	r := &EnvironmentResolver{
		environments: make(map[string]Environment, len(cfg.Environments)),
	}

	for name, env := range cfg.Environments {
		if cfg.EnvironmentCommon != nil {
			env = mergeEnvironment(*cfg.EnvironmentCommon, env)
		}
		r.environments[name] = env
	}

	for i, rc := range cfg.Routes {
		if rc.Env == "" {
			return nil, fmt.Errorf("environment route %d: missing env", i)
		}
		if rc.Domain == "" {
			return nil, fmt.Errorf("environment route %d: missing domain", i)
		}
		pattern, err := compilePattern(rc.Domain)
		if err != nil {
			return nil, fmt.Errorf("environment route %d: invalid domain pattern %q: %w", i, rc.Domain, err)
		}
		r.routes = append(r.routes, envRoute{pattern: pattern, env: rc.Env})
	}

	return r, nil
}

// mergeEnvironment layers specific over common, first non-empty wins per
// field.
func mergeEnvironment(common, specific Environment) Environment {
	out := specific
	if out.BaseURL == "" {
		out.BaseURL = common.BaseURL
	}
	if out.RoutingURI == "" {
		out.RoutingURI = common.RoutingURI
	}
	if out.EmailPostURI == "" {
		out.EmailPostURI = common.EmailPostURI
	}
	if out.NotificationPostURI == "" {
		out.NotificationPostURI = common.NotificationPostURI
	}
	if len(out.MailServers) == 0 {
		out.MailServers = common.MailServers
	}
	if out.RoutingHeaders == nil {
		out.RoutingHeaders = common.RoutingHeaders
	}
	if out.EmailPostHeaders == nil {
		out.EmailPostHeaders = common.EmailPostHeaders
	}
	if out.NotificationPostHeaders == nil {
		out.NotificationPostHeaders = common.NotificationPostHeaders
	}
	if out.RoutingAuth == nil {
		out.RoutingAuth = common.RoutingAuth
	}
	if out.EmailPostAuth == nil {
		out.EmailPostAuth = common.EmailPostAuth
	}
	if out.NotificationPostAuth == nil {
		out.NotificationPostAuth = common.NotificationPostAuth
	}
	if out.ForwardingDomain == "" {
		out.ForwardingDomain = common.ForwardingDomain
	}
	return out
}

// ResolveName returns the environment name for a domain, or "" when no route
// matches.
func (r *EnvironmentResolver) ResolveName(domain string) string {
	if domain == "" {
		return ""
	}
	for _, rt := range r.routes {
		if rt.pattern.MatchString(domain) {
			return rt.env
		}
	}
	return ""
}

// Resolve returns the environment a domain belongs to, or nil. A route that
// names an unknown environment also resolves to nil.
func (r *EnvironmentResolver) Resolve(domain string) *Environment {
	name := r.ResolveName(domain)
	if name == "" {
		return nil
	}
	env, ok := r.environments[name]
	if !ok {
		return nil
	}
	return &env
}

// Environment looks an environment up by name.
func (r *EnvironmentResolver) Environment(name string) (*Environment, bool) {
	env, ok := r.environments[name]
	if !ok {
		return nil, false
	}
	return &env, true
}

// MailServers returns the lower-cased union of every environment's mail
// server list.
func (r *EnvironmentResolver) MailServers() map[string]bool {
	out := make(map[string]bool)
	for _, env := range r.environments {
		for _, server := range env.MailServers {
			out[strings.ToLower(server)] = true
		}
	}
	return out
}
