package message

import "encoding/json"

// Auth is optional basic-auth material for an outbound call.
type Auth struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Request is a fully materialized outbound HTTP call built by a handler and
// pushed as a new POST work item. It is never executed synchronously by the
// handler that builds it; decoupling delivery from the routing decision is
// what makes the decision crash-safe.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Auth    *Auth             `json:"auth,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
}
