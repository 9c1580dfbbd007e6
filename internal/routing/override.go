package routing

import (
	"github.com/arbormail/mailflow/internal/message"
)

// DirectEntry is one named entry of the direct-routing configuration:
// headers and auth to attach when a message routes itself via the reserved
// direct-routing headers.
type DirectEntry struct {
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Auth    *message.Auth     `yaml:"auth,omitempty" json:"auth,omitempty"`
}

// DirectConfig maps configuration names (the value of the reserved
// direct-routing-config header) to their entries.
type DirectConfig map[string]DirectEntry

// Override is the layered per-message override of an outbound call,
// extracted from the reserved routing headers. Empty fields mean "no
// override"; merging is explicit first-non-empty-wins, see Apply.
type Override struct {
	URL     string
	Headers map[string]string
	Auth    *message.Auth
}

// IsZero reports whether the override changes anything.
func (o Override) IsZero() bool {
	return o.URL == "" && o.Headers == nil && o.Auth == nil
}

// Apply merges the override over a materialized request. Per field the
// override wins when set, the request value stays otherwise:
//   - URL: override when present
//   - Headers: replaced wholesale when present (no key-level merge, the
//     direct config is authoritative for its own endpoint)
//   - Auth: override when present
func (o Override) Apply(req message.Request) message.Request {
	if o.URL != "" {
		req.URL = o.URL
	}
	if o.Headers != nil {
		req.Headers = o.Headers
	}
	if o.Auth != nil {
		req.Auth = o.Auth
	}
	return req
}

// DirectPostOverride extracts the delivery-POST override from a message's
// reserved headers. The direct post-URL header selects the URL; the
// direct-config header names the DirectConfig entry supplying headers/auth.
func DirectPostOverride(headers message.Headers, cfg DirectConfig) Override {
	var o Override
	url := headers.First(message.HeaderDirectPostURL)
	if url == "" {
		return o
	}
	o.URL = url
	if entry, ok := cfg[headers.First(message.HeaderDirectConfig)]; ok {
		o.Headers = entry.Headers
		o.Auth = entry.Auth
	}
	return o
}

// DirectNotifyOverride extracts the notification override, same shape as
// DirectPostOverride but keyed on the direct notify-URL header.
func DirectNotifyOverride(headers message.Headers, cfg DirectConfig) Override {
	var o Override
	url := headers.First(message.HeaderDirectNotifyURL)
	if url == "" {
		return o
	}
	o.URL = url
	if entry, ok := cfg[headers.First(message.HeaderDirectConfig)]; ok {
		o.Headers = entry.Headers
		o.Auth = entry.Auth
	}
	return o
}

// DirectRoutingURL returns the per-message dynamic-routing endpoint override,
// or "".
func DirectRoutingURL(headers message.Headers) string {
	return headers.First(message.HeaderDirectRoutingURL)
}
