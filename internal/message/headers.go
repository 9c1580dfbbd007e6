package message

import "strings"

// Reserved routing headers. An individual message can override the static
// routing configuration end-to-end through these; they are copied verbatim
// into every per-recipient clone during fan-out.
const (
	// HeaderDirectConfig names an entry in the direct-routing configuration
	// supplying headers and auth for the direct overrides below.
	HeaderDirectConfig = "x-mailflow-direct-routing-config"

	// HeaderDirectPostURL overrides the destination of the delivery POST.
	HeaderDirectPostURL = "x-mailflow-direct-post-url"

	// HeaderDirectNotifyURL overrides the destination of status notifications.
	HeaderDirectNotifyURL = "x-mailflow-direct-notify-url"

	// HeaderDirectRoutingURL overrides the dynamic routing-authority endpoint.
	HeaderDirectRoutingURL = "x-mailflow-direct-dynamic-routing-url"

	// HeaderGUID carries an externally assigned idempotency token.
	HeaderGUID = "x-mailflow-guid"
)

// RoutingHeaders lists every reserved header, GUID included.
var RoutingHeaders = []string{
	HeaderDirectConfig,
	HeaderDirectPostURL,
	HeaderDirectNotifyURL,
	HeaderDirectRoutingURL,
	HeaderGUID,
}

// Headers is decoded message header material: lower-cased single string keys,
// list-of-strings values.
type Headers map[string][]string

// First returns the first value of a header, or "" when absent. Lookup is
// case-insensitive.
func (h Headers) First(name string) string {
	if h == nil {
		return ""
	}
	name = strings.ToLower(name)
	for k, values := range h {
		if strings.ToLower(k) == name && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// Single returns the value of a header only when it has exactly one value.
// Multi-valued reserved headers are ambiguous and treated as absent.
func (h Headers) Single(name string) string {
	if h == nil {
		return ""
	}
	name = strings.ToLower(name)
	for k, values := range h {
		if strings.ToLower(k) == name && len(values) == 1 {
			return values[0]
		}
	}
	return ""
}

// Clone returns an independent copy. Header adjustment always works on a
// copy; shared Headers values are never mutated.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}

// CopyRoutingHeaders copies the reserved routing headers from src into a
// clone of dst and returns the clone.
func CopyRoutingHeaders(src, dst Headers) Headers {
	out := dst.Clone()
	if out == nil {
		out = make(Headers)
	}
	for _, name := range RoutingHeaders {
		if v := src.First(name); v != "" {
			out[name] = []string{v}
		}
	}
	return out
}
