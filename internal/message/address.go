package message

import (
	"fmt"
	"strings"
)

// Address is a parsed envelope address. All fields are lower-cased at
// construction and the value is never mutated afterwards; pipeline stages
// that need a different address build a new one.
type Address struct {
	Original     string `json:"original"`
	User         string `json:"user"`
	Host         string `json:"host"`
	OriginalHost string `json:"original_host,omitempty"`

	// GUID is an optional per-target idempotency token carried by some
	// upstream producers. It participates in GUID resolution, see ExtractGUID.
	GUID string `json:"guid,omitempty"`
}

// NewAddress parses a raw RFC 5321 style address ("user@host"). The null
// sender ("<>" or empty string) is valid and yields an address with empty
// user and host, which is how bounce messages identify themselves.
func NewAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "<")
	raw = strings.TrimSuffix(raw, ">")
	raw = strings.ToLower(raw)

	if raw == "" {
		return Address{}, nil
	}

	at := strings.LastIndex(raw, "@")
	if at < 0 {
		return Address{}, fmt.Errorf("address %q has no host part", raw)
	}
	if at == len(raw)-1 {
		return Address{}, fmt.Errorf("address %q has an empty host part", raw)
	}

	return Address{
		Original: raw,
		User:     raw[:at],
		Host:     raw[at+1:],
	}, nil
}

// MustAddress is NewAddress for statically known inputs; it panics on error.
func MustAddress(raw string) Address {
	a, err := NewAddress(raw)
	if err != nil {
		panic(err)
	}
	return a
}

// NewAddressParts builds an address from an already split user and host.
func NewAddressParts(user, host string) Address {
	user = strings.ToLower(strings.TrimSpace(user))
	host = strings.ToLower(strings.TrimSpace(host))
	original := user
	if host != "" {
		original = user + "@" + host
	}
	return Address{
		Original: original,
		User:     user,
		Host:     host,
	}
}

// IsNull reports whether this is the null sender used by delivery status
// notifications.
func (a Address) IsNull() bool {
	return a.User == "" && a.Host == ""
}

func (a Address) String() string {
	return a.Original
}
