package message

import (
	"strings"

	"github.com/google/uuid"
)

// ExtractGUID resolves the per-message idempotency token. Resolution order,
// first present wins: the explicit item-level guid, transport.guid, the
// target address guid, and finally the single-valued reserved GUID header.
// Returns "" when none resolves.
func ExtractGUID(itemGUID string, t *Transport) string {
	if itemGUID != "" {
		return itemGUID
	}
	if t == nil {
		return ""
	}
	if t.GUID != "" {
		return t.GUID
	}
	if t.Target != nil && t.Target.GUID != "" {
		return t.Target.GUID
	}
	return t.Headers.Single(HeaderGUID)
}

// GenerateGUID mints a fresh token with the conventional email_ prefix.
func GenerateGUID() string {
	return "email_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
