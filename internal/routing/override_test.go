package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbormail/mailflow/internal/message"
)

var testDirectConfig = DirectConfig{
	"tenant-a": {
		Headers: map[string]string{"x-api-key": "direct-key"},
		Auth:    &message.Auth{Username: "direct", Password: "pw"},
	},
}

func TestDirectPostOverride(t *testing.T) {
	headers := message.Headers{
		message.HeaderDirectPostURL: {"https://direct.example/post"},
		message.HeaderDirectConfig:  {"tenant-a"},
	}

	o := DirectPostOverride(headers, testDirectConfig)
	assert.Equal(t, "https://direct.example/post", o.URL)
	assert.Equal(t, "direct-key", o.Headers["x-api-key"])
	require.NotNil(t, o.Auth)
	assert.Equal(t, "direct", o.Auth.Username)
}

func TestDirectPostOverrideAbsentWithoutURLHeader(t *testing.T) {
	headers := message.Headers{
		message.HeaderDirectConfig: {"tenant-a"},
	}
	o := DirectPostOverride(headers, testDirectConfig)
	assert.True(t, o.IsZero())
}

func TestDirectPostOverrideUnknownConfigName(t *testing.T) {
	headers := message.Headers{
		message.HeaderDirectPostURL: {"https://direct.example/post"},
		message.HeaderDirectConfig:  {"nonexistent"},
	}
	o := DirectPostOverride(headers, testDirectConfig)
	assert.Equal(t, "https://direct.example/post", o.URL)
	assert.Nil(t, o.Headers)
	assert.Nil(t, o.Auth)
}

func TestDirectNotifyOverride(t *testing.T) {
	headers := message.Headers{
		message.HeaderDirectNotifyURL: {"https://direct.example/notify"},
		message.HeaderDirectConfig:    {"tenant-a"},
	}
	o := DirectNotifyOverride(headers, testDirectConfig)
	assert.Equal(t, "https://direct.example/notify", o.URL)
	assert.Equal(t, "direct-key", o.Headers["x-api-key"])
}

func TestOverrideApplyFirstNonEmptyWins(t *testing.T) {
	req := message.Request{
		URL:     "https://resolved.example/in",
		Method:  "post",
		Headers: map[string]string{"x-api-key": "resolved-key"},
	}

	// Zero override leaves the request untouched.
	out := Override{}.Apply(req)
	assert.Equal(t, req, out)

	out = Override{
		URL:     "https://direct.example/in",
		Headers: map[string]string{"x-api-key": "direct-key"},
		Auth:    &message.Auth{Username: "u"},
	}.Apply(req)
	assert.Equal(t, "https://direct.example/in", out.URL)
	assert.Equal(t, "direct-key", out.Headers["x-api-key"])
	require.NotNil(t, out.Auth)
	// Untouched fields survive.
	assert.Equal(t, "post", out.Method)
}

func TestDirectRoutingURL(t *testing.T) {
	headers := message.Headers{
		message.HeaderDirectRoutingURL: {"https://direct.example/routing"},
	}
	assert.Equal(t, "https://direct.example/routing", DirectRoutingURL(headers))
	assert.Equal(t, "", DirectRoutingURL(message.Headers{}))
}
