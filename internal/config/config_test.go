package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "mail-*", cfg.Workers.Pattern)
	assert.Equal(t, 10, cfg.Workers.TeamSize)
	assert.Equal(t, 48, cfg.Broker.RetentionHours)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.True(t, cfg.API.Enabled)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeFile(t, "mailflow.toml", `
[broker]
dsn = "postgres://mailflow@localhost/mailflow"

[workers]
team_size = 20

[relay]
host = "smarthost.example"
domain = "mailflow.example"

[cache]
type = "redis"
host = "localhost"

[srs]
secret = "s3cret"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://mailflow@localhost/mailflow", cfg.Broker.DSN)
	assert.Equal(t, 20, cfg.Workers.TeamSize)
	assert.Equal(t, 5, cfg.Workers.TeamConcurrency, "unset fields keep defaults")
	assert.Equal(t, "smarthost.example", cfg.Relay.Host)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, "s3cret", cfg.SRS.Secret)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/does/not/exist.toml")
	require.Error(t, err)
}

func TestLoadStaticRoutes(t *testing.T) {
	path := writeFile(t, "routing.yaml", `
proto: https
uri: /in/email
notificationUri: /in/notification
defaultTarget: fallback.example
routes:
  - domain: static.example
    target: capture.example
  - domain: '^(.+)\.wild\.example$'
    target: $1.capture.example
    headers:
      x-key: k1
`)
	cfg, err := LoadStaticRoutes(path)
	require.NoError(t, err)
	assert.Equal(t, "https", cfg.Proto)
	assert.Equal(t, "fallback.example", cfg.DefaultTarget)
	require.Len(t, cfg.Routes, 2)
	assert.Equal(t, "$1.capture.example", cfg.Routes[1].Target)
	assert.Equal(t, "k1", cfg.Routes[1].Headers["x-key"])
}

func TestLoadEnvironments(t *testing.T) {
	path := writeFile(t, "environments.yaml", `
routes:
  - env: prod
    domain: '^.*\.dyn\.example$'
environmentCommon:
  routingUri: /in/routing
environments:
  prod:
    baseUrl: https://prod.example
    emailPostUri: /in/email
    forwardingDomain: fwd.example
`)
	cfg, err := LoadEnvironments(path)
	require.NoError(t, err)
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "prod", cfg.Routes[0].Env)
	require.NotNil(t, cfg.EnvironmentCommon)
	assert.Equal(t, "/in/routing", cfg.EnvironmentCommon.RoutingURI)
	assert.Equal(t, "https://prod.example", cfg.Environments["prod"].BaseURL)
}

func TestLoadDirectConfig(t *testing.T) {
	path := writeFile(t, "direct.yaml", `
tenant-a:
  headers:
    x-api-key: k1
  auth:
    username: u
    password: p
`)
	cfg, err := LoadDirectConfig(path)
	require.NoError(t, err)
	entry, ok := cfg["tenant-a"]
	require.True(t, ok)
	assert.Equal(t, "k1", entry.Headers["x-api-key"])
	require.NotNil(t, entry.Auth)
	assert.Equal(t, "u", entry.Auth.Username)
}
