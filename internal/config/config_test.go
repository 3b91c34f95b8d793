package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
version: 1
web_base_url: https://ci.example.com
store:
  kind: git
  path: /var/lib/ci-forge/store.git
github:
  token_env: GITHUB_TOKEN
sandbox:
  docker_host: unix:///var/run/docker.sock
projects:
  - user: acme
    repo: widgets
    terms: [lint, build, test]
canaries:
  - user: acme
    repo: widgets
    targets: ["pr/1"]
reconnect_backoff: 30s
`

func TestLoadValidDocument(t *testing.T) {
	cfg, err := Load([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://ci.example.com", cfg.WebBaseURL)
	assert.Equal(t, StoreGit, cfg.Store.Kind)
	assert.Equal(t, "/var/lib/ci-forge/store.git", cfg.Store.Path)
	assert.Equal(t, "GITHUB_TOKEN", cfg.GitHub.TokenEnv)
	assert.Equal(t, "unix:///var/run/docker.sock", cfg.Sandbox.DockerHost)
	require.Len(t, cfg.Projects, 1)
	assert.Equal(t, []string{"lint", "build", "test"}, cfg.Projects[0].Terms)
	require.Len(t, cfg.Canaries, 1)
	assert.Equal(t, []string{"pr/1"}, cfg.Canaries[0].TargetIDs)
	assert.Equal(t, 30*time.Second, cfg.ReconnectBackoff)
}

func TestLoadDefaultsReconnectBackoff(t *testing.T) {
	yaml := `
version: 1
web_base_url: https://ci.example.com
store: {kind: memory}
github: {token_env: GITHUB_TOKEN}
projects:
  - {user: acme, repo: widgets, terms: [build]}
`
	cfg, err := Load([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.ReconnectBackoff)
}

func TestLoadMissingVersionFails(t *testing.T) {
	_, err := Load([]byte(`web_base_url: https://x`))
	assert.Error(t, err)
}

func TestLoadUnsupportedVersionFails(t *testing.T) {
	_, err := Load([]byte("version: 2\n"))
	assert.Error(t, err)
}

func TestLoadRejectsUnknownStoreKind(t *testing.T) {
	yaml := `
version: 1
web_base_url: https://ci.example.com
store: {kind: s3}
github: {token_env: GITHUB_TOKEN}
projects:
  - {user: acme, repo: widgets, terms: [build]}
`
	_, err := Load([]byte(yaml))
	assert.Error(t, err)
}

func TestLoadGitStoreRequiresPath(t *testing.T) {
	yaml := `
version: 1
web_base_url: https://ci.example.com
store: {kind: git}
github: {token_env: GITHUB_TOKEN}
projects:
  - {user: acme, repo: widgets, terms: [build]}
`
	_, err := Load([]byte(yaml))
	assert.Error(t, err)
}

func TestLoadRejectsProjectWithNoTerms(t *testing.T) {
	yaml := `
version: 1
web_base_url: https://ci.example.com
store: {kind: memory}
github: {token_env: GITHUB_TOKEN}
projects:
  - {user: acme, repo: widgets}
`
	_, err := Load([]byte(yaml))
	assert.Error(t, err)
}

func TestGitHubTokenReadsEnv(t *testing.T) {
	t.Setenv("CI_FORGE_TEST_TOKEN", "secret-value")
	cfg := GitHubConfig{TokenEnv: "CI_FORGE_TEST_TOKEN"}
	tok, err := cfg.GitHubToken()
	require.NoError(t, err)
	assert.Equal(t, "secret-value", tok)
}

func TestGitHubTokenErrorsWhenUnset(t *testing.T) {
	cfg := GitHubConfig{TokenEnv: "CI_FORGE_TEST_TOKEN_UNSET"}
	_, err := cfg.GitHubToken()
	assert.Error(t, err)
}
