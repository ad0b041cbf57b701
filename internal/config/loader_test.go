package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeBindings(t *testing.T, yamlBody string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bindings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))
	return path
}

func TestLoader_ParsesBindings(t *testing.T) {
	path := writeBindings(t, `
bindings:
  - repository: acme/widgets
    hosts: [web-1, web-2]
    deploy_on_push: true
    branches: [main]
`)
	l, err := New(path, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, l.Bindings(), 1)
}

func TestMatch_EmptyBranchesMatchesAll(t *testing.T) {
	bindings := []RepoBinding{
		{Repository: "acme/widgets", Hosts: []string{"web-1"}, DeployOnPush: true},
	}
	assert.Equal(t, []string{"web-1"}, Match(bindings, "acme/widgets", "refs/heads/feature-x"))
}

func TestMatch_BranchFilterExcludesNonMatching(t *testing.T) {
	bindings := []RepoBinding{
		{Repository: "acme/widgets", Hosts: []string{"web-1"}, DeployOnPush: true, Branches: []string{"main"}},
	}
	assert.Empty(t, Match(bindings, "acme/widgets", "refs/heads/feature-x"))
	assert.Equal(t, []string{"web-1"}, Match(bindings, "acme/widgets", "refs/heads/main"))
}

func TestMatch_UnionsHostsAcrossMultipleBindings(t *testing.T) {
	bindings := []RepoBinding{
		{Repository: "acme/*", Hosts: []string{"web-1", "web-2"}, DeployOnPush: true},
		{Repository: "acme/widgets", Hosts: []string{"web-2", "web-3"}, DeployOnPush: true},
	}
	hosts := Match(bindings, "acme/widgets", "refs/heads/main")
	assert.ElementsMatch(t, []string{"web-1", "web-2", "web-3"}, hosts)
}

func TestMatch_SkipsBindingsNotEnabledForPush(t *testing.T) {
	bindings := []RepoBinding{
		{Repository: "acme/widgets", Hosts: []string{"web-1"}, DeployOnPush: false},
	}
	assert.Empty(t, Match(bindings, "acme/widgets", "refs/heads/main"))
}
