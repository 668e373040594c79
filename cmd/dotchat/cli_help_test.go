package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoutes = `endpoints:
  main:
    kind: openai
    base_url: http://127.0.0.1:1/v1
    api_keys: [sk-test]
  backup:
    kind: openrouter
    api_keys: [sk-other]
routes:
  chat:
    - endpoint: main
      model: small
    - endpoint: backup
      model: large
`

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand(false)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootHelpListsCommands(t *testing.T) {
	out, err := runRootCommandForTest("--help")
	require.NoError(t, err)
	for _, name := range []string{"gateway", "console", "routes", "status", "version", "--config"} {
		assert.Contains(t, out, name)
	}
	assert.NotContains(t, out, "docs")
}

func TestRootWithoutSubcommandFails(t *testing.T) {
	_, err := runRootCommandForTest()
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := runRootCommandForTest("version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "dotchat dev"), out)
	assert.Contains(t, out, "Go: ")
}

func TestRoutesCheck(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(good, []byte(testRoutes), 0o644))

	out, err := runRootCommandForTest("routes", "check", good)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "main/small → backup/large")
	assert.Contains(t, out, "preprocess", "preprocess falls back to the chat route")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("endpoints: {}\nroutes: {chat: [{endpoint: ghost, model: m}]}"), 0o644))
	_, err = runRootCommandForTest("routes", "check", bad)
	assert.Error(t, err)

	_, err = runRootCommandForTest("routes", "check", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestStatusReportsRoutes(t *testing.T) {
	dir := t.TempDir()
	routes := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(routes, []byte(testRoutes), 0o644))
	cfgPath := filepath.Join(dir, "config.json")
	doc, err := json.Marshal(map[string]any{
		"providers": map[string]any{"routes_file": routes},
		"store":     map[string]any{"path": filepath.Join(dir, "dotchat.db")},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfgPath, doc, 0o600))

	out, err := runRootCommandForTest("status", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Config: "+cfgPath+" ✓")
	assert.Contains(t, out, "Routes: "+routes+" ✓")
	assert.Contains(t, out, "main/small → backup/large")
	assert.Contains(t, out, "not routed")
	assert.Contains(t, out, "Settings DB: "+filepath.Join(dir, "dotchat.db")+" not initialized")
	assert.Contains(t, out, "Gateway ready: ✗")
}

func TestConfigReferenceCoversSections(t *testing.T) {
	ref, err := buildConfigReferenceMarkdown()
	require.NoError(t, err)
	for _, key := range []string{
		"`bot.name`",
		"`defaults.response_level`",
		"`history.sweep_cron`",
		"`gateway.admin_token`",
		"`DOTCHAT_PROVIDERS_ROUTES_FILE`",
	} {
		assert.Contains(t, ref, key)
	}
	assert.Contains(t, ref, "`\"*/10 * * * *\"`")
}

func TestEndpointsReferenceListsKinds(t *testing.T) {
	ref := buildEndpointsReferenceMarkdown()
	for _, kind := range []string{"openai", "openrouter", "gemini", "brave", "duckduckgo"} {
		assert.Contains(t, ref, "| `"+kind+"` |")
	}
}
