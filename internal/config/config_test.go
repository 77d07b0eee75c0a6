package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: "9090"
database:
  host: db.internal
  port: 5432
  username: gw
  database: gw
  table_prefix: gw
oauth2:
  secret_key: test-secret
  admin_token_never_expires: true
  exclude_paths:
    - /docs
models:
  llama-3.1-8b:
    host: backend-a
    port: 8001
    family: llama3
    type:
      - chat:base
  embedder:
    host: backend-b
    port: 8002
    type:
      - embeddings:base
    response:
      owned_by: acme
  gpt-oss-120b:
    host: backend-c
    port: 8003
    type:
      - chat:base
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "HS256", cfg.OAuth2.Algorithm)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL())
	assert.Equal(t, 30*24*time.Hour, cfg.APIKeyTTL())
	assert.Equal(t, "admin", cfg.OAuth2.DefaultAdmin.Username)
	assert.Equal(t, []byte("test-secret"), cfg.Secret())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSnapshotModelLookup(t *testing.T) {
	r, err := NewRegistry(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	snap := r.Current()

	m, err := snap.GetModel("llama-3.1-8b")
	require.NoError(t, err)
	assert.Equal(t, "backend-a:8001", m.Addr())
	assert.Equal(t, FamilyLlama3, m.Family)
	assert.True(t, m.Has(CapChat))
	assert.False(t, m.Has(CapEmbeddings))

	_, err = snap.GetModel("absent")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestFamilyHeuristic(t *testing.T) {
	r, err := NewRegistry(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	snap := r.Current()

	// No declared family: the gpt-oss prefix routes to the TRT-LLM path.
	m, err := snap.GetModel("gpt-oss-120b")
	require.NoError(t, err)
	assert.Equal(t, FamilyTRTLLM, m.Family)

	m, err = snap.GetModel("embedder")
	require.NoError(t, err)
	assert.Equal(t, FamilyLlama3, m.Family)
	assert.Equal(t, "acme", m.Metadata["owned_by"])
}

func TestModelsWithCapability(t *testing.T) {
	r, err := NewRegistry(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	chat := r.Current().ModelsWithCapability(CapChat)
	require.Len(t, chat, 2)
	// Sorted by name.
	assert.Equal(t, "gpt-oss-120b", chat[0].Name)
	assert.Equal(t, "llama-3.1-8b", chat[1].Name)

	all := r.Current().AllModels()
	assert.Len(t, all, 3)
}

func TestReloadSwapsSnapshot(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	r, err := NewRegistry(path)
	require.NoError(t, err)
	old := r.Current()

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+`
  extra-model:
    host: backend-d
    port: 8004
    type:
      - chat:base
`), 0o600))
	require.NoError(t, r.Reload())

	_, err = r.Current().GetModel("extra-model")
	assert.NoError(t, err)
	// The old snapshot is untouched.
	_, err = old.GetModel("extra-model")
	assert.Error(t, err)
}

func TestRegistryFromConfigHasNoBackingFile(t *testing.T) {
	r := NewRegistryFromConfig(&Config{})
	assert.Error(t, r.Reload())
}
