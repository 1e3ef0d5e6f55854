package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("/nonexistent/credpool.yaml")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.NotEmpty(t, cfg.SupportedModels)
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("auth_key: from-yaml\n"), 0o600))

	t.Setenv("CREDPOOL_AUTH_KEY", "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.AuthKey)
}

func TestLoadRejectsEmptySupportedModels(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("supported_models: []\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
