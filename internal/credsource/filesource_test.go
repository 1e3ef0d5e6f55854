package credsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSourceListCredentialsSplitsAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.txt")
	require.NoError(t, os.WriteFile(path, []byte("key-a, key-b\nkey-c"), 0o600))

	src := NewFileSource(dir)
	got, err := src.ListCredentials(context.Background())
	require.NoError(t, err)

	assert.Contains(t, got, "key-a")
	assert.Contains(t, got, "key-b")
	assert.Contains(t, got, "key-c")
	assert.Len(t, got, 3)

	rewritten, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "key-a\nkey-b\nkey-c", string(rewritten))
}

func TestFileSourceMissingDirectoryReturnsEmptySet(t *testing.T) {
	src := NewFileSource("/nonexistent/dir")
	got, err := src.ListCredentials(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}
