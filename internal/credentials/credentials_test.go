package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ParsesEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"cosmoshub": {"url": "wss://rpc.cosmos.network/websocket", "username": "u", "password": "p"}
	}`), 0o600))

	f, err := Load(path)
	require.NoError(t, err)

	entry, ok := f.Lookup("cosmoshub")
	require.True(t, ok)
	assert.Equal(t, "wss://rpc.cosmos.network/websocket", entry.URL)
	assert.Equal(t, "u", entry.Username)
}

func TestLoad_MissingFileIsError(t *testing.T) {
	_, err := Load("/nonexistent/chains.json")
	assert.Error(t, err)
}

func TestLookup_UnknownNameReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	f, err := Load(path)
	require.NoError(t, err)

	_, ok := f.Lookup("missing")
	assert.False(t, ok)
}
