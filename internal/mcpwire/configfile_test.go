package mcpwire

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *ConfigStore {
	t.Helper()
	return NewConfigStore(filepath.Join(t.TempDir(), "mcp-servers.json"))
}

func TestConfigStoreMissingFile(t *testing.T) {
	store := newTestStore(t)
	f, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, f.Servers)
	assert.True(t, f.SubAgentEnabled)
}

func TestConfigStoreAddRemoveRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.AddServer(&ServerConfig{ID: "fs-local", Transport: TransportStdio, Enabled: true}))
	require.NoError(t, store.AddServer(&ServerConfig{ID: "fs-remote", Transport: TransportHTTP, URL: "https://example.com/mcp", Enabled: true}))

	err := store.AddServer(&ServerConfig{ID: "fs-local", Transport: TransportStdio})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	f, err := store.Load()
	require.NoError(t, err)
	require.Len(t, f.Servers, 2)

	require.NoError(t, store.RemoveServer("fs-local"))
	f, err = store.Load()
	require.NoError(t, err)
	require.Len(t, f.Servers, 1)
	assert.Equal(t, "fs-remote", f.Servers[0].ID)

	require.Error(t, store.RemoveServer("fs-local"))
}

func TestConfigStoreModifyServer(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AddServer(&ServerConfig{ID: "tools", Transport: TransportStdio, Enabled: true}))

	require.NoError(t, store.ModifyServer(&ServerConfig{ID: "tools", Transport: TransportStdio, Enabled: false}))
	got, err := store.GetServer("tools")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.Error(t, store.ModifyServer(&ServerConfig{ID: "ghost", Transport: TransportStdio}))
}

func TestConfigStoreWriteIsAtomic(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AddServer(&ServerConfig{ID: "a", Transport: TransportStdio, Enabled: true}))

	// No temp droppings left behind in the directory.
	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(store.Path()), entries[0].Name())
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"mock stdio", ServerConfig{ID: "fs-local", Transport: TransportStdio}, false},
		{"real stdio", ServerConfig{ID: "fs", Transport: TransportStdio, Command: "mcp-fs", Args: []string{"--root", "/"}}, false},
		{"http ok", ServerConfig{ID: "remote", Transport: TransportHTTP, URL: "https://x.test"}, false},
		{"missing id", ServerConfig{Transport: TransportStdio}, true},
		{"underscore id", ServerConfig{ID: "fs_local", Transport: TransportStdio}, true},
		{"http no url", ServerConfig{ID: "remote", Transport: TransportHTTP}, true},
		{"bad transport", ServerConfig{ID: "x", Transport: "carrier-pigeon"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSplitExposedName(t *testing.T) {
	server, tool, ok := SplitExposedName("fs-local_read_file")
	require.True(t, ok)
	assert.Equal(t, "fs-local", server)
	assert.Equal(t, "read_file", tool)

	_, _, ok = SplitExposedName("nounderscorename")
	assert.False(t, ok)
	_, _, ok = SplitExposedName("_leading")
	assert.False(t, ok)
}
