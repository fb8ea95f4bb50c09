package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nachoal/stock-agent-go/config"
	"github.com/nachoal/stock-agent-go/history"
)

func TestNewBackend(t *testing.T) {
	dir := t.TempDir()

	b, err := newBackend(config.SessionConfig{Backend: config.BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &history.MemoryBackend{}, b)

	b, err = newBackend(config.SessionConfig{Backend: config.BackendFile, Dir: filepath.Join(dir, "sessions")})
	require.NoError(t, err)
	assert.IsType(t, &history.FileBackend{}, b)

	b, err = newBackend(config.SessionConfig{Backend: config.BackendSQLite, SQLitePath: filepath.Join(dir, "s.db")})
	require.NoError(t, err)
	assert.IsType(t, &history.SQLiteBackend{}, b)
	require.NoError(t, b.Close())

	_, err = newBackend(config.SessionConfig{Backend: "etcd"})
	assert.ErrorContains(t, err, "unknown session backend")
}

func TestRootCommandTree(t *testing.T) {
	want := []string{"ask", "serve", "watch", "sessions", "tools", "personas"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	cmd, _, err := rootCmd.Find([]string{"sessions", "cleanup"})
	require.NoError(t, err)
	assert.NotNil(t, cmd.Flags().Lookup("max-age"))
}
